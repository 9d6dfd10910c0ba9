// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider wraps a recognition service (Google Cloud Speech in
// production) and exposes two entry points: a streaming session that accepts
// audio frames and emits [types.Transcript] values as they become available,
// and a one-shot Recognize call used for buffered batches.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per speaker stream).
package stt

import (
	"context"
	"errors"

	"github.com/hvanleeuwen/tolkbrug/pkg/types"
)

// ErrSessionClosed is returned by [SessionHandle.SendAudio] after the session
// has been closed.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition settings for a new
// STT session or one-shot call.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (16000 for this broker).
	SampleRate int

	// Channels is the number of audio channels. Always 1 here.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "nl-NL").
	Language string

	// Model selects the provider's recognition model ("latest_long" for
	// streaming sessions).
	Model string

	// InterimResults requests partial transcripts in addition to finals.
	InterimResults bool
}

// SessionHandle represents an open streaming recognition session. It is an
// interface so tests can substitute mock implementations for a live engine
// connection.
//
// Callers must call Close when done; failing to do so leaks the provider's
// internal goroutines and the network stream. All methods are safe for
// concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of audio bytes to the engine. Returns
	// [ErrSessionClosed] after Close.
	SendAudio(chunk []byte) error

	// Results returns a read-only channel emitting recognition results,
	// both interim and final. The channel is closed when the session ends,
	// whether by Close, context cancellation or an engine-side error.
	Results() <-chan types.Transcript

	// Err returns the terminal error of the session, if any. Valid only
	// after the Results channel has closed.
	Err() error

	// Close flushes pending audio, terminates the session and closes the
	// Results channel. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a streaming recognition session. The returned
	// SessionHandle is ready to accept audio immediately. The session is
	// bound to ctx: cancelling it tears the session down.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)

	// Recognize performs one-shot recognition of a complete audio payload
	// and returns the best final transcript. An empty transcript with no
	// error means the engine heard nothing intelligible.
	Recognize(ctx context.Context, cfg StreamConfig, audio []byte) (types.Transcript, error)
}
