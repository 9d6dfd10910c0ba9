// Package types defines the shared types used across all Tolkbrug packages.
//
// These types form the lingua franca between the audio transport, the
// buffering layers, the recognition adapter and the translation pipeline.
// They are intentionally minimal — each package defines its own domain types,
// but cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// AudioFrame represents a single chunk of audio data flowing through the broker.
// Frames are the atomic unit of transport — received from a speaker WebSocket,
// buffered, and forwarded to the recognition engine.
type AudioFrame struct {
	// Data is the raw audio payload exactly as received on the wire. The
	// broker never re-encodes audio; format detection is advisory only.
	Data []byte

	// SampleRate in Hz (16000 for the recognition engine).
	SampleRate int

	// Channels: 1 for mono speaker input.
	Channels int

	// Received marks when this frame arrived at the broker.
	Received time.Time
}

// Transcript represents a speech-to-text result from the recognition engine.
// Both partial (interim) and final transcripts use this type, but only final
// transcripts ever reach the translation pipeline.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the engine's confidence score (0.0–1.0). May be zero when
	// the engine does not report confidence for this result.
	Confidence float64

	// Timestamp marks when the result was received from the engine.
	Timestamp time.Time
}

// ProcessingMode selects how speaker audio is forwarded to recognition.
type ProcessingMode string

const (
	// ModeStreaming forwards each frame to a live recognition stream.
	ModeStreaming ProcessingMode = "streaming"

	// ModeBuffered accumulates frames and recognizes them in batches.
	ModeBuffered ProcessingMode = "buffered"
)

// ModeSwitch records a single transition between processing modes together
// with the reason the decision logic gave for it.
type ModeSwitch struct {
	From   ProcessingMode
	To     ProcessingMode
	Reason string
	At     time.Time
}
