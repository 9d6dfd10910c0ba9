// Package mock provides an in-memory [stt.Provider] for tests.
//
// Sessions record every audio chunk they receive and emit only the
// transcripts a test pushes through [Session.Emit], making recognition
// timing fully deterministic.
package mock

import (
	"context"
	"sync"

	"github.com/hvanleeuwen/tolkbrug/pkg/provider/stt"
	"github.com/hvanleeuwen/tolkbrug/pkg/types"
)

// Compile-time interface checks.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)

// Provider is a scriptable STT test double.
type Provider struct {
	mu sync.Mutex

	// StartErr, when non-nil, is returned by StartStream.
	StartErr error

	// RecognizeFunc handles one-shot calls. When nil, Recognize returns an
	// empty transcript.
	RecognizeFunc func(ctx context.Context, cfg stt.StreamConfig, audio []byte) (types.Transcript, error)

	sessions       []*Session
	recognizeCalls int
}

// StartStream opens a new mock session and records it.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := &Session{
		cfg:     cfg,
		results: make(chan types.Transcript, 64),
		done:    make(chan struct{}),
	}
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Recognize delegates to RecognizeFunc and counts the call.
func (p *Provider) Recognize(ctx context.Context, cfg stt.StreamConfig, audio []byte) (types.Transcript, error) {
	p.mu.Lock()
	p.recognizeCalls++
	fn := p.RecognizeFunc
	p.mu.Unlock()

	if fn == nil {
		return types.Transcript{}, nil
	}
	return fn(ctx, cfg, audio)
}

// Sessions returns every session opened so far, in order.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// RecognizeCalls returns how many one-shot calls were made.
func (p *Provider) RecognizeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recognizeCalls
}

// Session is a mock streaming session.
type Session struct {
	cfg     stt.StreamConfig
	results chan types.Transcript
	done    chan struct{}

	mu        sync.Mutex
	sent      [][]byte
	sendErr   error
	termErr   error
	closeOnce sync.Once
}

// Config returns the StreamConfig the session was opened with.
func (s *Session) Config() stt.StreamConfig { return s.cfg }

// SendAudio records the chunk. After Close it returns [stt.ErrSessionClosed];
// after [Session.FailSends] it returns the injected error.
func (s *Session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.sent = append(s.sent, c)
	return nil
}

// Results returns the transcript channel fed by [Session.Emit].
func (s *Session) Results() <-chan types.Transcript { return s.results }

// Err returns the error set by [Session.Fail], if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termErr
}

// Close closes the results channel. Safe to call repeatedly.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		close(s.results)
	})
	return nil
}

// Emit pushes a transcript to the session's Results channel. It is a no-op
// after Close.
func (s *Session) Emit(t types.Transcript) {
	select {
	case <-s.done:
	case s.results <- t:
	}
}

// Fail terminates the session with err, as if the engine had dropped it.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	s.termErr = err
	s.mu.Unlock()
	s.Close()
}

// FailSends makes every subsequent SendAudio return err.
func (s *Session) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// SentAudio returns copies of every chunk received so far.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
