package recognizer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hvanleeuwen/tolkbrug/internal/observe"
	"github.com/hvanleeuwen/tolkbrug/pkg/provider/stt"
)

// ErrTooManySessions is returned by Open when the concurrent session cap
// is reached.
var ErrTooManySessions = errors.New("recognizer: max concurrent sessions reached")

// ErrSessionNotFound is returned by Reopen for a stream with no registered
// session.
var ErrSessionNotFound = errors.New("recognizer: no session for stream")

const defaultMaxSessions = 20

// RegistryStats is a snapshot of registry activity.
type RegistryStats struct {
	ActiveSessions int
	MaxSessions    int
	TotalCreated   int64
}

// Registry tracks one Adapter per speaker stream and enforces the
// concurrent session cap. Safe for concurrent use.
type Registry struct {
	provider stt.Provider
	cfg      Config
	max      int

	mu           sync.Mutex
	adapters     map[string]*Adapter
	totalCreated int64

	metrics *observe.Metrics
}

// NewRegistry creates a Registry handing cfg to every adapter it opens.
// maxSessions <= 0 means the default cap of 20.
func NewRegistry(provider stt.Provider, cfg Config, maxSessions int) *Registry {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	return &Registry{
		provider: provider,
		cfg:      cfg,
		max:      maxSessions,
		adapters: make(map[string]*Adapter),
		metrics:  observe.DefaultMetrics(),
	}
}

// Open creates and starts an adapter for streamID. An existing adapter for
// the same stream is stopped and replaced. Fails with ErrTooManySessions
// at the cap.
func (r *Registry) Open(ctx context.Context, streamID string, onTranscript TranscriptFunc, onError ErrorFunc) (*Adapter, error) {
	r.mu.Lock()
	if prev, ok := r.adapters[streamID]; ok {
		delete(r.adapters, streamID)
		r.mu.Unlock()
		slog.Info("replacing existing recognition session", "stream_id", streamID)
		prev.Stop()
		r.metrics.ActiveSessions.Add(ctx, -1)
		r.mu.Lock()
	}
	if len(r.adapters) >= r.max {
		r.mu.Unlock()
		return nil, ErrTooManySessions
	}

	a := New(r.provider, streamID, r.cfg, onTranscript, onError)
	r.adapters[streamID] = a
	r.totalCreated++
	r.mu.Unlock()

	if err := a.Start(ctx); err != nil {
		r.mu.Lock()
		delete(r.adapters, streamID)
		r.mu.Unlock()
		return nil, err
	}
	r.metrics.ActiveSessions.Add(ctx, 1)
	return a, nil
}

// Get returns the adapter for streamID, nil when absent.
func (r *Registry) Get(streamID string) *Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adapters[streamID]
}

// Reopen replaces a dead adapter for streamID with a fresh engine session,
// reusing the callbacks from the original Open. An adapter that is still
// running is returned unchanged. Engine sessions die for transient reasons
// (resets, quota, the 5-minute cap racing a rotation); the speaker's socket
// outlives them, so recovery needs a new session under the same stream.
func (r *Registry) Reopen(ctx context.Context, streamID string) (*Adapter, error) {
	r.mu.Lock()
	prev, ok := r.adapters[streamID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if !prev.Stopped() {
		r.mu.Unlock()
		return prev, nil
	}

	a := New(r.provider, streamID, r.cfg, prev.onTranscript, prev.onError)
	r.adapters[streamID] = a
	r.totalCreated++
	r.mu.Unlock()

	prev.Stop()
	if err := a.Start(ctx); err != nil {
		r.mu.Lock()
		// Keep the dead adapter registered so its callbacks survive for the
		// next attempt.
		if r.adapters[streamID] == a {
			r.adapters[streamID] = prev
		}
		r.mu.Unlock()
		return nil, err
	}
	slog.Info("recognition session reopened", "stream_id", streamID)
	return a, nil
}

// Close stops and removes the adapter for streamID, if any.
func (r *Registry) Close(streamID string) {
	r.mu.Lock()
	a, ok := r.adapters[streamID]
	delete(r.adapters, streamID)
	r.mu.Unlock()
	if !ok {
		return
	}
	a.Stop()
	r.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("recognition session closed", "stream_id", streamID)
}

// Shutdown stops every adapter. Used on process exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	adapters := make([]*Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.adapters = make(map[string]*Adapter)
	r.mu.Unlock()

	for _, a := range adapters {
		a.Stop()
		r.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	slog.Info("recognition registry shut down", "sessions_stopped", len(adapters))
}

// Stats returns a snapshot of the registry counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RegistryStats{
		ActiveSessions: len(r.adapters),
		MaxSessions:    r.max,
		TotalCreated:   r.totalCreated,
	}
}
