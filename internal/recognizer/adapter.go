// Package recognizer runs the long-lived streaming recognition session for
// a speaker and hides the engine's hard session cap behind transparent
// restarts.
//
// One Adapter serves one speaker stream. Audio enters through a bounded
// non-blocking queue; a single worker goroutine feeds the engine session,
// injects silence frames when the speaker pauses so the engine does not
// time the session out, and rotates the session shortly before the
// engine's cap would kill it. Final transcripts surface through a callback;
// interim results are logged and discarded.
package recognizer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hvanleeuwen/tolkbrug/internal/observe"
	"github.com/hvanleeuwen/tolkbrug/pkg/provider/stt"
	"github.com/hvanleeuwen/tolkbrug/pkg/types"
)

// ErrAdapterStopped is returned by SendChunk after the adapter stopped.
var ErrAdapterStopped = errors.New("recognizer: adapter stopped")

const (
	// silenceFrameBytes is 0.1 s of 16 kHz 16-bit mono PCM.
	silenceFrameBytes = 3200

	defaultQueueCapacity = 50
	defaultPollInterval  = 200 * time.Millisecond

	// defaultRestartAfter leaves a 20 s margin under the engine's 5 min
	// session cap.
	defaultRestartAfter = 280 * time.Second

	// overflowDropBudget is how many of the oldest queued chunks an
	// overflowing enqueue may evict before retrying.
	overflowDropBudget = 3

	// restartDrainWait bounds how long a rotation waits for the old
	// session's result loop to finish.
	restartDrainWait = 100 * time.Millisecond

	stopJoinTimeout = 2 * time.Second
)

var silenceFrame = make([]byte, silenceFrameBytes)

// TranscriptFunc receives final transcripts.
type TranscriptFunc func(t types.Transcript)

// ErrorFunc receives the terminal error of a session that died.
type ErrorFunc func(err error)

// Config tunes an Adapter. Zero values fall back to defaults.
type Config struct {
	// Stream is the recognition session configuration.
	Stream stt.StreamConfig

	// QueueCapacity bounds the audio ingress queue. Default: 50.
	QueueCapacity int

	// RestartAfter is the session age at which the adapter rotates.
	// Default: 280s.
	RestartAfter time.Duration

	// PollInterval is the longest the worker waits for audio before
	// injecting a silence frame. Default: 200ms.
	PollInterval time.Duration
}

// Stats is a snapshot of adapter activity.
type Stats struct {
	ChunksSent    int64
	FramesDropped int64
	SilenceFrames int64
	Finals        int64
	Interims      int64
	Restarts      int64
}

// Adapter owns one speaker's streaming recognition session.
type Adapter struct {
	provider stt.Provider
	streamID string
	cfg      Config

	onTranscript TranscriptFunc
	onError      ErrorFunc

	queue  chan []byte
	stopCh chan struct{}
	done   chan struct{}

	stopOnce sync.Once
	started  atomic.Bool
	stopped  atomic.Bool

	chunksSent    atomic.Int64
	framesDropped atomic.Int64
	silenceFrames atomic.Int64
	finals        atomic.Int64
	interims      atomic.Int64
	restarts      atomic.Int64

	metrics *observe.Metrics
}

// New creates an Adapter for the given stream. Callbacks may be nil.
func New(provider stt.Provider, streamID string, cfg Config, onTranscript TranscriptFunc, onError ErrorFunc) *Adapter {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.RestartAfter <= 0 {
		cfg.RestartAfter = defaultRestartAfter
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Adapter{
		provider:     provider,
		streamID:     streamID,
		cfg:          cfg,
		onTranscript: onTranscript,
		onError:      onError,
		queue:        make(chan []byte, cfg.QueueCapacity),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
		metrics:      observe.DefaultMetrics(),
	}
}

// StreamID returns the speaker stream this adapter serves.
func (a *Adapter) StreamID() string { return a.streamID }

// Start opens the first engine session and launches the worker. The
// adapter lives until Stop, ctx cancellation or an unrecoverable session
// error.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("recognizer: adapter already started")
	}
	session, err := a.provider.StartStream(ctx, a.cfg.Stream)
	if err != nil {
		a.stopped.Store(true)
		close(a.done)
		return err
	}
	go a.worker(ctx, session)
	slog.Info("recognition session started",
		"stream_id", a.streamID,
		"language", a.cfg.Stream.Language,
		"model", a.cfg.Stream.Model)
	return nil
}

// SendChunk enqueues audio without blocking. On overflow it evicts up to
// three of the oldest chunks and retries once; a chunk that still does not
// fit is dropped and counted, not treated as an error.
func (a *Adapter) SendChunk(chunk []byte) error {
	if a.stopped.Load() {
		return ErrAdapterStopped
	}
	select {
	case a.queue <- chunk:
		a.chunksSent.Add(1)
		return nil
	default:
	}

	evicted := 0
	for i := 0; i < overflowDropBudget; i++ {
		select {
		case <-a.queue:
			evicted++
		default:
		}
	}
	a.framesDropped.Add(int64(evicted))
	a.metrics.DroppedFrames.Add(context.Background(), int64(evicted))

	select {
	case a.queue <- chunk:
		a.chunksSent.Add(1)
		slog.Warn("audio queue overflow, evicted oldest chunks",
			"stream_id", a.streamID, "evicted", evicted)
	default:
		a.framesDropped.Add(1)
		a.metrics.DroppedFrames.Add(context.Background(), 1)
		slog.Warn("audio queue full, chunk dropped", "stream_id", a.streamID)
	}
	return nil
}

// Stop shuts the adapter down. Idempotent; waits up to two seconds for the
// worker to finish.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		a.stopped.Store(true)
		close(a.stopCh)
	})
	if !a.started.Load() {
		return
	}
	select {
	case <-a.done:
	case <-time.After(stopJoinTimeout):
		slog.Warn("recognition worker did not stop in time", "stream_id", a.streamID)
	}
}

// Stopped reports whether the adapter has terminated or is terminating.
func (a *Adapter) Stopped() bool { return a.stopped.Load() }

// Stats returns a snapshot of the adapter counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		ChunksSent:    a.chunksSent.Load(),
		FramesDropped: a.framesDropped.Load(),
		SilenceFrames: a.silenceFrames.Load(),
		Finals:        a.finals.Load(),
		Interims:      a.interims.Load(),
		Restarts:      a.restarts.Load(),
	}
}

// worker is the single consumer of the audio queue and the session's
// result channel.
func (a *Adapter) worker(ctx context.Context, session stt.SessionHandle) {
	defer close(a.done)
	defer func() { _ = session.Close() }()

	startedAt := time.Now()
	results := session.Results()

	for {
		if time.Since(startedAt) >= a.cfg.RestartAfter {
			replacement, err := a.rotate(ctx, session)
			if err != nil {
				a.fail(err)
				return
			}
			session = replacement
			results = session.Results()
			startedAt = time.Now()
		}

		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			a.stopped.Store(true)
			return
		case t, ok := <-results:
			if !ok {
				// Session ended on its own.
				if err := session.Err(); err != nil {
					a.fail(err)
				} else {
					a.stopped.Store(true)
				}
				return
			}
			a.deliver(t)
		case chunk := <-a.queue:
			if err := session.SendAudio(chunk); err != nil {
				a.fail(err)
				return
			}
		case <-time.After(a.cfg.PollInterval):
			// Keep the engine session alive through speaker pauses.
			if err := session.SendAudio(silenceFrame); err != nil {
				a.fail(err)
				return
			}
			a.silenceFrames.Add(1)
		}
	}
}

// rotate atomically replaces the session before the engine's cap expires.
// The audio queue is adapter-owned and survives the swap untouched.
func (a *Adapter) rotate(ctx context.Context, old stt.SessionHandle) (stt.SessionHandle, error) {
	slog.Info("rotating recognition session", "stream_id", a.streamID)
	_ = old.Close()

	// Give the old result loop a moment to drain.
	drain := time.After(restartDrainWait)
drainLoop:
	for {
		select {
		case t, ok := <-old.Results():
			if !ok {
				break drainLoop
			}
			a.deliver(t)
		case <-drain:
			break drainLoop
		}
	}

	replacement, err := a.provider.StartStream(ctx, a.cfg.Stream)
	if err != nil {
		slog.Error("session rotation failed", "stream_id", a.streamID, "error", err)
		return nil, err
	}
	a.restarts.Add(1)
	slog.Info("recognition session rotated", "stream_id", a.streamID)
	return replacement, nil
}

// deliver forwards finals to the callback and discards interims.
func (a *Adapter) deliver(t types.Transcript) {
	if !t.IsFinal {
		a.interims.Add(1)
		slog.Debug("interim transcript discarded",
			"stream_id", a.streamID, "chars", len(t.Text))
		return
	}
	a.finals.Add(1)
	slog.Info("final transcript",
		"stream_id", a.streamID, "chars", len(t.Text), "confidence", t.Confidence)
	if a.onTranscript != nil {
		a.onTranscript(t)
	}
}

// fail marks the adapter stopped and reports the error once.
func (a *Adapter) fail(err error) {
	a.stopped.Store(true)
	slog.Error("recognition session failed", "stream_id", a.streamID, "error", err)
	if a.onError != nil {
		a.onError(err)
	}
}
