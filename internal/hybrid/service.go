// Package hybrid is the front door of speech recognition: it routes every
// incoming audio chunk either to the live streaming recognizer or to the
// buffered one-shot path, records the outcome, and keeps the mode selector,
// quality monitor and fallback orchestrator in agreement about what the
// stream should do next.
package hybrid

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hvanleeuwen/tolkbrug/internal/buffer"
	"github.com/hvanleeuwen/tolkbrug/internal/fallback"
	"github.com/hvanleeuwen/tolkbrug/internal/observe"
	"github.com/hvanleeuwen/tolkbrug/internal/quality"
	"github.com/hvanleeuwen/tolkbrug/internal/recognizer"
	"github.com/hvanleeuwen/tolkbrug/pkg/provider/stt"
	"github.com/hvanleeuwen/tolkbrug/pkg/types"
)

// ErrNoSession is returned on the streaming path when no recognition
// session is open for the stream.
var ErrNoSession = errors.New("hybrid: no streaming recognition session for stream")

const defaultRecognizeTimeout = 10 * time.Second

// Config tunes the service. Zero values fall back to defaults.
type Config struct {
	// Stream describes the audio format handed to the recognition engine
	// on the one-shot path.
	Stream stt.StreamConfig

	// RecognizeTimeout bounds one-shot recognition of a released window.
	// Default: 10s.
	RecognizeTimeout time.Duration

	// DisableStreaming forces every chunk down the buffered path.
	DisableStreaming bool

	// Adaptive tunes the per-stream mode selector.
	Adaptive buffer.AdaptiveConfig

	// Smart tunes the per-stream buffered-window accumulator.
	Smart buffer.SmartConfig
}

// Result describes what happened to one chunk.
type Result struct {
	// Transcript is set when a buffered window finalized inline. Streaming
	// transcripts arrive asynchronously through the recognizer callback
	// instead.
	Transcript *types.Transcript

	ModeUsed     types.ProcessingMode
	ProcessingMs float64
	BufferMode   types.ProcessingMode
}

// ServiceStats counts service activity since creation.
type ServiceStats struct {
	TotalChunks     int64
	StreamingChunks int64
	BufferedChunks  int64
	Fallbacks       int64
	Transcriptions  int64
	Failures        int64
	ActiveStreams   int
}

// streamState holds the per-stream buffering machinery.
type streamState struct {
	adaptive *buffer.Adaptive
	smart    *buffer.Smart
}

// Service routes audio chunks between the streaming and buffered
// recognition paths. Safe for concurrent use; chunks of one stream must
// still arrive in order, which the per-socket read loop guarantees.
type Service struct {
	cfg      Config
	provider stt.Provider
	registry *recognizer.Registry
	monitor  *quality.Monitor
	orch     *fallback.Orchestrator
	metrics  *observe.Metrics

	mu      sync.Mutex
	streams map[string]*streamState
	stats   ServiceStats
}

// NewService wires the service to its collaborators. Opening and closing
// adapters stays with the session layer; the service only replaces an
// engine session that died mid-stream.
func NewService(provider stt.Provider, registry *recognizer.Registry, monitor *quality.Monitor, orch *fallback.Orchestrator, cfg Config) *Service {
	if cfg.RecognizeTimeout <= 0 {
		cfg.RecognizeTimeout = defaultRecognizeTimeout
	}
	return &Service{
		cfg:      cfg,
		provider: provider,
		registry: registry,
		monitor:  monitor,
		orch:     orch,
		metrics:  observe.DefaultMetrics(),
		streams:  make(map[string]*streamState),
	}
}

// ProcessChunk routes one chunk of speaker audio. Streaming chunks return
// without a transcript; buffered chunks return one inline when the window
// releases and the engine hears something.
func (s *Service) ProcessChunk(ctx context.Context, streamID string, chunk []byte) (Result, error) {
	if len(chunk) == 0 {
		return Result{ModeUsed: s.orch.Mode(streamID), BufferMode: types.ModeBuffered}, nil
	}
	start := time.Now()
	st := s.stream(streamID)
	s.count(func(cs *ServiceStats) { cs.TotalChunks++ })

	bufferMode := st.adaptive.AddChunk(len(chunk), s.monitor.CurrentScore().Overall)

	var metrics *quality.Metrics
	if s.monitor.Stats().TotalRequests > 0 {
		m := s.monitor.CurrentMetrics()
		metrics = &m
	}
	mode := s.orch.DecideMode(streamID, metrics, &fallback.AudioCharacteristics{
		Frequency: st.adaptive.Frequency(),
		ChunkSize: len(chunk),
	})

	// A buffered stream whose cool-down has elapsed gets promoted back to
	// streaming on its next chunk.
	if mode == types.ModeBuffered && s.orch.ShouldAttemptRecovery(streamID) && s.orch.AttemptRecovery(streamID) {
		mode = types.ModeStreaming
	}
	if s.cfg.DisableStreaming {
		mode = types.ModeBuffered
	}

	if mode == types.ModeStreaming {
		if err := s.sendStreaming(ctx, streamID, chunk); err != nil {
			// The chunk is not lost: it falls through to the buffered path.
			slog.Warn("streaming send failed, processing chunk buffered",
				"stream_id", streamID, "error", err)
			s.orch.HandleError(streamID, err, types.ModeStreaming)
			s.count(func(cs *ServiceStats) { cs.Fallbacks++ })
		} else {
			s.orch.SetMode(streamID, types.ModeStreaming)
			s.monitor.RecordTiming(start, time.Now(), true)
			s.count(func(cs *ServiceStats) { cs.StreamingChunks++ })
			return Result{
				ModeUsed:     types.ModeStreaming,
				ProcessingMs: sinceMs(start),
				BufferMode:   bufferMode,
			}, nil
		}
	}

	s.orch.SetMode(streamID, types.ModeBuffered)
	s.count(func(cs *ServiceStats) { cs.BufferedChunks++ })

	release := st.smart.AddChunk(chunk)
	if release == nil {
		// Still accumulating; no outcome to record yet.
		return Result{
			ModeUsed:     types.ModeBuffered,
			ProcessingMs: sinceMs(start),
			BufferMode:   bufferMode,
		}, nil
	}

	transcript, err := s.recognize(ctx, streamID, release)
	if err != nil {
		s.monitor.RecordTiming(start, time.Now(), false)
		s.orch.HandleError(streamID, err, types.ModeBuffered)
		s.count(func(cs *ServiceStats) { cs.Failures++ })
		return Result{
			ModeUsed:     types.ModeBuffered,
			ProcessingMs: sinceMs(start),
			BufferMode:   bufferMode,
		}, err
	}

	s.monitor.RecordTiming(start, time.Now(), true)
	s.orch.RecordSuccess(streamID, time.Since(start))

	res := Result{
		ModeUsed:     types.ModeBuffered,
		ProcessingMs: sinceMs(start),
		BufferMode:   bufferMode,
	}
	if transcript.Text != "" {
		s.count(func(cs *ServiceStats) { cs.Transcriptions++ })
		res.Transcript = &transcript
	}
	return res, nil
}

// FlushStream force-releases any buffered audio for streamID and runs
// one-shot recognition on it. ok is false when nothing was buffered.
func (s *Service) FlushStream(ctx context.Context, streamID string) (types.Transcript, bool, error) {
	s.mu.Lock()
	st := s.streams[streamID]
	s.mu.Unlock()
	if st == nil {
		return types.Transcript{}, false, nil
	}
	release := st.smart.ForceFlush()
	if release == nil {
		return types.Transcript{}, false, nil
	}

	transcript, err := s.recognize(ctx, streamID, release)
	if err != nil {
		s.orch.HandleError(streamID, err, types.ModeBuffered)
		s.count(func(cs *ServiceStats) { cs.Failures++ })
		return types.Transcript{}, true, err
	}
	if transcript.Text != "" {
		s.count(func(cs *ServiceStats) { cs.Transcriptions++ })
	}
	return transcript, true, nil
}

// CloseStream drops the per-stream buffering state and resets the
// orchestrator's view of the stream. The recognition adapter is closed by
// whoever opened it.
func (s *Service) CloseStream(streamID string) {
	s.mu.Lock()
	_, known := s.streams[streamID]
	delete(s.streams, streamID)
	s.mu.Unlock()
	if known {
		s.orch.ResetStream(streamID)
		slog.Info("hybrid stream state dropped", "stream_id", streamID)
	}
}

// Mode returns the current processing mode for streamID.
func (s *Service) Mode(streamID string) types.ProcessingMode {
	return s.orch.Mode(streamID)
}

// Stats returns a snapshot of the service counters.
func (s *Service) Stats() ServiceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.ActiveStreams = len(s.streams)
	return out
}

// stream returns the buffering state for streamID, creating it on first use.
func (s *Service) stream(streamID string) *streamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok {
		st = &streamState{
			adaptive: buffer.NewAdaptive(s.cfg.Adaptive),
			smart:    buffer.NewSmart(s.cfg.Smart),
		}
		s.streams[streamID] = st
	}
	return st
}

// sendStreaming hands the chunk to the stream's recognition adapter,
// reopening the engine session first when the previous one died.
func (s *Service) sendStreaming(ctx context.Context, streamID string, chunk []byte) error {
	adapter := s.registry.Get(streamID)
	if adapter == nil {
		return ErrNoSession
	}
	if adapter.Stopped() {
		reopened, err := s.registry.Reopen(ctx, streamID)
		if err != nil {
			return err
		}
		adapter = reopened
	}
	return adapter.SendChunk(chunk)
}

// recognize runs one-shot recognition on a released window.
func (s *Service) recognize(ctx context.Context, streamID string, release *buffer.Release) (types.Transcript, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RecognizeTimeout)
	defer cancel()

	start := time.Now()
	transcript, err := s.provider.Recognize(ctx, s.cfg.Stream, release.Audio)
	s.metrics.STTDuration.Record(ctx, sinceMs(start))
	if err != nil {
		s.metrics.RecordEngineRequest(ctx, "stt", "error")
		slog.Error("one-shot recognition failed",
			"stream_id", streamID,
			"release_reason", release.Metrics.Reason,
			"bytes", release.Metrics.TotalBytes,
			"error", err)
		return types.Transcript{}, err
	}
	s.metrics.RecordEngineRequest(ctx, "stt", "ok")
	slog.Info("buffered window recognized",
		"stream_id", streamID,
		"release_reason", release.Metrics.Reason,
		"bytes", release.Metrics.TotalBytes,
		"window", release.Metrics.Duration,
		"chars", len(transcript.Text))
	return transcript, nil
}

func (s *Service) count(fn func(*ServiceStats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func sinceMs(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
