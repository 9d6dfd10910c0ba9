package hybrid

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hvanleeuwen/tolkbrug/internal/buffer"
	"github.com/hvanleeuwen/tolkbrug/internal/fallback"
	"github.com/hvanleeuwen/tolkbrug/internal/quality"
	"github.com/hvanleeuwen/tolkbrug/internal/recognizer"
	"github.com/hvanleeuwen/tolkbrug/pkg/provider/stt"
	sttmock "github.com/hvanleeuwen/tolkbrug/pkg/provider/stt/mock"
	"github.com/hvanleeuwen/tolkbrug/pkg/types"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// newTestService builds a Service around a mock engine. PollInterval is set
// high so adapters never inject silence during a test.
func newTestService(provider *sttmock.Provider, cfg Config) (*Service, *recognizer.Registry) {
	registry := recognizer.NewRegistry(provider, recognizer.Config{PollInterval: time.Hour}, 5)
	monitor := quality.NewMonitor(quality.Config{})
	orch := fallback.New(fallback.Config{})
	return NewService(provider, registry, monitor, orch, cfg), registry
}

// bufferedOnly forces the buffered path and caps the window at 10 KB so two
// 6 KB chunks trigger a size release.
func bufferedOnly() Config {
	return Config{
		DisableStreaming: true,
		Smart:            buffer.SmartConfig{MaxSizeBytes: 10000},
	}
}

func TestStreamingChunkReachesAdapter(t *testing.T) {
	provider := &sttmock.Provider{}
	s, registry := newTestService(provider, Config{})
	defer registry.Shutdown()

	if _, err := registry.Open(context.Background(), "s1", nil, nil); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	chunk := bytes.Repeat([]byte{1}, 4000)
	res, err := s.ProcessChunk(context.Background(), "s1", chunk)
	if err != nil {
		t.Fatalf("ProcessChunk() error = %v", err)
	}
	if res.ModeUsed != types.ModeStreaming {
		t.Errorf("ModeUsed = %v, want streaming", res.ModeUsed)
	}
	if res.Transcript != nil {
		t.Error("streaming chunk returned an inline transcript")
	}

	session := provider.Sessions()[0]
	waitFor(t, time.Second, func() bool {
		for _, sent := range session.SentAudio() {
			if bytes.Equal(sent, chunk) {
				return true
			}
		}
		return false
	}, "chunk never reached the recognition session")

	if got := s.Stats().StreamingChunks; got != 1 {
		t.Errorf("StreamingChunks = %d, want 1", got)
	}
}

func TestMissingSessionFallsBackToBuffered(t *testing.T) {
	provider := &sttmock.Provider{}
	s, registry := newTestService(provider, Config{})
	defer registry.Shutdown()

	res, err := s.ProcessChunk(context.Background(), "s1", make([]byte, 4000))
	if err != nil {
		t.Fatalf("ProcessChunk() error = %v", err)
	}
	if res.ModeUsed != types.ModeBuffered {
		t.Errorf("ModeUsed = %v, want buffered", res.ModeUsed)
	}
	if got := s.Mode("s1"); got != types.ModeBuffered {
		t.Errorf("Mode() = %v after streaming failure, want buffered", got)
	}
	if got := s.Stats().Fallbacks; got != 1 {
		t.Errorf("Fallbacks = %d, want 1", got)
	}
}

func TestDisableStreamingForcesBuffered(t *testing.T) {
	provider := &sttmock.Provider{}
	s, registry := newTestService(provider, Config{DisableStreaming: true})
	defer registry.Shutdown()

	if _, err := registry.Open(context.Background(), "s1", nil, nil); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	res, err := s.ProcessChunk(context.Background(), "s1", make([]byte, 4000))
	if err != nil {
		t.Fatalf("ProcessChunk() error = %v", err)
	}
	if res.ModeUsed != types.ModeBuffered {
		t.Errorf("ModeUsed = %v, want buffered", res.ModeUsed)
	}
	if got := len(provider.Sessions()[0].SentAudio()); got != 0 {
		t.Errorf("adapter received %d chunks with streaming disabled, want 0", got)
	}
}

func TestBufferedReleaseReturnsTranscriptInline(t *testing.T) {
	provider := &sttmock.Provider{
		RecognizeFunc: func(_ context.Context, _ stt.StreamConfig, audio []byte) (types.Transcript, error) {
			if len(audio) != 12000 {
				t.Errorf("recognize received %d bytes, want 12000", len(audio))
			}
			return types.Transcript{Text: "hallo wereld", IsFinal: true, Confidence: 0.9}, nil
		},
	}
	s, registry := newTestService(provider, bufferedOnly())
	defer registry.Shutdown()

	first, err := s.ProcessChunk(context.Background(), "s1", make([]byte, 6000))
	if err != nil {
		t.Fatalf("ProcessChunk(first) error = %v", err)
	}
	if first.Transcript != nil {
		t.Error("transcript returned before the window released")
	}

	// The second chunk pushes the window past the size cap.
	second, err := s.ProcessChunk(context.Background(), "s1", make([]byte, 6000))
	if err != nil {
		t.Fatalf("ProcessChunk(second) error = %v", err)
	}
	if second.Transcript == nil || second.Transcript.Text != "hallo wereld" {
		t.Fatalf("Transcript = %+v, want hallo wereld", second.Transcript)
	}
	if got := provider.RecognizeCalls(); got != 1 {
		t.Errorf("RecognizeCalls = %d, want 1", got)
	}

	st := s.Stats()
	if st.Transcriptions != 1 || st.BufferedChunks != 2 {
		t.Errorf("Stats = %+v, want 1 transcription over 2 buffered chunks", st)
	}
}

func TestEmptyTranscriptNotReturned(t *testing.T) {
	provider := &sttmock.Provider{} // nil RecognizeFunc: engine heard nothing
	s, registry := newTestService(provider, bufferedOnly())
	defer registry.Shutdown()

	s.ProcessChunk(context.Background(), "s1", make([]byte, 6000))
	res, err := s.ProcessChunk(context.Background(), "s1", make([]byte, 6000))
	if err != nil {
		t.Fatalf("ProcessChunk() error = %v", err)
	}
	if res.Transcript != nil {
		t.Errorf("Transcript = %+v for an empty recognition, want nil", res.Transcript)
	}
	if got := s.Stats().Transcriptions; got != 0 {
		t.Errorf("Transcriptions = %d, want 0", got)
	}
}

func TestRecognizeErrorPropagates(t *testing.T) {
	engineDown := errors.New("deadline exceeded")
	provider := &sttmock.Provider{
		RecognizeFunc: func(context.Context, stt.StreamConfig, []byte) (types.Transcript, error) {
			return types.Transcript{}, engineDown
		},
	}
	s, registry := newTestService(provider, bufferedOnly())
	defer registry.Shutdown()

	s.ProcessChunk(context.Background(), "s1", make([]byte, 6000))
	if _, err := s.ProcessChunk(context.Background(), "s1", make([]byte, 6000)); !errors.Is(err, engineDown) {
		t.Fatalf("ProcessChunk() error = %v, want engineDown", err)
	}

	if got := s.Stats().Failures; got != 1 {
		t.Errorf("Failures = %d, want 1", got)
	}
	if st, ok := s.orch.StreamStats("s1"); !ok || st.FailureCount != 1 {
		t.Errorf("orchestrator stats = %+v, want 1 recorded failure", st)
	}
	if got := s.monitor.Stats().FailedRequests; got != 1 {
		t.Errorf("monitor FailedRequests = %d, want 1", got)
	}
}

func TestFlushStream(t *testing.T) {
	provider := &sttmock.Provider{
		RecognizeFunc: func(context.Context, stt.StreamConfig, []byte) (types.Transcript, error) {
			return types.Transcript{Text: "tot ziens", IsFinal: true}, nil
		},
	}
	s, registry := newTestService(provider, Config{DisableStreaming: true})
	defer registry.Shutdown()

	if _, ok, _ := s.FlushStream(context.Background(), "unknown"); ok {
		t.Error("FlushStream reported buffered audio for an unknown stream")
	}

	s.ProcessChunk(context.Background(), "s1", make([]byte, 2000))
	transcript, ok, err := s.FlushStream(context.Background(), "s1")
	if err != nil {
		t.Fatalf("FlushStream() error = %v", err)
	}
	if !ok || transcript.Text != "tot ziens" {
		t.Errorf("FlushStream() = (%+v, %v), want the trailing transcript", transcript, ok)
	}
	if got := provider.RecognizeCalls(); got != 1 {
		t.Errorf("RecognizeCalls = %d, want 1", got)
	}

	// The flushed window is gone; a second flush finds nothing.
	if _, ok, _ := s.FlushStream(context.Background(), "s1"); ok {
		t.Error("second FlushStream found audio after the window was flushed")
	}
}

func TestCloseStreamDropsState(t *testing.T) {
	provider := &sttmock.Provider{}
	s, registry := newTestService(provider, Config{DisableStreaming: true})
	defer registry.Shutdown()

	s.ProcessChunk(context.Background(), "s1", make([]byte, 2000))
	if got := s.Stats().ActiveStreams; got != 1 {
		t.Fatalf("ActiveStreams = %d, want 1", got)
	}

	s.CloseStream("s1")
	if got := s.Stats().ActiveStreams; got != 0 {
		t.Errorf("ActiveStreams = %d after close, want 0", got)
	}
	if _, ok := s.orch.StreamStats("s1"); ok {
		t.Error("orchestrator still tracks the closed stream")
	}
}

func TestEmptyChunkIgnored(t *testing.T) {
	provider := &sttmock.Provider{}
	s, registry := newTestService(provider, Config{})
	defer registry.Shutdown()

	res, err := s.ProcessChunk(context.Background(), "s1", nil)
	if err != nil {
		t.Fatalf("ProcessChunk(nil) error = %v", err)
	}
	if res.Transcript != nil {
		t.Error("empty chunk produced a transcript")
	}
	if got := s.Stats().TotalChunks; got != 0 {
		t.Errorf("TotalChunks = %d for an empty chunk, want 0", got)
	}
}

func TestStreamingSessionReopenedAfterDrop(t *testing.T) {
	provider := &sttmock.Provider{}
	s, registry := newTestService(provider, Config{})
	defer registry.Shutdown()

	if _, err := registry.Open(context.Background(), "s1", nil, nil); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := s.ProcessChunk(context.Background(), "s1", make([]byte, 6000)); err != nil {
		t.Fatalf("ProcessChunk() error = %v", err)
	}

	provider.Sessions()[0].Fail(errors.New("connection reset"))
	waitFor(t, time.Second, registry.Get("s1").Stopped, "adapter never noticed the dead session")

	res, err := s.ProcessChunk(context.Background(), "s1", make([]byte, 6000))
	if err != nil {
		t.Fatalf("ProcessChunk() after session death error = %v", err)
	}
	if res.ModeUsed != types.ModeStreaming {
		t.Errorf("ModeUsed = %v, want streaming", res.ModeUsed)
	}
	if got := len(provider.Sessions()); got != 2 {
		t.Fatalf("engine sessions = %d, want 2", got)
	}
	waitFor(t, time.Second, func() bool { return len(provider.Sessions()[1].SentAudio()) == 1 },
		"chunk never reached the replacement session")
	if got := s.Stats().Fallbacks; got != 0 {
		t.Errorf("Fallbacks = %d, want 0", got)
	}
}

func TestRecoveryReopensEngineSession(t *testing.T) {
	provider := &sttmock.Provider{}
	registry := recognizer.NewRegistry(provider, recognizer.Config{PollInterval: time.Hour}, 5)
	monitor := quality.NewMonitor(quality.Config{})
	orch := fallback.New(fallback.Config{RecoveryInterval: time.Millisecond})
	s := NewService(provider, registry, monitor, orch, Config{})
	defer registry.Shutdown()

	ctx := context.Background()
	if _, err := registry.Open(ctx, "s1", nil, nil); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	provider.Sessions()[0].Fail(errors.New("connection reset"))
	waitFor(t, time.Second, registry.Get("s1").Stopped, "adapter never noticed the dead session")

	// With the engine refusing new sessions, every streaming send fails and
	// the stream settles in buffered mode at the failure threshold.
	provider.StartErr = errors.New("stream quota exhausted")
	for i := 0; i < 3; i++ {
		if _, err := s.ProcessChunk(ctx, "s1", make([]byte, 6000)); err != nil {
			t.Fatalf("ProcessChunk(%d) error = %v", i, err)
		}
	}
	if got := s.Mode("s1"); got != types.ModeBuffered {
		t.Fatalf("Mode = %v after repeated failures, want buffered", got)
	}
	if got := len(provider.Sessions()); got != 1 {
		t.Fatalf("engine sessions = %d while the engine is down, want 1", got)
	}

	// Engine back: after the cool-down the next chunk is promoted to
	// streaming and gets a fresh session.
	provider.StartErr = nil
	time.Sleep(10 * time.Millisecond)
	res, err := s.ProcessChunk(ctx, "s1", make([]byte, 6000))
	if err != nil {
		t.Fatalf("ProcessChunk() after recovery error = %v", err)
	}
	if res.ModeUsed != types.ModeStreaming {
		t.Errorf("ModeUsed = %v, want streaming", res.ModeUsed)
	}
	if got := len(provider.Sessions()); got != 2 {
		t.Fatalf("engine sessions = %d after recovery, want 2", got)
	}
	if st, ok := s.orch.StreamStats("s1"); !ok || st.Mode != types.ModeStreaming || st.RecoveryAttempts != 1 {
		t.Errorf("StreamStats = %+v, want streaming mode after one recovery attempt", st)
	}
}
