package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/hvanleeuwen/tolkbrug/internal/broker"
	"github.com/hvanleeuwen/tolkbrug/internal/buffer"
	"github.com/hvanleeuwen/tolkbrug/internal/fallback"
	"github.com/hvanleeuwen/tolkbrug/internal/health"
	"github.com/hvanleeuwen/tolkbrug/internal/hybrid"
	"github.com/hvanleeuwen/tolkbrug/internal/pipeline"
	"github.com/hvanleeuwen/tolkbrug/internal/quality"
	"github.com/hvanleeuwen/tolkbrug/internal/recognizer"
	"github.com/hvanleeuwen/tolkbrug/internal/resilience"
	"github.com/hvanleeuwen/tolkbrug/internal/session"
	"github.com/hvanleeuwen/tolkbrug/pkg/provider/stt"
	sttmock "github.com/hvanleeuwen/tolkbrug/pkg/provider/stt/mock"
	translatemock "github.com/hvanleeuwen/tolkbrug/pkg/provider/translate/mock"
	"github.com/hvanleeuwen/tolkbrug/pkg/provider/tts"
	ttsmock "github.com/hvanleeuwen/tolkbrug/pkg/provider/tts/mock"
	"github.com/hvanleeuwen/tolkbrug/pkg/types"
)

// newTestServer wires a full broker around mock engines and serves it from
// an httptest server.
func newTestServer(t *testing.T, sttProvider *sttmock.Provider, hybridCfg hybrid.Config) (*httptest.Server, *broker.Manager) {
	t.Helper()

	registry := recognizer.NewRegistry(sttProvider, recognizer.Config{PollInterval: time.Hour}, 5)
	monitor := quality.NewMonitor(quality.Config{})
	orch := fallback.New(fallback.Config{})
	hybridSvc := hybrid.NewService(sttProvider, registry, monitor, orch, hybridCfg)

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "engine", MaxFailures: 5, ResetTimeout: time.Minute,
	})
	pipe := pipeline.New(&translatemock.Provider{}, &ttsmock.Provider{}, cb, pipeline.Config{
		SourceLanguage: "nl",
		TargetLanguage: "en",
		Voice:          tts.Voice{LanguageCode: "en-US", Name: "en-US-Wavenet-D", AudioFormat: "MP3"},
		RetryAttempts:  1,
	})

	manager := broker.NewManager(broker.ManagerConfig{})
	ctrl := session.NewController(registry, hybridSvc, pipe, manager, []byte("error_fallback_audio"))

	s := New(Config{}, Deps{
		Controller:   ctrl,
		Manager:      manager,
		Hybrid:       hybridSvc,
		Registry:     registry,
		Orchestrator: orch,
		Pipeline:     pipe,
		Health:       health.New(),
	})
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	t.Cleanup(registry.Shutdown)
	return ts, manager
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestObservabilityEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, &sttmock.Provider{}, hybrid.Config{})

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/keepalive/stats"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats error = %v", err)
	}
	defer resp.Body.Close()
	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding /stats: %v", err)
	}
}

func TestSpeakerToListenerFlow(t *testing.T) {
	sttProvider := &sttmock.Provider{
		RecognizeFunc: func(context.Context, stt.StreamConfig, []byte) (types.Transcript, error) {
			return types.Transcript{Text: "hallo wereld", IsFinal: true, Confidence: 0.9}, nil
		},
	}
	ts, _ := newTestServer(t, sttProvider, hybrid.Config{
		DisableStreaming: true,
		Smart:            buffer.SmartConfig{MaxSizeBytes: 10000},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	listener, _, err := websocket.Dial(ctx, wsURL(ts, "/ws/listen/demo"), nil)
	if err != nil {
		t.Fatalf("listener dial error = %v", err)
	}
	defer listener.CloseNow()

	speaker, _, err := websocket.Dial(ctx, wsURL(ts, "/ws/stream/demo"), nil)
	if err != nil {
		t.Fatalf("speaker dial error = %v", err)
	}
	defer speaker.CloseNow()

	// Two chunks push the buffered window past its size cap; the second
	// finalizes an utterance inline.
	for i := 0; i < 2; i++ {
		if err := speaker.Write(ctx, websocket.MessageBinary, make([]byte, 6000)); err != nil {
			t.Fatalf("speaker write %d error = %v", i, err)
		}
	}

	typ, data, err := listener.Read(ctx)
	if err != nil {
		t.Fatalf("listener read error = %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Errorf("frame type = %v, want binary", typ)
	}
	if want := []byte("audio:en: hallo wereld"); !bytes.Equal(data, want) {
		t.Errorf("frame = %q, want %q", data, want)
	}

	speaker.Close(websocket.StatusNormalClosure, "")
}

func TestListenerPongTracked(t *testing.T) {
	ts, manager := newTestServer(t, &sttmock.Provider{}, hybrid.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	listener, _, err := websocket.Dial(ctx, wsURL(ts, "/ws/listen/demo"), nil)
	if err != nil {
		t.Fatalf("listener dial error = %v", err)
	}
	defer listener.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for manager.ListenerCount("demo") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := manager.ListenerCount("demo"); got != 1 {
		t.Fatalf("ListenerCount = %d, want 1", got)
	}

	if err := listener.Write(ctx, websocket.MessageText, broker.PingPayload); err != nil {
		t.Fatalf("write error = %v", err)
	}
	if err := listener.Write(ctx, websocket.MessageText,
		[]byte(`{"type":"keepalive","action":"pong"}`)); err != nil {
		t.Fatalf("pong write error = %v", err)
	}

	// Disconnecting removes the listener.
	listener.Close(websocket.StatusNormalClosure, "")
	deadline = time.Now().Add(2 * time.Second)
	for manager.ListenerCount("demo") != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := manager.ListenerCount("demo"); got != 0 {
		t.Errorf("ListenerCount = %d after disconnect, want 0", got)
	}
}

func TestSessionCapRejectsSpeaker(t *testing.T) {
	provider := &sttmock.Provider{}
	registry := recognizer.NewRegistry(provider, recognizer.Config{PollInterval: time.Hour}, 1)
	monitor := quality.NewMonitor(quality.Config{})
	orch := fallback.New(fallback.Config{})
	hybridSvc := hybrid.NewService(provider, registry, monitor, orch, hybrid.Config{})
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "engine", MaxFailures: 5, ResetTimeout: time.Minute,
	})
	pipe := pipeline.New(&translatemock.Provider{}, &ttsmock.Provider{}, cb, pipeline.Config{
		SourceLanguage: "nl", TargetLanguage: "en",
		Voice:         tts.Voice{LanguageCode: "en-US", Name: "en-US-Wavenet-D", AudioFormat: "MP3"},
		RetryAttempts: 1,
	})
	manager := broker.NewManager(broker.ManagerConfig{})
	ctrl := session.NewController(registry, hybridSvc, pipe, manager, nil)
	s := New(Config{}, Deps{
		Controller: ctrl, Manager: manager, Hybrid: hybridSvc,
		Registry: registry, Orchestrator: orch, Pipeline: pipe,
		Health: health.New(),
	})
	ts := httptest.NewServer(s.Routes())
	defer ts.Close()
	defer registry.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, _, err := websocket.Dial(ctx, wsURL(ts, "/ws/stream/a"), nil)
	if err != nil {
		t.Fatalf("first speaker dial error = %v", err)
	}
	defer first.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for registry.Stats().ActiveSessions == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := registry.Stats().ActiveSessions; got != 1 {
		t.Fatalf("ActiveSessions = %d, want 1", got)
	}

	second, _, err := websocket.Dial(ctx, wsURL(ts, "/ws/stream/b"), nil)
	if err != nil {
		t.Fatalf("second speaker dial error = %v", err)
	}
	defer second.CloseNow()

	// The server closes the over-cap connection; the next read fails with
	// the try-again-later status.
	_, _, err = second.Read(ctx)
	if err == nil {
		t.Fatal("read succeeded on a rejected connection")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusTryAgainLater {
		t.Errorf("close status = %v, want StatusTryAgainLater", got)
	}
}
