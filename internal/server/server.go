// Package server exposes the broker over HTTP: the speaker and listener
// websocket endpoints, health and readiness probes, Prometheus metrics and
// the JSON stats surface.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hvanleeuwen/tolkbrug/internal/broker"
	"github.com/hvanleeuwen/tolkbrug/internal/fallback"
	"github.com/hvanleeuwen/tolkbrug/internal/health"
	"github.com/hvanleeuwen/tolkbrug/internal/hybrid"
	"github.com/hvanleeuwen/tolkbrug/internal/pipeline"
	"github.com/hvanleeuwen/tolkbrug/internal/recognizer"
	"github.com/hvanleeuwen/tolkbrug/internal/session"
)

const (
	// shutdownTimeout bounds the graceful drain on exit.
	shutdownTimeout = 5 * time.Second

	// maxFrameBytes caps a single websocket frame. Audio chunks are a few
	// kilobytes; a megabyte means a misbehaving client.
	maxFrameBytes = 1 << 20
)

// Config tunes the HTTP server.
type Config struct {
	// ListenAddr is the address to bind, e.g. ":8080".
	ListenAddr string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string
}

// Deps are the collaborators the server exposes.
type Deps struct {
	Controller   *session.Controller
	Manager      *broker.Manager
	Hybrid       *hybrid.Service
	Registry     *recognizer.Registry
	Orchestrator *fallback.Orchestrator
	Pipeline     *pipeline.Pipeline
	Health       *health.Handler
}

// Server is the HTTP front of the broker.
type Server struct {
	cfg  Config
	deps Deps
}

// New creates a Server. Run starts it.
func New(cfg Config, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps}
}

// Routes builds the request mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	s.deps.Health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /keepalive/stats", s.handleKeepaliveStats)
	mux.HandleFunc("GET /ws/stream/{id}", s.handleSpeaker)
	mux.HandleFunc("GET /ws/listen/{id}", s.handleListener)
	return mux
}

// Run serves until ctx is cancelled, then drains within shutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.deps.Manager.Run(ctx)
	})
	g.Go(func() error {
		slog.Info("listening", "addr", s.cfg.ListenAddr, "tls", s.cfg.CertFile != "")
		var err error
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			err = srv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down", "drain_timeout", shutdownTimeout)

		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(drainCtx)

		s.deps.Manager.CloseAll()
		s.deps.Registry.Shutdown()
		return err
	})
	return g.Wait()
}

// statsResponse aggregates the observability snapshots of every subsystem.
type statsResponse struct {
	Hybrid     hybrid.ServiceStats      `json:"hybrid"`
	Recognizer recognizer.RegistryStats `json:"recognizer"`
	Fallback   fallback.GlobalStats     `json:"fallback"`
	Cache      pipeline.CacheStats      `json:"translation_cache"`
	Keepalive  broker.KeepaliveStats    `json:"keepalive"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	health.WriteJSON(w, http.StatusOK, statsResponse{
		Hybrid:     s.deps.Hybrid.Stats(),
		Recognizer: s.deps.Registry.Stats(),
		Fallback:   s.deps.Orchestrator.Stats(),
		Cache:      s.deps.Pipeline.CacheStats(),
		Keepalive:  s.deps.Manager.KeepaliveStats(),
	})
}

func (s *Server) handleKeepaliveStats(w http.ResponseWriter, _ *http.Request) {
	health.WriteJSON(w, http.StatusOK, s.deps.Manager.KeepaliveStats())
}

// handleSpeaker upgrades the connection and runs the speaker session until
// disconnect.
func (s *Server) handleSpeaker(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Info("speaker accept failed", "stream_id", streamID, "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameBytes)

	if err := s.deps.Controller.HandleSpeaker(r.Context(), streamID, conn); err != nil {
		if errors.Is(err, recognizer.ErrTooManySessions) {
			conn.Close(websocket.StatusTryAgainLater, "session cap reached")
			return
		}
		conn.Close(websocket.StatusInternalError, "session failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// handleListener subscribes the connection to its stream's broadcasts and
// reads keepalive pongs until disconnect.
func (s *Server) handleListener(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Info("listener accept failed", "stream_id", streamID, "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameBytes)

	s.deps.Manager.AddListener(streamID, conn)
	defer s.deps.Manager.RemoveListener(streamID, conn)

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			slog.Info("listener disconnected", "stream_id", streamID)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if broker.IsPong(data) {
			s.deps.Manager.HandlePong(conn)
			continue
		}
		slog.Debug("listener text frame ignored", "stream_id", streamID)
	}
}
