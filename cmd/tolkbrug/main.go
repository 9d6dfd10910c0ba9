// Command tolkbrug is the Dutch→English speech translation broker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hvanleeuwen/tolkbrug/internal/broker"
	"github.com/hvanleeuwen/tolkbrug/internal/buffer"
	"github.com/hvanleeuwen/tolkbrug/internal/config"
	"github.com/hvanleeuwen/tolkbrug/internal/fallback"
	"github.com/hvanleeuwen/tolkbrug/internal/health"
	"github.com/hvanleeuwen/tolkbrug/internal/hybrid"
	"github.com/hvanleeuwen/tolkbrug/internal/observe"
	"github.com/hvanleeuwen/tolkbrug/internal/pipeline"
	"github.com/hvanleeuwen/tolkbrug/internal/quality"
	"github.com/hvanleeuwen/tolkbrug/internal/recognizer"
	"github.com/hvanleeuwen/tolkbrug/internal/resilience"
	"github.com/hvanleeuwen/tolkbrug/internal/server"
	"github.com/hvanleeuwen/tolkbrug/internal/session"
	"github.com/hvanleeuwen/tolkbrug/pkg/provider/stt"
	sttgoogle "github.com/hvanleeuwen/tolkbrug/pkg/provider/stt/google"
	translategoogle "github.com/hvanleeuwen/tolkbrug/pkg/provider/translate/google"
	"github.com/hvanleeuwen/tolkbrug/pkg/provider/tts"
	ttsgoogle "github.com/hvanleeuwen/tolkbrug/pkg/provider/tts/google"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tolkbrug: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tolkbrug: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("tolkbrug starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "tolkbrug",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Engine clients ────────────────────────────────────────────────────────
	var sttOpts []sttgoogle.Option
	var trOpts []translategoogle.Option
	var ttsOpts []ttsgoogle.Option
	if cfg.Engine.CredentialsFile != "" {
		sttOpts = append(sttOpts, sttgoogle.WithCredentialsFile(cfg.Engine.CredentialsFile))
		trOpts = append(trOpts, translategoogle.WithCredentialsFile(cfg.Engine.CredentialsFile))
		ttsOpts = append(ttsOpts, ttsgoogle.WithCredentialsFile(cfg.Engine.CredentialsFile))
	}

	sttProvider, err := sttgoogle.New(ctx, sttOpts...)
	if err != nil {
		slog.Error("failed to create speech client", "err", err)
		return 1
	}
	defer sttProvider.Close()

	translator, err := translategoogle.New(ctx, trOpts...)
	if err != nil {
		slog.Error("failed to create translation client", "err", err)
		return 1
	}
	defer translator.Close()

	synth, err := ttsgoogle.New(ctx, ttsOpts...)
	if err != nil {
		slog.Error("failed to create synthesis client", "err", err)
		return 1
	}
	defer synth.Close()

	// ── Broker wiring ─────────────────────────────────────────────────────────
	streamCfg := stt.StreamConfig{
		SampleRate: cfg.Engine.STT.SampleRate,
		Channels:   1,
		Language:   cfg.Engine.STT.LanguageCode,
		Model:      cfg.Engine.STT.Model,
	}

	registry := recognizer.NewRegistry(sttProvider, recognizer.Config{
		Stream: stt.StreamConfig{
			SampleRate:     streamCfg.SampleRate,
			Channels:       streamCfg.Channels,
			Language:       streamCfg.Language,
			Model:          streamCfg.Model,
			InterimResults: true,
		},
		QueueCapacity: cfg.Streaming.QueueCapacity,
		RestartAfter:  cfg.Streaming.RestartAfter.Std(),
	}, cfg.Streaming.MaxSessions)

	monitor := quality.NewMonitor(quality.Config{})
	orch := fallback.New(fallback.Config{
		FailureThreshold:    cfg.Fallback.FailureThreshold,
		RecoveryInterval:    cfg.Fallback.RecoveryInterval.Std(),
		MaxRecoveryAttempts: cfg.Fallback.MaxRecoveryAttempts,
		QualityThreshold:    cfg.Fallback.QualityThreshold,
	})

	hybridSvc := hybrid.NewService(sttProvider, registry, monitor, orch, hybrid.Config{
		Stream:           streamCfg,
		RecognizeTimeout: cfg.Engine.STT.Timeout.Std(),
		DisableStreaming: !cfg.Streaming.Enabled,
		Adaptive: buffer.AdaptiveConfig{
			StreamingThresholdBytes: cfg.Streaming.ThresholdBytes,
			FrequencyThreshold:      cfg.Streaming.FrequencyThreshold,
			QualityThreshold:        cfg.Buffer.QualityThreshold,
		},
		Smart: buffer.SmartConfig{
			MinDuration:      cfg.Buffer.MinDuration.Std(),
			QualityThreshold: cfg.Buffer.QualityThreshold,
			MaxSizeBytes:     cfg.Buffer.MaxSizeBytes,
			Timeout:          cfg.Buffer.Timeout.Std(),
			SilenceThreshold: cfg.Buffer.SilenceThreshold,
			AdaptiveTimeout:  cfg.Buffer.AdaptiveTimeout,
		},
	})

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "engine",
		MaxFailures:  cfg.Breaker.MaxFailures,
		ResetTimeout: cfg.Breaker.ResetTimeout.Std(),
	})

	pipe := pipeline.New(translator, synth, breaker, pipeline.Config{
		SourceLanguage: cfg.Engine.Translation.SourceLanguage,
		TargetLanguage: cfg.Engine.Translation.TargetLanguage,
		Voice: tts.Voice{
			LanguageCode: cfg.Engine.TTS.LanguageCode,
			Name:         cfg.Engine.TTS.VoiceName,
			Gender:       cfg.Engine.TTS.VoiceGender,
			AudioFormat:  cfg.Engine.TTS.AudioFormat,
		},
		Timeout:         cfg.Pipeline.Timeout.Std(),
		StageTimeout:    cfg.Engine.Translation.Timeout.Std(),
		RetryAttempts:   cfg.Pipeline.RetryAttempts,
		RetryBase:       cfg.Pipeline.RetryBase.Std(),
		CacheMaxEntries: cfg.Pipeline.CacheMaxEntries,
	})

	manager := broker.NewManager(broker.ManagerConfig{
		PingInterval: cfg.Keepalive.PingInterval.Std(),
		PongTimeout:  cfg.Keepalive.PongTimeout.Std(),
	})

	ctrl := session.NewController(registry, hybridSvc, pipe, manager,
		[]byte(cfg.Pipeline.FallbackAudio))

	healthHandler := health.New(
		health.Checker{
			Name: "breaker",
			Check: func(context.Context) error {
				if breaker.State() == resilience.StateOpen {
					return errors.New("engine circuit breaker is open")
				}
				return nil
			},
		},
		health.Checker{
			Name: "sessions",
			Check: func(context.Context) error {
				stats := registry.Stats()
				if stats.MaxSessions > 0 && stats.ActiveSessions >= stats.MaxSessions {
					return fmt.Errorf("session cap reached (%d)", stats.MaxSessions)
				}
				return nil
			},
		},
	)

	srvCfg := server.Config{ListenAddr: cfg.Server.ListenAddr}
	if cfg.Server.TLS != nil {
		srvCfg.CertFile = cfg.Server.TLS.CertFile
		srvCfg.KeyFile = cfg.Server.TLS.KeyFile
	}
	srv := server.New(srvCfg, server.Deps{
		Controller:   ctrl,
		Manager:      manager,
		Hybrid:       hybridSvc,
		Registry:     registry,
		Orchestrator: orch,
		Pipeline:     pipe,
		Health:       healthHandler,
	})

	// ── Startup summary ───────────────────────────────────────────────────────
	slog.Info("engine configuration",
		"stt_language", cfg.Engine.STT.LanguageCode,
		"stt_model", cfg.Engine.STT.Model,
		"translation", cfg.Engine.Translation.SourceLanguage+"→"+cfg.Engine.Translation.TargetLanguage,
		"voice", cfg.Engine.TTS.VoiceName,
		"audio_format", cfg.Engine.TTS.AudioFormat,
		"streaming_enabled", cfg.Streaming.Enabled,
		"max_sessions", cfg.Streaming.MaxSessions,
	)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// newLogger builds the process logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
