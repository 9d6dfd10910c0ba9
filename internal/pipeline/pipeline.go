// Package pipeline implements the translate→synthesize half of the broker:
// a final Dutch transcript goes in, English audio comes out.
//
// Every engine call runs inside the shared circuit breaker with bounded
// retries for transient errors; a call that exhausts its retries counts as a
// single breaker failure. Successful translations are memoized in a bounded
// LRU cache so repeated phrases skip the translation engine entirely.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/hvanleeuwen/tolkbrug/internal/observe"
	"github.com/hvanleeuwen/tolkbrug/internal/resilience"
	"github.com/hvanleeuwen/tolkbrug/pkg/provider/translate"
	"github.com/hvanleeuwen/tolkbrug/pkg/provider/tts"
)

// ErrEmptyTranscript is returned when the input contains no translatable
// text.
var ErrEmptyTranscript = errors.New("pipeline: empty transcript")

// Config holds the pipeline's tuning knobs.
type Config struct {
	// SourceLanguage and TargetLanguage are ISO 639-1 codes ("nl", "en").
	SourceLanguage string
	TargetLanguage string

	// Voice for synthesis.
	Voice tts.Voice

	// Timeout bounds one full Process pass. Default: 5s.
	Timeout time.Duration

	// StageTimeout bounds a single engine call. Default: 10s.
	StageTimeout time.Duration

	// RetryAttempts is the total attempts per engine call. Default: 3.
	RetryAttempts int

	// RetryBase is the backoff after the first failed attempt. Default: 500ms.
	RetryBase time.Duration

	// CacheMaxEntries bounds the translation cache. Default: 10000.
	CacheMaxEntries int
}

// Pipeline turns final transcripts into synthesized target-language audio.
// Safe for concurrent use.
type Pipeline struct {
	translator translate.Provider
	synth      tts.Provider
	breaker    *resilience.CircuitBreaker
	retry      *resilience.Retry
	cache      *Cache
	cfg        Config
	metrics    *observe.Metrics
}

// New creates a Pipeline sharing the given breaker with other engine
// callers. Zero-value config fields are replaced with defaults.
func New(translator translate.Provider, synth tts.Provider, breaker *resilience.CircuitBreaker, cfg Config) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 10 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.CacheMaxEntries == 0 {
		cfg.CacheMaxEntries = 10000
	}
	return &Pipeline{
		translator: translator,
		synth:      synth,
		breaker:    breaker,
		retry: resilience.NewRetry(resilience.RetryConfig{
			Name:        "engine",
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryBase,
			Retryable:   Retryable,
		}),
		cache:   NewCache(cfg.CacheMaxEntries),
		cfg:     cfg,
		metrics: observe.DefaultMetrics(),
	}
}

// Result carries the outcome of one pipeline pass.
type Result struct {
	// Translation is the target-language text.
	Translation string

	// Audio is the synthesized payload.
	Audio []byte

	// CacheHit reports whether the translation came from the cache.
	CacheHit bool

	// Elapsed is the wall time of the full pass.
	Elapsed time.Duration
}

// Process translates text and synthesizes the result. The whole pass is
// bounded by Config.Timeout; running out of it counts as one breaker
// failure like any other engine error.
func (p *Pipeline) Process(ctx context.Context, text string) (Result, error) {
	start := time.Now()
	if CacheKey(text) == "" {
		return Result{}, ErrEmptyTranscript
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	res := Result{}

	if cached, ok := p.cache.Get(text); ok {
		res.Translation = cached
		res.CacheHit = true
		p.metrics.CacheLookups.Add(ctx, 1, metric.WithAttributes(observe.Attr("result", "hit")))
	} else {
		p.metrics.CacheLookups.Add(ctx, 1, metric.WithAttributes(observe.Attr("result", "miss")))
		translated, err := p.translateStage(ctx, text)
		if err != nil {
			return Result{}, err
		}
		p.cache.Put(text, translated)
		res.Translation = translated
	}

	audio, err := p.synthesizeStage(ctx, res.Translation)
	if err != nil {
		return Result{}, err
	}
	res.Audio = audio
	res.Elapsed = time.Since(start)

	p.metrics.PipelineDuration.Record(ctx, res.Elapsed.Seconds())
	slog.Debug("pipeline pass complete",
		"chars_in", len(text),
		"chars_out", len(res.Translation),
		"audio_bytes", len(audio),
		"cache_hit", res.CacheHit,
		"elapsed", res.Elapsed)
	return res, nil
}

// translateStage runs the translation call through retry and breaker.
func (p *Pipeline) translateStage(ctx context.Context, text string) (string, error) {
	var out string
	start := time.Now()
	err := p.breaker.Execute(func() error {
		return p.retry.Do(ctx, func(ctx context.Context) error {
			cctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
			defer cancel()

			translated, err := p.translator.Translate(cctx, translate.Request{
				Text:   text,
				Source: p.cfg.SourceLanguage,
				Target: p.cfg.TargetLanguage,
			})
			if err != nil {
				return err
			}
			out = translated
			return nil
		})
	})
	p.metrics.TranslateDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		p.metrics.RecordEngineRequest(ctx, "translate", "error")
		return "", fmt.Errorf("pipeline: translate: %w", err)
	}
	p.metrics.RecordEngineRequest(ctx, "translate", "ok")
	return out, nil
}

// synthesizeStage runs the synthesis call through retry and breaker.
func (p *Pipeline) synthesizeStage(ctx context.Context, text string) ([]byte, error) {
	var out []byte
	start := time.Now()
	err := p.breaker.Execute(func() error {
		return p.retry.Do(ctx, func(ctx context.Context) error {
			cctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
			defer cancel()

			audio, err := p.synth.Synthesize(cctx, text, p.cfg.Voice)
			if err != nil {
				return err
			}
			out = audio
			return nil
		})
	})
	p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		p.metrics.RecordEngineRequest(ctx, "tts", "error")
		return nil, fmt.Errorf("pipeline: synthesize: %w", err)
	}
	p.metrics.RecordEngineRequest(ctx, "tts", "ok")
	return out, nil
}

// CacheStats exposes the translation cache counters.
func (p *Pipeline) CacheStats() CacheStats {
	return p.cache.Stats()
}
