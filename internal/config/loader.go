package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidAudioFormats lists the synthesis output formats the engine accepts.
var ValidAudioFormats = []string{"MP3", "LINEAR16", "OGG_OPUS"}

// ValidVoiceGenders lists the synthesis voice genders the engine accepts.
var ValidVoiceGenders = []string{"NEUTRAL", "MALE", "FEMALE"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate]. Fields absent from the file keep their [Default] values.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}

	// Engine
	if cfg.Engine.STT.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("engine.stt.sample_rate %d must be positive", cfg.Engine.STT.SampleRate))
	}
	if cfg.Engine.STT.LanguageCode == "" {
		errs = append(errs, errors.New("engine.stt.language_code is required"))
	}
	if cfg.Engine.Translation.SourceLanguage == "" || cfg.Engine.Translation.TargetLanguage == "" {
		errs = append(errs, errors.New("engine.translation.source_language and target_language are required"))
	}
	if cfg.Engine.Translation.SourceLanguage != "" &&
		cfg.Engine.Translation.SourceLanguage == cfg.Engine.Translation.TargetLanguage {
		errs = append(errs, fmt.Errorf("engine.translation: source and target language are both %q", cfg.Engine.Translation.SourceLanguage))
	}
	if f := cfg.Engine.TTS.AudioFormat; f != "" && !slices.Contains(ValidAudioFormats, f) {
		errs = append(errs, fmt.Errorf("engine.tts.audio_format %q is invalid; valid values: %v", f, ValidAudioFormats))
	}
	if g := cfg.Engine.TTS.VoiceGender; g != "" && !slices.Contains(ValidVoiceGenders, g) {
		errs = append(errs, fmt.Errorf("engine.tts.voice_gender %q is invalid; valid values: %v", g, ValidVoiceGenders))
	}

	// Pipeline
	if cfg.Pipeline.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("pipeline.retry_attempts %d must be at least 1", cfg.Pipeline.RetryAttempts))
	}
	if cfg.Pipeline.RetryBase <= 0 {
		errs = append(errs, errors.New("pipeline.retry_base must be positive"))
	}
	if cfg.Pipeline.CacheMaxEntries < 0 {
		errs = append(errs, fmt.Errorf("pipeline.cache_max_entries %d must not be negative", cfg.Pipeline.CacheMaxEntries))
	}
	if cfg.Pipeline.FallbackAudio == "" {
		slog.Warn("pipeline.fallback_audio is empty; listeners will receive no payload on pipeline failure")
	}

	// Breaker
	if cfg.Breaker.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("breaker.max_failures %d must be at least 1", cfg.Breaker.MaxFailures))
	}
	if cfg.Breaker.ResetTimeout <= 0 {
		errs = append(errs, errors.New("breaker.reset_timeout must be positive"))
	}

	// Streaming
	if cfg.Streaming.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("streaming.queue_capacity %d must be at least 1", cfg.Streaming.QueueCapacity))
	}
	if cfg.Streaming.RestartAfter.Std() >= 5*time.Minute {
		errs = append(errs, fmt.Errorf("streaming.restart_after %v must stay under the engine's 5-minute stream cap", cfg.Streaming.RestartAfter.Std()))
	}
	if cfg.Streaming.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("streaming.max_sessions %d must be at least 1", cfg.Streaming.MaxSessions))
	}
	if cfg.Streaming.ThresholdBytes < 1 {
		errs = append(errs, fmt.Errorf("streaming.threshold_bytes %d must be positive", cfg.Streaming.ThresholdBytes))
	}
	if cfg.Streaming.FrequencyThreshold <= 0 {
		errs = append(errs, fmt.Errorf("streaming.frequency_threshold %.2f must be positive", cfg.Streaming.FrequencyThreshold))
	}

	// Buffer
	if cfg.Buffer.QualityThreshold < 0 || cfg.Buffer.QualityThreshold > 1 {
		errs = append(errs, fmt.Errorf("buffer.quality_threshold %.2f is out of range [0, 1]", cfg.Buffer.QualityThreshold))
	}
	if cfg.Buffer.SilenceThreshold < 0 || cfg.Buffer.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("buffer.silence_threshold %.2f is out of range [0, 1]", cfg.Buffer.SilenceThreshold))
	}
	if cfg.Buffer.MaxSizeBytes < 1 {
		errs = append(errs, fmt.Errorf("buffer.max_size_bytes %d must be positive", cfg.Buffer.MaxSizeBytes))
	}

	// Fallback
	if cfg.Fallback.QualityThreshold < 0 || cfg.Fallback.QualityThreshold > 1 {
		errs = append(errs, fmt.Errorf("fallback.quality_threshold %.2f is out of range [0, 1]", cfg.Fallback.QualityThreshold))
	}
	if cfg.Fallback.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("fallback.failure_threshold %d must be at least 1", cfg.Fallback.FailureThreshold))
	}

	// Keepalive
	if cfg.Keepalive.PingInterval <= 0 || cfg.Keepalive.PongTimeout <= 0 {
		errs = append(errs, errors.New("keepalive.ping_interval and pong_timeout must be positive"))
	}
	if cfg.Keepalive.PongTimeout >= cfg.Keepalive.PingInterval {
		slog.Warn("keepalive.pong_timeout is not shorter than ping_interval; stale detection will lag",
			"pong_timeout", cfg.Keepalive.PongTimeout.Std(),
			"ping_interval", cfg.Keepalive.PingInterval.Std(),
		)
	}

	return errors.Join(errs...)
}
