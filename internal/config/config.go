// Package config provides the configuration schema and loader for the
// Tolkbrug translation broker.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the Tolkbrug server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration is a [time.Duration] that unmarshals from YAML strings like
// "30s" or "2.5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for Tolkbrug.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Streaming StreamingConfig `yaml:"streaming"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Fallback  FallbackConfig  `yaml:"fallback"`
	Keepalive KeepaliveConfig `yaml:"keepalive"`
}

// ServerConfig holds network and logging settings for the Tolkbrug server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// EngineConfig holds settings for the external speech and translation
// engines.
type EngineConfig struct {
	// CredentialsFile is an optional path to a service account key file.
	// When empty the clients use ambient application-default credentials.
	CredentialsFile string `yaml:"credentials_file"`

	STT         STTConfig         `yaml:"stt"`
	Translation TranslationConfig `yaml:"translation"`
	TTS         TTSConfig         `yaml:"tts"`
}

// STTConfig configures speech recognition.
type STTConfig struct {
	// LanguageCode is the BCP-47 code of the spoken language.
	LanguageCode string `yaml:"language_code"`

	// SampleRate of the audio in Hz.
	SampleRate int `yaml:"sample_rate"`

	// Model selects the recognition model ("latest_long" for streaming).
	Model string `yaml:"model"`

	// Timeout bounds a single one-shot recognition call.
	Timeout Duration `yaml:"timeout"`
}

// TranslationConfig configures text translation.
type TranslationConfig struct {
	// SourceLanguage is the ISO 639-1 code of the input text.
	SourceLanguage string `yaml:"source_language"`

	// TargetLanguage is the ISO 639-1 code of the output text.
	TargetLanguage string `yaml:"target_language"`

	// Timeout bounds a single translation call.
	Timeout Duration `yaml:"timeout"`
}

// TTSConfig configures speech synthesis.
type TTSConfig struct {
	// LanguageCode is the BCP-47 code of the synthesized voice.
	LanguageCode string `yaml:"language_code"`

	// VoiceName selects the specific voice (e.g., "en-US-Wavenet-D").
	VoiceName string `yaml:"voice_name"`

	// VoiceGender requests a voice gender: "NEUTRAL", "MALE" or "FEMALE".
	// A hint when voice_name already pins a voice.
	VoiceGender string `yaml:"voice_gender"`

	// AudioFormat of the synthesized payload: "MP3", "LINEAR16" or "OGG_OPUS".
	AudioFormat string `yaml:"audio_format"`

	// Timeout bounds a single synthesis call.
	Timeout Duration `yaml:"timeout"`
}

// PipelineConfig configures the translate→synthesize pipeline.
type PipelineConfig struct {
	// Timeout bounds a full pipeline pass for one transcript.
	Timeout Duration `yaml:"timeout"`

	// RetryAttempts is the total number of attempts per engine call
	// (1 initial + retries).
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBase is the backoff after the first failed attempt; later waits
	// double up to four times the base.
	RetryBase Duration `yaml:"retry_base"`

	// CacheMaxEntries bounds the translation cache.
	CacheMaxEntries int `yaml:"cache_max_entries"`

	// FallbackAudio is the payload broadcast to listeners when the pipeline
	// cannot produce audio for a final transcript.
	FallbackAudio string `yaml:"fallback_audio"`
}

// BreakerConfig configures the shared engine circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout Duration `yaml:"reset_timeout"`
}

// StreamingConfig configures the streaming recognition path.
type StreamingConfig struct {
	// Enabled turns the streaming path on. When false every chunk goes
	// through the buffered path.
	Enabled bool `yaml:"enabled"`

	// QueueCapacity bounds the per-session audio frame queue.
	QueueCapacity int `yaml:"queue_capacity"`

	// RestartAfter is the session age at which the engine stream is rotated,
	// kept under the engine's 5-minute cap.
	RestartAfter Duration `yaml:"restart_after"`

	// MaxSessions caps concurrent streaming sessions across all streams.
	MaxSessions int `yaml:"max_sessions"`

	// ThresholdBytes is the chunk size above which the mode selector
	// favors streaming.
	ThresholdBytes int `yaml:"threshold_bytes"`

	// FrequencyThreshold is the chunks-per-second rate above which the
	// mode selector favors streaming.
	FrequencyThreshold float64 `yaml:"frequency_threshold"`
}

// BufferConfig configures the smart audio buffer.
type BufferConfig struct {
	// MinDuration the buffer must cover before a regular release.
	MinDuration Duration `yaml:"min_duration"`

	// QualityThreshold for early release on sustained high quality.
	QualityThreshold float64 `yaml:"quality_threshold"`

	// MaxSizeBytes forces a release regardless of duration.
	MaxSizeBytes int `yaml:"max_size_bytes"`

	// Timeout is the base adaptive timeout.
	Timeout Duration `yaml:"timeout"`

	// SilenceThreshold is the quality score below which a chunk counts as
	// probable silence.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// AdaptiveTimeout enables quality-driven timeout adjustment.
	AdaptiveTimeout bool `yaml:"adaptive_timeout"`
}

// FallbackConfig configures the fallback orchestrator.
type FallbackConfig struct {
	// FailureThreshold is the consecutive streaming failure count that
	// forces a stream into buffered mode.
	FailureThreshold int `yaml:"failure_threshold"`

	// RecoveryInterval is the minimum time between recovery attempts.
	RecoveryInterval Duration `yaml:"recovery_interval"`

	// MaxRecoveryAttempts caps recovery attempts per stream.
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts"`

	// QualityThreshold is the minimum connection quality for streaming.
	QualityThreshold float64 `yaml:"quality_threshold"`
}

// KeepaliveConfig configures the application-level WebSocket keepalive.
type KeepaliveConfig struct {
	// PingInterval between keepalive pings to each listener.
	PingInterval Duration `yaml:"ping_interval"`

	// PongTimeout is how long to wait for a pong before declaring the
	// connection stale.
	PongTimeout Duration `yaml:"pong_timeout"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8000",
			LogLevel:   LogInfo,
		},
		Engine: EngineConfig{
			STT: STTConfig{
				LanguageCode: "nl-NL",
				SampleRate:   16000,
				Model:        "latest_long",
				Timeout:      Duration(10 * time.Second),
			},
			Translation: TranslationConfig{
				SourceLanguage: "nl",
				TargetLanguage: "en",
				Timeout:        Duration(10 * time.Second),
			},
			TTS: TTSConfig{
				LanguageCode: "en-US",
				VoiceName:    "en-US-Wavenet-D",
				VoiceGender:  "NEUTRAL",
				AudioFormat:  "MP3",
				Timeout:      Duration(10 * time.Second),
			},
		},
		Pipeline: PipelineConfig{
			Timeout:         Duration(5 * time.Second),
			RetryAttempts:   3,
			RetryBase:       Duration(500 * time.Millisecond),
			CacheMaxEntries: 10000,
			FallbackAudio:   "error_fallback_audio",
		},
		Breaker: BreakerConfig{
			MaxFailures:  5,
			ResetTimeout: Duration(30 * time.Second),
		},
		Streaming: StreamingConfig{
			Enabled:            true,
			QueueCapacity:      50,
			RestartAfter:       Duration(280 * time.Second),
			MaxSessions:        20,
			ThresholdBytes:     5000,
			FrequencyThreshold: 8,
		},
		Buffer: BufferConfig{
			MinDuration:      Duration(2500 * time.Millisecond),
			QualityThreshold: 0.8,
			MaxSizeBytes:     300 * 1024,
			Timeout:          Duration(6 * time.Second),
			SilenceThreshold: 0.1,
			AdaptiveTimeout:  true,
		},
		Fallback: FallbackConfig{
			FailureThreshold:    3,
			RecoveryInterval:    Duration(60 * time.Second),
			MaxRecoveryAttempts: 5,
			QualityThreshold:    0.6,
		},
		Keepalive: KeepaliveConfig{
			PingInterval: Duration(30 * time.Second),
			PongTimeout:  Duration(10 * time.Second),
		},
	}
}
