package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadFromReaderDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}

	if cfg.Server.ListenAddr != ":8000" {
		t.Errorf("ListenAddr = %q, want :8000", cfg.Server.ListenAddr)
	}
	if cfg.Breaker.MaxFailures != 5 {
		t.Errorf("Breaker.MaxFailures = %d, want 5", cfg.Breaker.MaxFailures)
	}
	if cfg.Breaker.ResetTimeout.Std() != 30*time.Second {
		t.Errorf("Breaker.ResetTimeout = %v, want 30s", cfg.Breaker.ResetTimeout.Std())
	}
	if cfg.Streaming.RestartAfter.Std() != 280*time.Second {
		t.Errorf("Streaming.RestartAfter = %v, want 280s", cfg.Streaming.RestartAfter.Std())
	}
	if cfg.Engine.TTS.VoiceName != "en-US-Wavenet-D" {
		t.Errorf("TTS.VoiceName = %q, want en-US-Wavenet-D", cfg.Engine.TTS.VoiceName)
	}
	if cfg.Pipeline.FallbackAudio != "error_fallback_audio" {
		t.Errorf("FallbackAudio = %q", cfg.Pipeline.FallbackAudio)
	}
	if !cfg.Streaming.Enabled {
		t.Error("Streaming.Enabled = false by default, want true")
	}
	if cfg.Streaming.ThresholdBytes != 5000 {
		t.Errorf("Streaming.ThresholdBytes = %d, want 5000", cfg.Streaming.ThresholdBytes)
	}
	if cfg.Streaming.FrequencyThreshold != 8 {
		t.Errorf("Streaming.FrequencyThreshold = %v, want 8", cfg.Streaming.FrequencyThreshold)
	}
	if cfg.Engine.TTS.VoiceGender != "NEUTRAL" {
		t.Errorf("TTS.VoiceGender = %q, want NEUTRAL", cfg.Engine.TTS.VoiceGender)
	}
	if cfg.Pipeline.RetryBase.Std() != 500*time.Millisecond {
		t.Errorf("Pipeline.RetryBase = %v, want 500ms", cfg.Pipeline.RetryBase.Std())
	}
}

func TestLoadFromReaderOverrides(t *testing.T) {
	const yml = `
server:
  listen_addr: ":9100"
  log_level: debug
engine:
  tts:
    voice_gender: FEMALE
pipeline:
  retry_base: 250ms
buffer:
  min_duration: 1.5s
  quality_threshold: 0.6
streaming:
  enabled: false
  restart_after: 200s
  threshold_bytes: 8000
  frequency_threshold: 12
`
	cfg, err := LoadFromReader(strings.NewReader(yml))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}

	if cfg.Server.ListenAddr != ":9100" {
		t.Errorf("ListenAddr = %q, want :9100", cfg.Server.ListenAddr)
	}
	if cfg.Buffer.MinDuration.Std() != 1500*time.Millisecond {
		t.Errorf("Buffer.MinDuration = %v, want 1.5s", cfg.Buffer.MinDuration.Std())
	}
	if cfg.Streaming.RestartAfter.Std() != 200*time.Second {
		t.Errorf("RestartAfter = %v, want 200s", cfg.Streaming.RestartAfter.Std())
	}
	if cfg.Streaming.Enabled {
		t.Error("Streaming.Enabled = true, want false")
	}
	if cfg.Streaming.ThresholdBytes != 8000 || cfg.Streaming.FrequencyThreshold != 12 {
		t.Errorf("Streaming thresholds = %d / %v, want 8000 / 12",
			cfg.Streaming.ThresholdBytes, cfg.Streaming.FrequencyThreshold)
	}
	if cfg.Engine.TTS.VoiceGender != "FEMALE" {
		t.Errorf("TTS.VoiceGender = %q, want FEMALE", cfg.Engine.TTS.VoiceGender)
	}
	if cfg.Pipeline.RetryBase.Std() != 250*time.Millisecond {
		t.Errorf("Pipeline.RetryBase = %v, want 250ms", cfg.Pipeline.RetryBase.Std())
	}
	// Untouched sections keep defaults.
	if cfg.Keepalive.PingInterval.Std() != 30*time.Second {
		t.Errorf("Keepalive.PingInterval = %v, want 30s", cfg.Keepalive.PingInterval.Std())
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("serverr:\n  listen_addr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Server.LogLevel = "loud" }},
		{"zero sample rate", func(c *Config) { c.Engine.STT.SampleRate = 0 }},
		{"same languages", func(c *Config) { c.Engine.Translation.TargetLanguage = "nl" }},
		{"bad audio format", func(c *Config) { c.Engine.TTS.AudioFormat = "FLAC" }},
		{"restart over engine cap", func(c *Config) { c.Streaming.RestartAfter = Duration(6 * time.Minute) }},
		{"quality threshold out of range", func(c *Config) { c.Buffer.QualityThreshold = 1.5 }},
		{"zero retry attempts", func(c *Config) { c.Pipeline.RetryAttempts = 0 }},
		{"bad voice gender", func(c *Config) { c.Engine.TTS.VoiceGender = "ROBOT" }},
		{"zero retry base", func(c *Config) { c.Pipeline.RetryBase = 0 }},
		{"zero streaming threshold", func(c *Config) { c.Streaming.ThresholdBytes = 0 }},
		{"zero frequency threshold", func(c *Config) { c.Streaming.FrequencyThreshold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestDurationUnmarshalRejectsGarbage(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("breaker:\n  reset_timeout: soon\n"))
	if err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}
