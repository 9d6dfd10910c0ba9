// Package buffer holds the two buffering strategies of the buffered
// recognition path: the adaptive mode selector that votes between streaming
// and buffered per chunk, and the smart accumulator that decides when a
// buffered window is worth sending to the engine.
package buffer

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hvanleeuwen/tolkbrug/internal/observe"
	"github.com/hvanleeuwen/tolkbrug/pkg/types"
)

const (
	defaultStreamingThreshold = 5000
	defaultFrequencyThreshold = 8.0
	defaultQualityThreshold   = 0.7
	defaultAnalysisWindow     = 5 * time.Second

	// expectedChunksPerSecond anchors the buffer-efficiency estimate.
	expectedChunksPerSecond = 4

	modeSwitchHistoryCap = 100
)

// AdaptiveConfig tunes the mode selector. Zero values fall back to defaults.
type AdaptiveConfig struct {
	// StreamingThresholdBytes is the chunk size above which streaming is
	// favored. Default: 5000.
	StreamingThresholdBytes int

	// FrequencyThreshold is the chunks-per-second rate above which
	// streaming is favored. Default: 8.
	FrequencyThreshold float64

	// QualityThreshold separates good from poor chunk quality. Default: 0.7.
	QualityThreshold float64

	// AnalysisWindow bounds how far back chunk votes look. Default: 5s.
	AnalysisWindow time.Duration
}

type chunkSample struct {
	size    int
	quality float64
	at      time.Time
}

// analytics summarizes the chunks inside the analysis window.
type analytics struct {
	avgChunkSize float64
	frequency    float64
	quality      float64
	efficiency   float64
}

// AdaptiveStats counts selector activity.
type AdaptiveStats struct {
	TotalChunks  int64
	ModeSwitches int64
}

// Adaptive recommends a processing mode per chunk using a scored rule set
// with light hysteresis, so a stream does not flap between modes on a
// single outlier chunk. Safe for concurrent use.
type Adaptive struct {
	mu sync.Mutex

	cfg  AdaptiveConfig
	mode types.ProcessingMode

	samples  []chunkSample
	switches []types.ModeSwitch
	stats    AdaptiveStats

	metrics *observe.Metrics
	now     func() time.Time
}

// NewAdaptive creates a selector starting in buffered mode.
func NewAdaptive(cfg AdaptiveConfig) *Adaptive {
	if cfg.StreamingThresholdBytes <= 0 {
		cfg.StreamingThresholdBytes = defaultStreamingThreshold
	}
	if cfg.FrequencyThreshold <= 0 {
		cfg.FrequencyThreshold = defaultFrequencyThreshold
	}
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = defaultQualityThreshold
	}
	if cfg.AnalysisWindow <= 0 {
		cfg.AnalysisWindow = defaultAnalysisWindow
	}
	return &Adaptive{
		cfg:     cfg,
		mode:    types.ModeBuffered,
		metrics: observe.DefaultMetrics(),
		now:     time.Now,
	}
}

// AddChunk records one chunk's size and quality and returns the mode the
// stream should use from here on.
func (a *Adaptive) AddChunk(size int, quality float64) types.ProcessingMode {
	return a.addChunkAt(size, quality, a.now())
}

func (a *Adaptive) addChunkAt(size int, quality float64, at time.Time) types.ProcessingMode {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.samples = append(a.samples, chunkSample{size: size, quality: quality, at: at})
	a.stats.TotalChunks++

	recommended := a.decide(at)
	if recommended != a.mode {
		a.switchMode(recommended, at)
	}
	return a.mode
}

// Mode returns the current processing mode.
func (a *Adaptive) Mode() types.ProcessingMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// Switches returns the recorded mode transitions, oldest first.
func (a *Adaptive) Switches() []types.ModeSwitch {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.ModeSwitch, len(a.switches))
	copy(out, a.switches)
	return out
}

// Frequency returns the chunk arrival rate, in chunks per second, over the
// analysis window.
func (a *Adaptive) Frequency() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	recent := a.recentSamples(a.now(), a.cfg.AnalysisWindow)
	if len(recent) == 0 {
		return 0
	}
	return computeAnalytics(recent).frequency
}

// Stats returns a snapshot of the selector counters.
func (a *Adaptive) Stats() AdaptiveStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Clear drops the chunk window but keeps the current mode, so a released
// buffer does not reset the stream to buffered.
func (a *Adaptive) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = nil
}

// decide scores streaming against buffered over the analysis window.
// Caller holds a.mu.
func (a *Adaptive) decide(at time.Time) types.ProcessingMode {
	if len(a.samples) < 2 {
		return types.ModeBuffered
	}
	recent := a.recentSamples(at, a.cfg.AnalysisWindow)
	if len(recent) == 0 {
		return a.mode
	}
	an := computeAnalytics(recent)

	streaming := 0
	lastThree := recent[max(0, len(recent)-3):]
	maxRecent := 0
	for _, s := range lastThree {
		if s.size > maxRecent {
			maxRecent = s.size
		}
	}
	threshold := float64(a.cfg.StreamingThresholdBytes)
	switch {
	case an.avgChunkSize > threshold:
		streaming += 3
	case float64(maxRecent) > threshold:
		streaming += 2
	}
	if an.frequency > a.cfg.FrequencyThreshold {
		streaming += 2
	}
	if an.quality > a.cfg.QualityThreshold {
		streaming += 2
	}
	if an.efficiency > 0.8 {
		streaming++
	}

	buffered := 0
	if an.avgChunkSize < threshold*0.5 && an.frequency < a.cfg.FrequencyThreshold {
		buffered += 2
	}
	if an.frequency < a.cfg.FrequencyThreshold*0.5 {
		buffered += 3
	}
	if an.quality < a.cfg.QualityThreshold*0.5 {
		buffered += 2
	}

	slog.Debug("mode decision",
		"streaming_score", streaming,
		"buffered_score", buffered,
		"current_mode", a.mode,
		"avg_chunk_size", an.avgChunkSize,
		"frequency", an.frequency)

	// Hysteresis: leaving streaming needs a strict majority, entering it
	// only a tie.
	if a.mode == types.ModeStreaming {
		if buffered > streaming {
			return types.ModeBuffered
		}
		return types.ModeStreaming
	}
	if streaming >= buffered {
		return types.ModeStreaming
	}
	return types.ModeBuffered
}

// switchMode records the transition. Caller holds a.mu.
func (a *Adaptive) switchMode(to types.ProcessingMode, at time.Time) {
	from := a.mode
	a.mode = to
	a.stats.ModeSwitches++

	reason := a.switchReason(at)
	a.switches = append(a.switches, types.ModeSwitch{
		From: from, To: to, Reason: reason, At: at,
	})
	if len(a.switches) > modeSwitchHistoryCap {
		a.switches = a.switches[len(a.switches)-modeSwitchHistoryCap:]
	}

	a.metrics.RecordModeSwitch(context.Background(), string(from), string(to))
	slog.Info("processing mode switched", "from", from, "to", to, "reason", reason)
}

// switchReason names the conditions over the last two seconds that drove
// the switch. Caller holds a.mu.
func (a *Adaptive) switchReason(at time.Time) string {
	recent := a.recentSamples(at, 2*time.Second)
	if len(recent) == 0 {
		return "initialization"
	}
	an := computeAnalytics(recent)

	var reasons []string
	threshold := float64(a.cfg.StreamingThresholdBytes)
	if an.avgChunkSize > threshold {
		reasons = append(reasons, "large_chunks")
	}
	if an.frequency > a.cfg.FrequencyThreshold {
		reasons = append(reasons, "high_frequency")
	}
	if an.quality > a.cfg.QualityThreshold {
		reasons = append(reasons, "good_quality")
	}
	if an.avgChunkSize < threshold*0.5 {
		reasons = append(reasons, "small_chunks")
	}
	if an.frequency < a.cfg.FrequencyThreshold*0.5 {
		reasons = append(reasons, "low_frequency")
	}
	if len(reasons) == 0 {
		return "threshold_analysis"
	}
	return strings.Join(reasons, ",")
}

func (a *Adaptive) recentSamples(at time.Time, window time.Duration) []chunkSample {
	cutoff := at.Add(-window)
	for i, s := range a.samples {
		if !s.at.Before(cutoff) {
			return a.samples[i:]
		}
	}
	return nil
}

func computeAnalytics(samples []chunkSample) analytics {
	totalSize := 0
	var qualitySum float64
	qualityCount := 0
	for _, s := range samples {
		totalSize += s.size
		if s.quality > 0 {
			qualitySum += s.quality
			qualityCount++
		}
	}

	span := samples[len(samples)-1].at.Sub(samples[0].at).Seconds()
	frequency := float64(len(samples)) / max(span, 0.1)

	var quality float64
	if qualityCount > 0 {
		quality = qualitySum / float64(qualityCount)
	}

	expected := span * expectedChunksPerSecond
	efficiency := min(float64(len(samples))/max(expected, 1), 1)

	return analytics{
		avgChunkSize: float64(totalSize) / float64(len(samples)),
		frequency:    frequency,
		quality:      quality,
		efficiency:   efficiency,
	}
}
