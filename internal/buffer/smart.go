package buffer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hvanleeuwen/tolkbrug/pkg/audio"
)

// ReleaseReason names why a buffered window was handed to the engine.
type ReleaseReason string

const (
	ReleaseMaxSize  ReleaseReason = "max_size"
	ReleaseQuality  ReleaseReason = "quality_threshold"
	ReleaseSilence  ReleaseReason = "silence_detected"
	ReleaseTimeout  ReleaseReason = "timeout"
	ReleaseDuration ReleaseReason = "min_duration"
	ReleaseForced   ReleaseReason = "force_flush"
)

const (
	defaultMinDuration      = 2500 * time.Millisecond
	defaultSmartQuality     = 0.8
	defaultMaxBufferBytes   = 300 * 1024
	defaultBufferTimeout    = 6 * time.Second
	defaultSilenceThreshold = 0.1

	// earlyReleaseMinBytes is the smallest window worth releasing early on
	// quality alone.
	earlyReleaseMinBytes = 10000

	recentReleasesCap  = 10
	durationHistoryCap = 20
)

// SmartConfig tunes the accumulator. Zero values fall back to defaults.
type SmartConfig struct {
	// MinDuration is the shortest window normally released. Default: 2.5s.
	MinDuration time.Duration

	// QualityThreshold enables early release when recent chunks clear it.
	// Default: 0.8.
	QualityThreshold float64

	// MaxSizeBytes forces release regardless of duration. Default: 300 KiB.
	MaxSizeBytes int

	// Timeout is the base cap on how long a window may accumulate.
	// Default: 6s.
	Timeout time.Duration

	// SilenceThreshold is the quality score below which a chunk counts as
	// silence. Default: 0.1.
	SilenceThreshold float64

	// AdaptiveTimeout scales Timeout by recent quality and release
	// behavior. Default: off unless set.
	AdaptiveTimeout bool
}

// ReleaseMetrics describes one released window.
type ReleaseMetrics struct {
	ChunkCount     int
	TotalBytes     int
	Duration       time.Duration
	AverageQuality float64
	BestQuality    float64
	DominantFormat audio.Format
	Reason         ReleaseReason
}

// Release is a flushed window: the combined audio plus its metrics.
type Release struct {
	Audio   []byte
	Metrics ReleaseMetrics
}

// SmartStats counts accumulator activity since creation.
type SmartStats struct {
	TotalReleases  int64
	ReleaseReasons map[ReleaseReason]int64

	// AverageDuration is the mean window duration over recent releases.
	AverageDuration time.Duration
}

type bufferedChunk struct {
	data     []byte
	analysis audio.Analysis
	at       time.Time
}

type pastRelease struct {
	at     time.Time
	reason ReleaseReason
}

// Smart accumulates audio chunks for the buffered recognition path and
// decides when the window is worth transcribing: big enough, good enough,
// or stale enough. Safe for concurrent use.
//
// The first-chunk timestamp is deliberately preserved across releases so
// the adaptive timeout of the next window reflects true session age rather
// than restarting from zero mid-sentence.
type Smart struct {
	mu sync.Mutex

	cfg  SmartConfig
	proc *audio.Processor

	chunks       []bufferedChunk
	totalBytes   int
	firstChunkAt time.Time

	qualityHistory []float64
	formatCounts   map[audio.Format]int

	recentReleases  []pastRelease
	durationHistory []time.Duration

	totalReleases  int64
	releaseReasons map[ReleaseReason]int64

	now func() time.Time
}

// NewSmart creates an empty accumulator.
func NewSmart(cfg SmartConfig) *Smart {
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = defaultMinDuration
	}
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = defaultSmartQuality
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = defaultMaxBufferBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultBufferTimeout
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = defaultSilenceThreshold
	}
	return &Smart{
		cfg:            cfg,
		proc:           audio.NewProcessor(),
		formatCounts:   make(map[audio.Format]int),
		releaseReasons: make(map[ReleaseReason]int64),
		now:            time.Now,
	}
}

// AddChunk appends one chunk and returns a Release when the window is
// ready, nil while still accumulating. A returned Release has already been
// cleared out of the buffer.
func (b *Smart) AddChunk(data []byte) *Release {
	if len(data) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	at := b.now()
	processed, analysis := b.proc.Process(data)

	b.chunks = append(b.chunks, bufferedChunk{data: processed, analysis: analysis, at: at})
	b.totalBytes += len(processed)
	if b.firstChunkAt.IsZero() {
		b.firstChunkAt = at
	}

	b.qualityHistory = append(b.qualityHistory, analysis.Quality)
	b.formatCounts[analysis.Format]++

	slog.Debug("buffer chunk added",
		"in_bytes", len(data),
		"out_bytes", len(processed),
		"quality", analysis.Quality,
		"format", analysis.Format)

	reason, ok := b.evaluateRelease(at)
	if !ok {
		return nil
	}
	return b.release(reason, at)
}

// ForceFlush releases whatever is buffered, nil when empty.
func (b *Smart) ForceFlush() *Release {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) == 0 {
		return nil
	}
	return b.release(ReleaseForced, b.now())
}

// Duration returns the age of the current window.
func (b *Smart) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.duration(b.now())
}

// Len returns the number of buffered chunks.
func (b *Smart) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Stats returns a snapshot of the release counters.
func (b *Smart) Stats() SmartStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	reasons := make(map[ReleaseReason]int64, len(b.releaseReasons))
	for r, n := range b.releaseReasons {
		reasons[r] = n
	}
	var avg time.Duration
	if len(b.durationHistory) > 0 {
		var sum time.Duration
		for _, d := range b.durationHistory {
			sum += d
		}
		avg = sum / time.Duration(len(b.durationHistory))
	}
	return SmartStats{
		TotalReleases:   b.totalReleases,
		ReleaseReasons:  reasons,
		AverageDuration: avg,
	}
}

// ProcessorStats exposes the per-format counters of the underlying
// processor.
func (b *Smart) ProcessorStats() audio.Stats {
	return b.proc.Stats()
}

// evaluateRelease checks the release conditions in priority order. Caller
// holds b.mu.
func (b *Smart) evaluateRelease(at time.Time) (ReleaseReason, bool) {
	if len(b.chunks) == 0 || b.firstChunkAt.IsZero() {
		return "", false
	}
	dur := b.duration(at)

	if b.totalBytes >= b.cfg.MaxSizeBytes {
		return ReleaseMaxSize, true
	}
	if b.shouldEarlyReleaseForQuality(dur) {
		return ReleaseQuality, true
	}
	if b.detectSilence(dur) {
		return ReleaseSilence, true
	}
	if dur >= b.adaptiveTimeout() {
		return ReleaseTimeout, true
	}
	if dur >= b.cfg.MinDuration && b.isGoodReleasePoint() {
		return ReleaseDuration, true
	}
	return "", false
}

// shouldEarlyReleaseForQuality releases a window early when the last few
// chunks are consistently good and there is enough audio to transcribe.
// Caller holds b.mu.
func (b *Smart) shouldEarlyReleaseForQuality(dur time.Duration) bool {
	if len(b.qualityHistory) < 3 {
		return false
	}
	last3 := b.qualityHistory[len(b.qualityHistory)-3:]
	recentAvg := (last3[0] + last3[1] + last3[2]) / 3

	complete := 0
	for _, c := range b.chunks {
		if c.analysis.Complete {
			complete++
		}
	}
	return recentAvg >= b.cfg.QualityThreshold &&
		dur >= time.Second &&
		complete >= 2 &&
		b.totalBytes >= earlyReleaseMinBytes
}

// detectSilence treats a run of near-zero-quality chunks as a natural
// speech break. Caller holds b.mu.
func (b *Smart) detectSilence(dur time.Duration) bool {
	if len(b.chunks) < 5 {
		return false
	}
	low := 0
	for _, c := range b.chunks[len(b.chunks)-3:] {
		if c.analysis.Quality < b.cfg.SilenceThreshold {
			low++
		}
	}
	return low >= 2 && dur >= time.Duration(float64(b.cfg.MinDuration)*0.8)
}

// adaptiveTimeout scales the base timeout by recent quality and release
// behavior, clamped to [1s, 1.5·timeout]. Caller holds b.mu.
func (b *Smart) adaptiveTimeout() time.Duration {
	if !b.cfg.AdaptiveTimeout {
		return b.cfg.Timeout
	}
	timeout := float64(b.cfg.Timeout)

	if len(b.qualityHistory) >= 5 {
		last5 := b.qualityHistory[len(b.qualityHistory)-5:]
		var sum float64
		for _, q := range last5 {
			sum += q
		}
		switch avg := sum / 5; {
		case avg > 0.7:
			timeout *= 1.2
		case avg < 0.3:
			timeout *= 0.8
		}
	}

	if len(b.recentReleases) >= 3 {
		timeouts := 0
		for _, r := range b.recentReleases[len(b.recentReleases)-3:] {
			if r.reason == ReleaseTimeout {
				timeouts++
			}
		}
		if timeouts >= 2 {
			timeout *= 0.9
		}
	}

	clamped := min(timeout, 1.5*float64(b.cfg.Timeout))
	return time.Duration(max(clamped, float64(time.Second)))
}

// isGoodReleasePoint looks for a natural cut: a sharp quality drop at the
// tail or a consistent format run. Caller holds b.mu.
func (b *Smart) isGoodReleasePoint() bool {
	if len(b.chunks) < 2 {
		return true
	}

	tail := b.chunks[max(0, len(b.chunks)-3):]
	if len(tail) >= 2 {
		trend := tail[len(tail)-1].analysis.Quality - tail[len(tail)-2].analysis.Quality
		if trend < -0.2 {
			return true
		}
	}

	counts := make(map[audio.Format]int, len(tail))
	dominant := 0
	for _, c := range tail {
		counts[c.analysis.Format]++
		if counts[c.analysis.Format] > dominant {
			dominant = counts[c.analysis.Format]
		}
	}
	return float64(dominant)/float64(len(tail)) >= 0.7
}

// release combines the window, records its metrics and clears state for
// the next window. Caller holds b.mu.
func (b *Smart) release(reason ReleaseReason, at time.Time) *Release {
	dur := b.duration(at)

	combined := make([]byte, 0, b.totalBytes)
	for _, c := range b.chunks {
		combined = append(combined, c.data...)
	}

	var avgQuality, bestQuality float64
	if len(b.qualityHistory) > 0 {
		var sum float64
		for _, q := range b.qualityHistory {
			sum += q
			if q > bestQuality {
				bestQuality = q
			}
		}
		avgQuality = sum / float64(len(b.qualityHistory))
	}

	dominant := audio.FormatUnknown
	dominantCount := 0
	for f, n := range b.formatCounts {
		if n > dominantCount {
			dominant, dominantCount = f, n
		}
	}

	metrics := ReleaseMetrics{
		ChunkCount:     len(b.chunks),
		TotalBytes:     b.totalBytes,
		Duration:       dur,
		AverageQuality: avgQuality,
		BestQuality:    bestQuality,
		DominantFormat: dominant,
		Reason:         reason,
	}

	b.totalReleases++
	b.releaseReasons[reason]++

	b.recentReleases = append(b.recentReleases, pastRelease{at: at, reason: reason})
	if len(b.recentReleases) > recentReleasesCap {
		b.recentReleases = b.recentReleases[len(b.recentReleases)-recentReleasesCap:]
	}
	b.durationHistory = append(b.durationHistory, dur)
	if len(b.durationHistory) > durationHistoryCap {
		b.durationHistory = b.durationHistory[len(b.durationHistory)-durationHistoryCap:]
	}

	// Clear the window. firstChunkAt survives so the next window's
	// adaptive timeout sees true session age.
	b.chunks = nil
	b.totalBytes = 0
	b.qualityHistory = nil
	b.formatCounts = make(map[audio.Format]int)

	slog.Info("buffer released",
		"reason", reason,
		"chunks", metrics.ChunkCount,
		"bytes", metrics.TotalBytes,
		"duration", metrics.Duration,
		"avg_quality", metrics.AverageQuality)

	return &Release{Audio: combined, Metrics: metrics}
}

func (b *Smart) duration(at time.Time) time.Duration {
	if b.firstChunkAt.IsZero() {
		return 0
	}
	return at.Sub(b.firstChunkAt)
}
