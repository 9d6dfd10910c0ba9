// Package quality tracks per-stream connection health from request timings
// and distills it into a score the mode-selection logic can act on.
package quality

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// Level buckets an overall score into a coarse label.
type Level string

const (
	LevelExcellent Level = "excellent"
	LevelGood      Level = "good"
	LevelFair      Level = "fair"
	LevelPoor      Level = "poor"
	LevelCritical  Level = "critical"
)

// Metrics is a point-in-time summary of recent connection behavior.
type Metrics struct {
	AverageLatencyMs  float64
	SuccessRate       float64
	FailureRate       float64
	RequestsPerSecond float64
	PacketLossRate    float64
	JitterMs          float64
	Timestamp         time.Time
}

// Score breaks the overall connection quality into its components. All
// values are in [0, 1].
type Score struct {
	Overall     float64
	Latency     float64
	Reliability float64
	Throughput  float64
	Stability   float64
	Level       Level
}

// Stats counts monitor activity since creation or the last Reset.
type Stats struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	DegradationEvents  int64
	ImprovementEvents  int64
}

type timing struct {
	start   time.Time
	end     time.Time
	success bool
}

const (
	defaultWindow     = 10 * time.Second
	defaultThreshold  = 0.7
	defaultMaxHistory = 1000

	// minWindowSamples is the floor applied when the time window holds too
	// few timings to score without cold-start flapping.
	minWindowSamples = 20

	metricsHistoryCap = 100
)

// Config tunes a Monitor. Zero values fall back to defaults.
type Config struct {
	// Window is the time span scored. Default: 10s.
	Window time.Duration

	// Threshold is the overall score below which the connection counts as
	// degraded. Default: 0.7.
	Threshold float64

	// MaxHistory bounds the timing deque. Default: 1000.
	MaxHistory int
}

// Monitor keeps a bounded history of request timings and scores them on
// demand. Safe for concurrent use.
type Monitor struct {
	mu sync.Mutex

	window     time.Duration
	threshold  float64
	maxHistory int

	timings        []timing
	metricsHistory []Metrics

	lastScore   *Score
	lastMetrics *Metrics
	stats       Stats
}

// NewMonitor creates a Monitor with the given config.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	return &Monitor{
		window:     cfg.Window,
		threshold:  cfg.Threshold,
		maxHistory: cfg.MaxHistory,
	}
}

// RecordTiming appends one request timing to the history.
func (m *Monitor) RecordTiming(start, end time.Time, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.timings = append(m.timings, timing{start: start, end: end, success: success})
	if len(m.timings) > m.maxHistory {
		m.timings = m.timings[len(m.timings)-m.maxHistory:]
	}

	m.stats.TotalRequests++
	if success {
		m.stats.SuccessfulRequests++
	} else {
		m.stats.FailedRequests++
	}
}

// RecordLatency records a request given only its observed latency, assuming
// it just finished.
func (m *Monitor) RecordLatency(latency time.Duration, success bool) {
	now := time.Now()
	m.RecordTiming(now.Add(-latency), now, success)
}

// CurrentMetrics recomputes and returns metrics over the recent window.
func (m *Monitor) CurrentMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics, _ := m.recompute()
	return metrics
}

// CurrentScore recomputes and returns the quality score over the recent
// window.
func (m *Monitor) CurrentScore() Score {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, score := m.recompute()
	return score
}

// IsDegraded reports whether the overall score sits below the configured
// threshold. An empty history counts as degraded.
func (m *Monitor) IsDegraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timings) == 0 {
		return true
	}
	_, score := m.recompute()
	return score.Overall < m.threshold
}

// IsSuitableForStreaming reports whether the connection clears all three
// bars at once: score, latency and success rate.
func (m *Monitor) IsSuitableForStreaming(minScore, maxLatencyMs, minSuccessRate float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timings) == 0 {
		return false
	}
	metrics, score := m.recompute()
	return score.Overall >= minScore &&
		metrics.AverageLatencyMs <= maxLatencyMs &&
		metrics.SuccessRate >= minSuccessRate
}

// Trend reports "improving", "degrading", "stable" or "insufficient_data"
// by comparing the oldest and newest metrics snapshots within window.
func (m *Monitor) Trend(window time.Duration) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-window)
	var recent []Metrics
	for _, mm := range m.metricsHistory {
		if !mm.Timestamp.Before(cutoff) {
			recent = append(recent, mm)
		}
	}
	if len(recent) < 2 {
		return "insufficient_data"
	}

	first := scoreMetrics(recent[0]).Overall
	last := scoreMetrics(recent[len(recent)-1]).Overall
	switch diff := last - first; {
	case math.Abs(diff) < 0.05:
		return "stable"
	case diff > 0:
		return "improving"
	default:
		return "degrading"
	}
}

// Stats returns a snapshot of the activity counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Reset drops all history and counters.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timings = nil
	m.metricsHistory = nil
	m.lastScore = nil
	m.lastMetrics = nil
	m.stats = Stats{}
}

// recompute derives metrics and score from recent timings. Caller holds
// m.mu.
func (m *Monitor) recompute() (Metrics, Score) {
	recent := m.recentTimings()
	if len(recent) == 0 {
		metrics := Metrics{FailureRate: 1, Timestamp: time.Now()}
		score := Score{Level: LevelCritical}
		m.lastMetrics, m.lastScore = &metrics, &score
		return metrics, score
	}

	metrics := computeMetrics(recent)
	score := scoreMetrics(metrics)

	if m.lastScore != nil {
		switch {
		case score.Overall < m.lastScore.Overall-0.2:
			m.stats.DegradationEvents++
			slog.Warn("connection quality degraded",
				"from", m.lastScore.Overall, "to", score.Overall)
		case score.Overall > m.lastScore.Overall+0.2:
			m.stats.ImprovementEvents++
			slog.Info("connection quality improved",
				"from", m.lastScore.Overall, "to", score.Overall)
		}
	}
	m.lastMetrics, m.lastScore = &metrics, &score

	m.metricsHistory = append(m.metricsHistory, metrics)
	if len(m.metricsHistory) > metricsHistoryCap {
		m.metricsHistory = m.metricsHistory[len(m.metricsHistory)-metricsHistoryCap:]
	}
	return metrics, score
}

// recentTimings returns timings inside the window, falling back to the last
// minWindowSamples so a quiet stream still scores on its tail.
func (m *Monitor) recentTimings() []timing {
	if len(m.timings) == 0 {
		return nil
	}
	cutoff := time.Now().Add(-m.window)
	var recent []timing
	for _, t := range m.timings {
		if !t.end.Before(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) < minWindowSamples {
		n := min(minWindowSamples, len(m.timings))
		recent = m.timings[len(m.timings)-n:]
	}
	return recent
}

func computeMetrics(timings []timing) Metrics {
	var latencySum float64
	successes := 0
	latencies := make([]float64, len(timings))
	for i, t := range timings {
		latencies[i] = float64(t.end.Sub(t.start)) / float64(time.Millisecond)
		latencySum += latencies[i]
		if t.success {
			successes++
		}
	}

	avgLatency := latencySum / float64(len(timings))
	successRate := float64(successes) / float64(len(timings))

	span := timings[len(timings)-1].end.Sub(timings[0].end).Seconds()
	rps := float64(len(timings)) / math.Max(span, 0.1)

	return Metrics{
		AverageLatencyMs:  avgLatency,
		SuccessRate:       successRate,
		FailureRate:       1 - successRate,
		RequestsPerSecond: rps,
		PacketLossRate:    1 - successRate,
		JitterMs:          stddev(latencies),
		Timestamp:         time.Now(),
	}
}

func scoreMetrics(m Metrics) Score {
	s := Score{
		Latency:     scoreLatency(m.AverageLatencyMs),
		Reliability: m.SuccessRate,
		Throughput:  scoreThroughput(m.RequestsPerSecond, m.AverageLatencyMs),
		Stability:   scoreStability(m.JitterMs),
	}
	s.Overall = 0.35*s.Latency + 0.35*s.Reliability + 0.15*s.Throughput + 0.15*s.Stability
	s.Level = levelFor(s.Overall, m)
	return s
}

func scoreLatency(ms float64) float64 {
	switch {
	case ms <= 50:
		return 1.0
	case ms <= 150:
		return 0.8
	case ms <= 300:
		return 0.6
	case ms <= 1000:
		return 0.3
	default:
		return 0.1
	}
}

func scoreThroughput(rps, latencyMs float64) float64 {
	base := math.Min(rps/10, 1)
	penalty := math.Min(latencyMs/1000, 0.5)
	return math.Max(base-penalty, 0)
}

func scoreStability(jitterMs float64) float64 {
	switch {
	case jitterMs <= 10:
		return 1.0
	case jitterMs <= 50:
		return 0.8
	case jitterMs <= 100:
		return 0.6
	case jitterMs <= 200:
		return 0.3
	default:
		return 0.1
	}
}

func levelFor(overall float64, m Metrics) Level {
	if m.SuccessRate < 0.5 || m.AverageLatencyMs > 2000 {
		return LevelCritical
	}
	switch {
	case overall >= 0.9:
		return LevelExcellent
	case overall >= 0.75:
		return LevelGood
	case overall >= 0.5:
		return LevelFair
	case overall >= 0.25:
		return LevelPoor
	default:
		return LevelCritical
	}
}

// stddev is the sample standard deviation; 0 for fewer than two values.
func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)-1))
}
