// Package fallback decides, per speaker stream, whether recognition runs
// streaming or buffered, and when a degraded stream may try streaming
// again.
//
// The orchestrator is deliberately pessimistic: any error in streaming
// mode falls the stream back to buffered immediately, while recovery back
// to streaming is gated on a cool-down interval, an attempt budget and
// process-wide failure guards.
package fallback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hvanleeuwen/tolkbrug/internal/pipeline"
	"github.com/hvanleeuwen/tolkbrug/internal/quality"
	"github.com/hvanleeuwen/tolkbrug/pkg/types"
)

// Reason names what drove a mode transition.
type Reason string

const (
	ReasonStreamingError    Reason = "streaming_error"
	ReasonConnectionQuality Reason = "connection_quality"
	ReasonAPIQuota          Reason = "api_quota"
	ReasonTimeout           Reason = "timeout"
	ReasonResourceLimit     Reason = "resource_limit"
	ReasonRecovery          Reason = "recovery"
)

// ClassifyError maps an engine error to a fallback reason.
func ClassifyError(err error) Reason {
	switch pipeline.Classify(err) {
	case pipeline.KindQuota:
		return ReasonAPIQuota
	case pipeline.KindTimeout:
		return ReasonTimeout
	case pipeline.KindConnection:
		return ReasonConnectionQuality
	case pipeline.KindResource:
		return ReasonResourceLimit
	default:
		return ReasonStreamingError
	}
}

const (
	defaultFailureThreshold    = 3
	defaultRecoveryInterval    = 60 * time.Second
	defaultMaxRecoveryAttempts = 5
	defaultQualityThreshold    = 0.6

	// Global guards: force fallback when the whole process is failing,
	// and block recovery while failures are still fresh.
	globalFailureWindow   = 5 * time.Minute
	globalFailureGuard    = 10
	recoveryFailureWindow = 3 * time.Minute
	recoveryFailureGuard  = 5

	maxConcurrentRecoveries = 3

	eventRingCap = 1000

	// defaultStreamTTL is how long an idle stream's status is kept.
	defaultStreamTTL = time.Hour
)

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	// FailureThreshold is the consecutive failure count that forces
	// fallback. Default: 3.
	FailureThreshold int

	// RecoveryInterval is the cool-down after the last failure before a
	// recovery attempt. Default: 60s.
	RecoveryInterval time.Duration

	// MaxRecoveryAttempts bounds recovery attempts per stream. Default: 5.
	MaxRecoveryAttempts int

	// QualityThreshold is the connection score below which streaming is
	// not attempted. Default: 0.6.
	QualityThreshold float64
}

// AudioCharacteristics is the chunk-shape summary DecideMode weighs.
type AudioCharacteristics struct {
	// Frequency is chunks per second.
	Frequency float64

	// ChunkSize is the average chunk size in bytes.
	ChunkSize int
}

// Event records one mode transition.
type Event struct {
	StreamID string
	At       time.Time
	From     types.ProcessingMode
	To       types.ProcessingMode
	Reason   Reason
	Message  string
}

// StreamStats is a snapshot of one stream's status.
type StreamStats struct {
	Mode                types.ProcessingMode
	FailureCount        int
	ConsecutiveFailures int
	RecoveryAttempts    int
	LastFailureAt       time.Time
	LastSuccessAt       time.Time
	TotalProcessing     time.Duration
}

// GlobalStats is a snapshot of orchestrator-wide counters.
type GlobalStats struct {
	ActiveStreams   int
	TotalFallbacks  int64
	TotalRecoveries int64
	ForcedFallbacks int64
	ModeSwitches    int64
	ReasonCounts    map[Reason]int64
	RecentFallbacks int
}

type streamStatus struct {
	mode                types.ProcessingMode
	failureCount        int
	consecutiveFailures int
	recoveryAttempts    int
	lastFailureAt       time.Time
	lastSuccessAt       time.Time
	totalProcessing     time.Duration
}

// Orchestrator is the per-stream mode state machine. Safe for concurrent
// use.
type Orchestrator struct {
	mu sync.Mutex

	cfg Config

	streams       map[string]*streamStatus
	lastFailureAt map[string]time.Time
	events        []Event
	reasonCounts  map[Reason]int64

	totalFallbacks  int64
	totalRecoveries int64
	forcedFallbacks int64
	modeSwitches    int64

	now func() time.Time
}

// New creates an Orchestrator. New streams start in streaming mode.
func New(cfg Config) *Orchestrator {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = defaultRecoveryInterval
	}
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = defaultMaxRecoveryAttempts
	}
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = defaultQualityThreshold
	}
	return &Orchestrator{
		cfg:           cfg,
		streams:       make(map[string]*streamStatus),
		lastFailureAt: make(map[string]time.Time),
		reasonCounts:  make(map[Reason]int64),
		now:           time.Now,
	}
}

// DecideMode returns the processing mode the stream should use right now.
// metrics may be nil when the monitor has no recent samples.
func (o *Orchestrator) DecideMode(streamID string, metrics *quality.Metrics, chars *AudioCharacteristics) types.ProcessingMode {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := o.status(streamID)

	if o.forceFallback(status) {
		return types.ModeBuffered
	}

	if metrics != nil {
		score := connectionScore(*metrics)
		if score < o.cfg.QualityThreshold {
			slog.Debug("poor connection, using buffered mode",
				"stream_id", streamID, "score", score)
			return types.ModeBuffered
		}
	}

	if chars != nil {
		if chars.Frequency > 8 || chars.ChunkSize > 5000 {
			return types.ModeStreaming
		}
		if chars.Frequency < 3 && chars.ChunkSize < 2000 {
			return types.ModeBuffered
		}
	}

	return status.mode
}

// HandleError records a processing error and returns true when it
// triggered a fallback to buffered mode.
func (o *Orchestrator) HandleError(streamID string, err error, currentMode types.ProcessingMode) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := o.status(streamID)
	reason := ClassifyError(err)
	o.recordFailureLocked(streamID, status, reason)

	slog.Warn("processing error",
		"stream_id", streamID, "reason", reason, "error", err)

	shouldFallback := status.consecutiveFailures >= o.cfg.FailureThreshold ||
		reason == ReasonAPIQuota ||
		reason == ReasonResourceLimit ||
		currentMode == types.ModeStreaming

	if !shouldFallback {
		return false
	}
	o.transition(streamID, status, currentMode, types.ModeBuffered, reason, err.Error())
	return true
}

// RecordSuccess resets the stream's consecutive failure counter.
func (o *Orchestrator) RecordSuccess(streamID string, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := o.status(streamID)
	status.lastSuccessAt = o.now()
	status.consecutiveFailures = 0
	status.totalProcessing += elapsed
}

// RecordFailure records a failure without an error object and falls the
// stream back when it crosses the threshold.
func (o *Orchestrator) RecordFailure(streamID string, reason Reason) {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := o.status(streamID)
	o.recordFailureLocked(streamID, status, reason)

	if status.consecutiveFailures >= o.cfg.FailureThreshold {
		o.transition(streamID, status, status.mode, types.ModeBuffered, reason, "")
	}
}

// ShouldAttemptRecovery reports whether the stream may try streaming
// again: buffered mode, attempt budget left, cool-down elapsed and global
// conditions calm.
func (o *Orchestrator) ShouldAttemptRecovery(streamID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recoveryAllowed(streamID, o.status(streamID))
}

// AttemptRecovery moves the stream back to streaming when allowed and
// returns whether it did.
func (o *Orchestrator) AttemptRecovery(streamID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := o.status(streamID)
	if !o.recoveryAllowed(streamID, status) {
		return false
	}

	status.recoveryAttempts++
	o.transition(streamID, status, types.ModeBuffered, types.ModeStreaming, ReasonRecovery, "")
	o.totalRecoveries++
	slog.Info("recovery attempt",
		"stream_id", streamID, "attempt", status.recoveryAttempts)
	return true
}

// Mode returns the stream's current mode; unknown streams report
// streaming, the starting mode.
func (o *Orchestrator) Mode(streamID string) types.ProcessingMode {
	o.mu.Lock()
	defer o.mu.Unlock()
	if status, ok := o.streams[streamID]; ok {
		return status.mode
	}
	return types.ModeStreaming
}

// SetMode pins the stream's mode directly, bypassing the event log.
func (o *Orchestrator) SetMode(streamID string, mode types.ProcessingMode) {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := o.status(streamID)
	if status.mode != mode {
		o.modeSwitches++
	}
	status.mode = mode
}

// RecentEvents returns up to limit most recent transitions, oldest first.
func (o *Orchestrator) RecentEvents(limit int) []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit <= 0 || limit > len(o.events) {
		limit = len(o.events)
	}
	out := make([]Event, limit)
	copy(out, o.events[len(o.events)-limit:])
	return out
}

// StreamStats returns the status snapshot for streamID.
func (o *Orchestrator) StreamStats(streamID string) (StreamStats, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	status, ok := o.streams[streamID]
	if !ok {
		return StreamStats{}, false
	}
	return StreamStats{
		Mode:                status.mode,
		FailureCount:        status.failureCount,
		ConsecutiveFailures: status.consecutiveFailures,
		RecoveryAttempts:    status.recoveryAttempts,
		LastFailureAt:       status.lastFailureAt,
		LastSuccessAt:       status.lastSuccessAt,
		TotalProcessing:     status.totalProcessing,
	}, true
}

// Stats returns orchestrator-wide counters.
func (o *Orchestrator) Stats() GlobalStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	reasons := make(map[Reason]int64, len(o.reasonCounts))
	for r, n := range o.reasonCounts {
		reasons[r] = n
	}
	recent := 0
	cutoff := o.now().Add(-globalFailureWindow)
	for _, e := range o.events {
		if !e.At.Before(cutoff) {
			recent++
		}
	}
	return GlobalStats{
		ActiveStreams:   len(o.streams),
		TotalFallbacks:  o.totalFallbacks,
		TotalRecoveries: o.totalRecoveries,
		ForcedFallbacks: o.forcedFallbacks,
		ModeSwitches:    o.modeSwitches,
		ReasonCounts:    reasons,
		RecentFallbacks: recent,
	}
}

// ResetStream drops all state for streamID.
func (o *Orchestrator) ResetStream(streamID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.streams, streamID)
	delete(o.lastFailureAt, streamID)
}

// CleanupIdleStreams removes streams with no activity for maxAge
// (defaulting to one hour) and returns how many were removed.
func (o *Orchestrator) CleanupIdleStreams(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = defaultStreamTTL
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := o.now().Add(-maxAge)
	removed := 0
	for id, status := range o.streams {
		last := status.lastFailureAt
		if status.lastSuccessAt.After(last) {
			last = status.lastSuccessAt
		}
		if last.Before(cutoff) {
			delete(o.streams, id)
			delete(o.lastFailureAt, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("cleaned up idle stream statuses", "removed", removed)
	}
	return removed
}

// status returns or creates the stream's status. Caller holds o.mu.
func (o *Orchestrator) status(streamID string) *streamStatus {
	s, ok := o.streams[streamID]
	if !ok {
		s = &streamStatus{mode: types.ModeStreaming}
		o.streams[streamID] = s
	}
	return s
}

// recordFailureLocked updates failure bookkeeping. Caller holds o.mu.
func (o *Orchestrator) recordFailureLocked(streamID string, status *streamStatus, reason Reason) {
	now := o.now()
	status.failureCount++
	status.consecutiveFailures++
	status.lastFailureAt = now
	o.lastFailureAt[streamID] = now
	o.reasonCounts[reason]++
}

// forceFallback reports whether the stream or the process as a whole is
// failing hard enough to force buffered mode. Caller holds o.mu.
func (o *Orchestrator) forceFallback(status *streamStatus) bool {
	if status.consecutiveFailures >= o.cfg.FailureThreshold {
		return true
	}
	return o.recentGlobalFailures(globalFailureWindow) > globalFailureGuard
}

// recoveryAllowed checks every gate on re-entering streaming. Caller
// holds o.mu.
func (o *Orchestrator) recoveryAllowed(streamID string, status *streamStatus) bool {
	if status.mode != types.ModeBuffered {
		return false
	}
	if status.recoveryAttempts >= o.cfg.MaxRecoveryAttempts {
		return false
	}

	last := status.lastFailureAt
	if global, ok := o.lastFailureAt[streamID]; ok && global.After(last) {
		last = global
	}
	if !last.IsZero() && o.now().Sub(last) < o.cfg.RecoveryInterval {
		return false
	}

	if o.recentGlobalFailures(recoveryFailureWindow) >= recoveryFailureGuard {
		return false
	}

	active := 0
	for _, s := range o.streams {
		if s.mode == types.ModeStreaming && s.recoveryAttempts > 0 {
			active++
		}
	}
	return active <= maxConcurrentRecoveries
}

// recentGlobalFailures counts streams whose last failure is inside the
// window. Caller holds o.mu.
func (o *Orchestrator) recentGlobalFailures(window time.Duration) int {
	cutoff := o.now().Add(-window)
	n := 0
	for _, t := range o.lastFailureAt {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}

// transition flips the stream's mode and appends to the bounded event
// ring. Caller holds o.mu.
func (o *Orchestrator) transition(streamID string, status *streamStatus, from, to types.ProcessingMode, reason Reason, message string) {
	status.mode = to

	o.events = append(o.events, Event{
		StreamID: streamID,
		At:       o.now(),
		From:     from,
		To:       to,
		Reason:   reason,
		Message:  message,
	})
	if len(o.events) > eventRingCap {
		o.events = o.events[len(o.events)-eventRingCap:]
	}

	o.modeSwitches++
	if reason != ReasonRecovery {
		o.totalFallbacks++
	}
	if reason == ReasonAPIQuota || reason == ReasonResourceLimit {
		o.forcedFallbacks++
	}

	slog.Info("mode transition",
		"stream_id", streamID, "from", from, "to", to, "reason", reason)
}

// connectionScore is the orchestrator's cheap quality estimate: latency
// normalized against one second plus raw success rate.
func connectionScore(m quality.Metrics) float64 {
	latency := max(0, 1-m.AverageLatencyMs/1000)
	return latency*0.4 + m.SuccessRate*0.6
}
