// Package broker fans synthesized audio out to the listeners of a stream
// and keeps their websocket connections alive with an application-level
// ping/pong protocol.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/hvanleeuwen/tolkbrug/internal/observe"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

// KeepaliveMessage is the application-level keepalive frame exchanged on
// both the speaker and listener channels.
type KeepaliveMessage struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

// PingPayload is the text frame sent to listeners on the keepalive schedule.
var PingPayload = []byte(`{"type":"keepalive","action":"ping"}`)

// IsPong reports whether raw is a keepalive pong frame.
func IsPong(raw []byte) bool {
	var msg KeepaliveMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return false
	}
	return msg.Type == "keepalive" && msg.Action == "pong"
}

// Socket is the slice of a websocket connection the manager uses.
// *websocket.Conn satisfies it.
type Socket interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// ManagerConfig tunes the keepalive protocol. Zero values fall back to
// defaults.
type ManagerConfig struct {
	// PingInterval is how often each listener is pinged. Default: 30s.
	PingInterval time.Duration

	// PongTimeout is how long after a ping a pong must arrive. Default: 10s.
	PongTimeout time.Duration
}

// listener is one subscribed socket plus its keepalive bookkeeping. The
// write mutex serializes broadcast and keepalive writes to the socket; the
// timestamp fields are guarded by the manager mutex.
type listener struct {
	sock     Socket
	streamID string

	writeMu sync.Mutex

	connectedAt  time.Time
	lastPingSent time.Time
	lastPongSeen time.Time
}

// write performs one serialized write to the socket.
func (l *listener) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.sock.Write(ctx, typ, data)
}

// ConnStats describes one listener connection for observability.
type ConnStats struct {
	StreamID     string        `json:"stream_id"`
	ConnectedFor time.Duration `json:"connected_for"`
	SincePing    time.Duration `json:"since_ping"`
	SincePong    time.Duration `json:"since_pong"`
	Healthy      bool          `json:"healthy"`
}

// KeepaliveStats is a snapshot of the keepalive machinery.
type KeepaliveStats struct {
	TotalConnections int           `json:"total_connections"`
	ActiveStreams    int           `json:"active_streams"`
	PingInterval     time.Duration `json:"ping_interval"`
	PongTimeout      time.Duration `json:"pong_timeout"`
	Broadcasts       int64         `json:"broadcasts"`
	PongTimeouts     int64         `json:"pong_timeouts"`
	Connections      []ConnStats   `json:"connections"`
}

// Manager owns the per-stream listener sets. Safe for concurrent use.
type Manager struct {
	pingInterval time.Duration
	pongTimeout  time.Duration

	mu       sync.Mutex
	streams  map[string]map[Socket]*listener
	byConn   map[Socket]*listener
	bcasts   int64
	timeouts int64

	metrics *observe.Metrics
	now     func() time.Time
}

// NewManager creates a Manager. Run must be started for keepalive to work.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	return &Manager{
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		streams:      make(map[string]map[Socket]*listener),
		byConn:       make(map[Socket]*listener),
		metrics:      observe.DefaultMetrics(),
		now:          time.Now,
	}
}

// AddListener subscribes sock to streamID. Re-adding an existing socket is
// a no-op.
func (m *Manager) AddListener(streamID string, sock Socket) {
	m.mu.Lock()
	set, ok := m.streams[streamID]
	if !ok {
		set = make(map[Socket]*listener)
		m.streams[streamID] = set
	}
	if _, exists := set[sock]; exists {
		m.mu.Unlock()
		slog.Warn("listener already subscribed", "stream_id", streamID)
		return
	}
	now := m.now()
	set[sock] = &listener{
		sock:         sock,
		streamID:     streamID,
		connectedAt:  now,
		lastPongSeen: now,
	}
	m.byConn[sock] = set[sock]
	total := len(set)
	m.mu.Unlock()

	m.metrics.ActiveListeners.Add(context.Background(), 1)
	slog.Info("listener added", "stream_id", streamID, "listeners", total)
}

// RemoveListener unsubscribes sock from streamID. Empty streams are deleted.
func (m *Manager) RemoveListener(streamID string, sock Socket) {
	m.mu.Lock()
	removed := m.removeLocked(streamID, sock)
	m.mu.Unlock()
	if removed {
		m.metrics.ActiveListeners.Add(context.Background(), -1)
		slog.Info("listener removed", "stream_id", streamID)
	}
}

// removeLocked removes sock from streamID's set. Caller holds m.mu.
func (m *Manager) removeLocked(streamID string, sock Socket) bool {
	set, ok := m.streams[streamID]
	if !ok {
		return false
	}
	if _, exists := set[sock]; !exists {
		return false
	}
	delete(set, sock)
	delete(m.byConn, sock)
	if len(set) == 0 {
		delete(m.streams, streamID)
	}
	return true
}

// ListenerCount returns how many listeners streamID currently has.
func (m *Manager) ListenerCount(streamID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams[streamID])
}

// ActiveStreams returns the number of streams with at least one listener.
func (m *Manager) ActiveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Broadcast sends one binary frame to every current listener of streamID
// and returns how many received it. Dead listeners are collected first;
// listeners whose write fails are removed, never aborting the broadcast.
func (m *Manager) Broadcast(ctx context.Context, streamID string, data []byte) int {
	m.CleanupDeadConnections(streamID)

	m.mu.Lock()
	targets := make([]*listener, 0, len(m.streams[streamID]))
	for _, l := range m.streams[streamID] {
		targets = append(targets, l)
	}
	m.bcasts++
	m.mu.Unlock()

	if len(targets) == 0 {
		slog.Debug("no listeners, broadcast skipped", "stream_id", streamID)
		return 0
	}

	delivered := 0
	for _, l := range targets {
		if err := l.write(ctx, websocket.MessageBinary, data); err != nil {
			slog.Error("broadcast write failed, removing listener",
				"stream_id", streamID, "error", err)
			m.RemoveListener(streamID, l.sock)
			continue
		}
		delivered++
	}
	m.metrics.RecordBroadcast(ctx, "audio")
	slog.Info("broadcast delivered",
		"stream_id", streamID, "bytes", len(data), "listeners", delivered)
	return delivered
}

// CleanupDeadConnections removes listeners of streamID whose pong deadline
// has passed and returns how many were removed.
func (m *Manager) CleanupDeadConnections(streamID string) int {
	now := m.now()
	m.mu.Lock()
	var dead []*listener
	for _, l := range m.streams[streamID] {
		if m.expiredLocked(l, now) {
			dead = append(dead, l)
		}
	}
	for _, l := range dead {
		m.removeLocked(streamID, l.sock)
		m.timeouts++
	}
	m.mu.Unlock()

	for _, l := range dead {
		m.metrics.ActiveListeners.Add(context.Background(), -1)
		_ = l.sock.Close(websocket.StatusGoingAway, "keepalive timeout")
		slog.Info("dead listener removed", "stream_id", streamID)
	}
	return len(dead)
}

// expiredLocked reports whether l's latest ping went unanswered past the
// pong deadline. A listener that was never pinged cannot expire. Caller
// holds m.mu.
func (m *Manager) expiredLocked(l *listener, now time.Time) bool {
	return !l.lastPingSent.IsZero() &&
		l.lastPongSeen.Before(l.lastPingSent) &&
		now.Sub(l.lastPingSent) > m.pongTimeout
}

// HandlePong records a pong from sock.
func (m *Manager) HandlePong(sock Socket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.byConn[sock]; ok {
		l.lastPongSeen = m.now()
		slog.Debug("pong received", "stream_id", l.streamID)
	}
}

// Run drives the keepalive loop until ctx is cancelled. The sweep runs at
// the finer of the two intervals so pong deadlines are enforced promptly.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(min(m.pingInterval, m.pongTimeout))
	defer ticker.Stop()
	slog.Info("keepalive monitor started",
		"ping_interval", m.pingInterval, "pong_timeout", m.pongTimeout)
	for {
		select {
		case <-ctx.Done():
			slog.Info("keepalive monitor stopped")
			return nil
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep pings every listener due for one and drops those that missed their
// pong deadline.
func (m *Manager) sweep(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var due, dead []*listener
	for _, l := range m.byConn {
		switch {
		case m.expiredLocked(l, now):
			dead = append(dead, l)
		case now.Sub(l.lastPingSent) >= m.pingInterval:
			due = append(due, l)
		}
	}
	for _, l := range dead {
		m.removeLocked(l.streamID, l.sock)
		m.timeouts++
	}
	m.mu.Unlock()

	for _, l := range dead {
		m.metrics.ActiveListeners.Add(context.Background(), -1)
		_ = l.sock.Close(websocket.StatusGoingAway, "keepalive timeout")
		slog.Warn("listener timed out waiting for pong", "stream_id", l.streamID)
	}

	for _, l := range due {
		if err := l.write(ctx, websocket.MessageText, PingPayload); err != nil {
			slog.Info("ping failed, removing listener",
				"stream_id", l.streamID, "error", err)
			m.RemoveListener(l.streamID, l.sock)
			continue
		}
		m.mu.Lock()
		l.lastPingSent = m.now()
		m.mu.Unlock()
	}
}

// KeepaliveStats returns a snapshot for the observability endpoints.
func (m *Manager) KeepaliveStats() KeepaliveStats {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := KeepaliveStats{
		TotalConnections: len(m.byConn),
		ActiveStreams:    len(m.streams),
		PingInterval:     m.pingInterval,
		PongTimeout:      m.pongTimeout,
		Broadcasts:       m.bcasts,
		PongTimeouts:     m.timeouts,
	}
	for _, l := range m.byConn {
		sincePing := time.Duration(0)
		if !l.lastPingSent.IsZero() {
			sincePing = now.Sub(l.lastPingSent)
		}
		stats.Connections = append(stats.Connections, ConnStats{
			StreamID:     l.streamID,
			ConnectedFor: now.Sub(l.connectedAt),
			SincePing:    sincePing,
			SincePong:    now.Sub(l.lastPongSeen),
			Healthy:      !m.expiredLocked(l, now),
		})
	}
	return stats
}

// CloseAll disconnects every listener. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	listeners := make([]*listener, 0, len(m.byConn))
	for _, l := range m.byConn {
		listeners = append(listeners, l)
	}
	m.streams = make(map[string]map[Socket]*listener)
	m.byConn = make(map[Socket]*listener)
	m.mu.Unlock()

	for _, l := range listeners {
		m.metrics.ActiveListeners.Add(context.Background(), -1)
		_ = l.sock.Close(websocket.StatusGoingAway, "server shutting down")
	}
	if len(listeners) > 0 {
		slog.Info("all listeners disconnected", "count", len(listeners))
	}
}
