// Package conn owns the streaming transport to the recognition backend:
// the connect/reconnect state machine, exponential backoff, heartbeats, the
// bounded outbound queue, and connection quality metrics.
package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/lt-engine/internal/metrics"
)

// State is the connection lifecycle state. It is driven exclusively by the
// manager's state machine and read-only everywhere else.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Quality is the composite connection quality bucket exposed for UX
// decisions. The manager itself never alters behavior based on it.
type Quality string

const (
	QualityGood Quality = "good"
	QualityFair Quality = "fair"
	QualityPoor Quality = "poor"
)

var errHeartbeatTimeout = errors.New("heartbeat timeout: no pong within interval")

// latencyThreshold is the round-trip latency above which the latency
// component of the quality score bottoms out.
const latencyThreshold = 250 * time.Millisecond

const latencyWindow = 32

// Options configures a Manager. Zero fields get defaults.
type Options struct {
	URL       string
	Transport Transport

	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	MaxReconnectAttempts int
	BaseReconnectDelay   time.Duration
	MaxReconnectDelay    time.Duration
	DecayFactor          float64
	MaxQueueSize         int

	// OnMessage receives every inbound message. Called from the read loop
	// goroutine; the callback must do its own serialization.
	OnMessage func(data []byte)
	// OnStateChange fires on every state transition.
	OnStateChange func(s State)

	Log zerolog.Logger
}

// Metrics is a read-only snapshot of the connection's health counters.
type Metrics struct {
	State             State   `json:"state"`
	UptimeSeconds     int64   `json:"uptime_seconds"`
	ReconnectAttempts int     `json:"reconnect_attempts"`
	LatencyMs         int64   `json:"latency_ms"`
	AvgLatencyMs      int64   `json:"avg_latency_ms"`
	MessagesSent      int64   `json:"messages_sent"`
	MessagesReceived  int64   `json:"messages_received"`
	QueueDepth        int     `json:"queue_depth"`
	QueueDropped      int64   `json:"queue_dropped"`
	Errors            int64   `json:"errors"`
	HeartbeatTimeouts int64   `json:"heartbeat_timeouts"`
	LastError         string  `json:"last_error,omitempty"`
	Quality           Quality `json:"quality"`
}

// Manager runs the streaming connection. All state lives behind one mutex;
// timers and the read loop re-check the connection generation under that
// mutex, so callbacks from a torn-down connection are ignored.
type Manager struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	gen      uint64
	attempts int
	queue    *sendQueue

	sent              int64
	received          int64
	errorCount        int64
	heartbeatTimeouts int64
	lastError         string

	startedAt      time.Time
	connectedAt    time.Time
	connectedTotal time.Duration

	awaitingPong   bool
	pingSentAt     time.Time
	latencies      []time.Duration
	currentLatency time.Duration

	heartbeatTimer *time.Timer
	reconnectTimer *time.Timer
	sustainTimer   *time.Timer
}

// New creates a manager in the disconnected state.
func New(opts Options) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 10
	}
	if opts.BaseReconnectDelay <= 0 {
		opts.BaseReconnectDelay = 500 * time.Millisecond
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = 30 * time.Second
	}
	if opts.DecayFactor <= 1 {
		opts.DecayFactor = 2
	}
	return &Manager{
		opts:      opts,
		log:       opts.Log.With().Str("component", "conn").Logger(),
		state:     StateDisconnected,
		queue:     newSendQueue(opts.MaxQueueSize),
		startedAt: time.Now(),
	}
}

// Connect dials the backend, blocking until the transport opens or the dial
// timeout elapses. A timeout counts as a connection failure, not a hang; the
// reconnect schedule keeps running in the background either way. Connecting
// manually resets the attempt counter.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.attempts = 0
	m.mu.Unlock()
	return m.dial(ctx)
}

// Disconnect tears down the connection and all scheduled timers. It is safe
// to call from any state; a later Connect starts fresh.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopTimersLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	st, changed := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	m.notify(st, changed)
	m.log.Info().Msg("disconnected")
}

// Send enqueues data for delivery. It never blocks: while not connected the
// message waits in the bounded queue, and on overflow the oldest queued
// message is dropped. Delivery success surfaces through metrics.
func (m *Manager) Send(data []byte) {
	m.mu.Lock()
	if m.state == StateConnected && m.conn != nil && m.queue.len() == 0 {
		if err := m.conn.WriteMessage(data); err != nil {
			m.queue.push(data)
			st, changed := m.handleFailureLocked(err)
			m.mu.Unlock()
			m.notify(st, changed)
			return
		}
		m.sent++
		m.mu.Unlock()
		return
	}
	if m.queue.push(data) {
		metrics.QueueDroppedTotal.Inc()
	}
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Metrics returns a snapshot of the connection health counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var uptime time.Duration
	if m.state == StateConnected {
		uptime = time.Since(m.connectedAt)
	}
	var avg time.Duration
	if len(m.latencies) > 0 {
		var sum time.Duration
		for _, d := range m.latencies {
			sum += d
		}
		avg = sum / time.Duration(len(m.latencies))
	}

	snap := Metrics{
		State:             m.state,
		UptimeSeconds:     int64(uptime.Seconds()),
		ReconnectAttempts: m.attempts,
		LatencyMs:         m.currentLatency.Milliseconds(),
		AvgLatencyMs:      avg.Milliseconds(),
		MessagesSent:      m.sent,
		MessagesReceived:  m.received,
		QueueDepth:        m.queue.len(),
		QueueDropped:      m.queue.droppedTotal(),
		Errors:            m.errorCount,
		HeartbeatTimeouts: m.heartbeatTimeouts,
		LastError:         m.lastError,
	}
	snap.Quality = m.qualityLocked(avg)
	return snap
}

// qualityLocked combines latency, stability, and error rate into one bucket.
func (m *Manager) qualityLocked(avgLatency time.Duration) Quality {
	latencyScore := 1.0
	if avgLatency > 0 {
		ratio := float64(avgLatency) / float64(latencyThreshold)
		if ratio > 1 {
			ratio = 1
		}
		latencyScore = 1 - ratio
	}

	elapsed := time.Since(m.startedAt)
	connected := m.connectedTotal
	if m.state == StateConnected {
		connected += time.Since(m.connectedAt)
	}
	stability := 1.0
	if elapsed > 0 {
		stability = float64(connected) / float64(elapsed)
		if stability > 1 {
			stability = 1
		}
	}

	errRate := 0.0
	if total := m.sent + m.received + m.errorCount; total > 0 {
		errRate = float64(m.errorCount) / float64(total)
	}

	score := 0.4*latencyScore + 0.4*stability + 0.2*(1-errRate)
	switch {
	case score >= 0.8:
		return QualityGood
	case score >= 0.5:
		return QualityFair
	default:
		return QualityPoor
	}
}

func (m *Manager) dial(ctx context.Context) error {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	st, changed := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.notify(st, changed)

	dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	c, err := m.opts.Transport.Dial(dctx, m.opts.URL)
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if c != nil {
			c.Close()
		}
		return nil
	}
	if err != nil {
		m.recordErrorLocked(err)
		st, changed = m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.notify(st, changed)
		return err
	}
	st, changed = m.onOpenLocked(c, gen)
	m.mu.Unlock()
	m.notify(st, changed)
	return nil
}

func (m *Manager) onOpenLocked(c Conn, gen uint64) (State, bool) {
	m.conn = c
	m.connectedAt = time.Now()
	m.awaitingPong = false
	c.SetPongHandler(func() { m.onPong(gen) })
	st, changed := m.setStateLocked(StateConnected)
	m.log.Info().Str("url", m.opts.URL).Msg("connected")

	go m.readLoop(c, gen)
	m.scheduleHeartbeatLocked(gen)

	// The attempt counter only resets once the connection survives a full
	// heartbeat interval; a flapping link keeps climbing the backoff curve.
	m.sustainTimer = time.AfterFunc(m.opts.HeartbeatInterval, func() {
		m.mu.Lock()
		if m.gen == gen && m.state == StateConnected {
			m.attempts = 0
		}
		m.mu.Unlock()
	})

	m.drainLocked()
	return st, changed
}

// drainLocked flushes the outbound queue in order before new sends proceed.
func (m *Manager) drainLocked() {
	for m.conn != nil {
		data, ok := m.queue.pop()
		if !ok {
			return
		}
		if err := m.conn.WriteMessage(data); err != nil {
			m.queue.pushFront(data)
			m.recordErrorLocked(err)
			return
		}
		m.sent++
	}
}

func (m *Manager) readLoop(c Conn, gen uint64) {
	for {
		data, err := c.ReadMessage()
		if err != nil {
			m.onConnError(gen, err)
			return
		}
		m.mu.Lock()
		stale := gen != m.gen
		if !stale {
			m.received++
		}
		m.mu.Unlock()
		if stale {
			return
		}
		if m.opts.OnMessage != nil {
			m.opts.OnMessage(data)
		}
	}
}

func (m *Manager) onConnError(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.state == StateDisconnected || m.state == StateError {
		m.mu.Unlock()
		return
	}
	st, changed := m.handleFailureLocked(err)
	m.mu.Unlock()
	m.notify(st, changed)
}

// handleFailureLocked tears down the current connection and moves to
// reconnecting (or error once attempts are exhausted).
func (m *Manager) handleFailureLocked(err error) (State, bool) {
	m.gen++
	m.stopTimersLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.recordErrorLocked(err)
	return m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() (State, bool) {
	m.attempts++
	metrics.ReconnectsTotal.Inc()
	if m.attempts > m.opts.MaxReconnectAttempts {
		m.log.Error().Int("attempts", m.attempts-1).Msg("reconnect attempts exhausted")
		return m.setStateLocked(StateError)
	}

	delay := Delay(m.attempts, m.opts.BaseReconnectDelay, m.opts.MaxReconnectDelay, m.opts.DecayFactor)
	m.log.Warn().Int("attempt", m.attempts).Dur("delay", delay).Msg("scheduling reconnect")
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		proceed := m.state == StateReconnecting
		m.mu.Unlock()
		if proceed {
			m.dial(context.Background())
		}
	})
	return m.setStateLocked(StateReconnecting)
}

func (m *Manager) scheduleHeartbeatLocked(gen uint64) {
	if m.opts.HeartbeatInterval <= 0 {
		return
	}
	m.heartbeatTimer = time.AfterFunc(m.opts.HeartbeatInterval, func() {
		m.heartbeatTick(gen)
	})
}

// heartbeatTick sends a ping, or treats an unanswered previous ping as a
// connection failure. Silent half-open connections are detected here rather
// than waiting for the transport's own close event.
func (m *Manager) heartbeatTick(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return
	}
	if m.awaitingPong {
		m.heartbeatTimeouts++
		metrics.HeartbeatTimeoutsTotal.Inc()
		st, changed := m.handleFailureLocked(errHeartbeatTimeout)
		m.mu.Unlock()
		m.notify(st, changed)
		return
	}
	m.awaitingPong = true
	m.pingSentAt = time.Now()
	if err := m.conn.WritePing(nil); err != nil {
		st, changed := m.handleFailureLocked(err)
		m.mu.Unlock()
		m.notify(st, changed)
		return
	}
	m.scheduleHeartbeatLocked(gen)
	m.mu.Unlock()
}

func (m *Manager) onPong(gen uint64) {
	m.mu.Lock()
	if gen == m.gen && m.awaitingPong {
		m.awaitingPong = false
		sample := time.Since(m.pingSentAt)
		m.currentLatency = sample
		m.latencies = append(m.latencies, sample)
		if len(m.latencies) > latencyWindow {
			m.latencies = m.latencies[1:]
		}
	}
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(s State) (State, bool) {
	if m.state == s {
		return s, false
	}
	if m.state == StateConnected {
		m.connectedTotal += time.Since(m.connectedAt)
	}
	m.state = s
	if s == StateConnected {
		metrics.ConnectionUp.Set(1)
	} else {
		metrics.ConnectionUp.Set(0)
	}
	return s, true
}

func (m *Manager) notify(s State, changed bool) {
	if changed && m.opts.OnStateChange != nil {
		m.opts.OnStateChange(s)
	}
}

func (m *Manager) stopTimersLocked() {
	for _, t := range []*time.Timer{m.heartbeatTimer, m.reconnectTimer, m.sustainTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.heartbeatTimer = nil
	m.reconnectTimer = nil
	m.sustainTimer = nil
}

func (m *Manager) recordErrorLocked(err error) {
	m.errorCount++
	m.lastError = err.Error()
}
