package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carelink/realtime/internal/logging"
)

// Default liveness thresholds.
const (
	DefaultStaleAfter = 40 * time.Second
	DefaultPongWindow = 5 * time.Second
)

// WakeReason names the trigger behind a liveness probe.
type WakeReason string

const (
	WakeVisible  WakeReason = "visible"
	WakeFocus    WakeReason = "focus"
	WakeOnline   WakeReason = "online"
	WakeInterval WakeReason = "interval"
)

// Prober is the monitor's view of its connection.
type Prober interface {
	// SocketOpen reports whether a transport socket is currently open.
	SocketOpen() bool
	// SendPing writes a lightweight probe frame.
	SendPing() error
	// ForceReconnect closes the socket and schedules a reconnect.
	ForceReconnect(reason string)
}

// HeartbeatMonitor declares a connection stale and requests reconnection.
// It is event-driven, not a fixed-interval poll: probes fire on discrete
// wake events (tab visible, window focus, network online) and on an
// opportunistic elapsed-time check. Any inbound frame counts as proof of
// liveness.
type HeartbeatMonitor struct {
	staleAfter time.Duration
	pongWindow time.Duration
	prober     Prober
	logger     *logging.Logger
	clock      func() time.Time

	mu           sync.Mutex
	lastBeat     time.Time
	awaitingPong bool
	probeGen     uint64
	disabled     bool
}

// NewHeartbeatMonitor creates a monitor; non-positive thresholds fall back
// to the defaults.
func NewHeartbeatMonitor(staleAfter, pongWindow time.Duration, prober Prober, logger *logging.Logger) *HeartbeatMonitor {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if pongWindow <= 0 {
		pongWindow = DefaultPongWindow
	}
	return &HeartbeatMonitor{
		staleAfter: staleAfter,
		pongWindow: pongWindow,
		prober:     prober,
		logger:     logger,
		clock:      time.Now,
		lastBeat:   time.Now(),
	}
}

// Wake runs one probe. A closed socket forces reconnection immediately; an
// open one is pinged only when the last confirmed heartbeat is older than
// the stale threshold. The monitor lock is never held across prober calls;
// the prober takes its own locks.
func (m *HeartbeatMonitor) Wake(reason WakeReason) {
	m.mu.Lock()
	disabled := m.disabled
	m.mu.Unlock()
	if disabled {
		return
	}

	if !m.prober.SocketOpen() {
		m.prober.ForceReconnect("socket not open on wake: " + string(reason))
		return
	}

	m.mu.Lock()
	if m.disabled || m.awaitingPong || m.clock().Sub(m.lastBeat) < m.staleAfter {
		m.mu.Unlock()
		return
	}
	m.awaitingPong = true
	m.probeGen++
	gen := m.probeGen
	m.mu.Unlock()

	if err := m.prober.SendPing(); err != nil {
		m.logger.Debug("ping send failed", zap.Error(err))
		m.prober.ForceReconnect("ping write failed")
		return
	}

	time.AfterFunc(m.pongWindow, func() {
		m.mu.Lock()
		stale := !m.disabled && m.awaitingPong && m.probeGen == gen
		m.mu.Unlock()
		if stale {
			m.prober.ForceReconnect("pong timeout")
		}
	})
}

// ObserveFrame records any inbound frame as proof of liveness.
func (m *HeartbeatMonitor) ObserveFrame() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastBeat = m.clock()
	m.awaitingPong = false
	m.probeGen++
}

// ObservePong records a pong response.
func (m *HeartbeatMonitor) ObservePong() {
	m.ObserveFrame()
}

// LastBeat returns the time of the last confirmed heartbeat.
func (m *HeartbeatMonitor) LastBeat() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBeat
}

// Disable stops all future probes. Pending pong timers become no-ops.
func (m *HeartbeatMonitor) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled = true
	m.probeGen++
}
