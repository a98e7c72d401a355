package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carelink/realtime/internal/logging"
	"github.com/carelink/realtime/internal/monitoring"
	"github.com/carelink/realtime/internal/protocol"
)

// Session error taxonomy. These never cross the public contract as panics;
// failures surface as phase transitions plus State.LastError.
var (
	ErrTokenAcquisition = errors.New("transport token acquisition failed")
	ErrTransportOpen    = errors.New("transport open failed")
	ErrTransportClosed  = errors.New("transport closed unexpectedly")
	ErrClosed           = errors.New("session is closed")
)

// Human-readable terminal statuses. Raw transport and codec errors are
// never shown to users.
const (
	statusConnectionLost  = "connection lost"
	statusAuthFailed      = "could not authenticate connection"
	statusConnectFailed   = "could not connect"
	statusRetriesExceeded = "connection lost, retries exhausted"
)

// TokenSource mints short-lived transport tokens, one per dial attempt.
type TokenSource interface {
	Token(ctx context.Context, key string) (string, error)
}

// ManagerConfig configures one connection manager.
type ManagerConfig struct {
	// Key is the conversation key: a consultation id, or the global key
	// for the call/notification channel.
	Key string
	// Endpoint is the WebSocket URL for this key.
	Endpoint string
	// DialTimeout bounds each reconnect attempt; zero means 15s.
	DialTimeout time.Duration
	// StaleAfter and PongWindow tune the heartbeat monitor.
	StaleAfter time.Duration
	PongWindow time.Duration
}

// Manager owns one logical session: it wraps the transport socket, applies
// the reconnect policy, runs the heartbeat monitor, and exposes
// send/receive/close. All scheduled callbacks are guarded by a generation
// counter so a stale retry never clobbers a newer connection.
type Manager struct {
	cfg     ManagerConfig
	dialer  Dialer
	tokens  TokenSource
	policy  *ReconnectPolicy
	monitor *HeartbeatMonitor
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu         sync.Mutex
	phase      Phase
	attempts   int
	generation uint64
	disabled   bool
	connecting bool
	sock       Socket
	queue      [][]byte
	lastErr    string

	msgSubs  map[int]func(protocol.Event)
	lifeSubs map[int]func(LifecycleEvent)
	nextSub  int
}

// NewManager creates a manager for one conversation key. It does not
// connect until Open is called.
func NewManager(cfg ManagerConfig, dialer Dialer, tokens TokenSource, policy *ReconnectPolicy, logger *logging.Logger, metrics *monitoring.Metrics) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	m := &Manager{
		cfg:      cfg,
		dialer:   dialer,
		tokens:   tokens,
		policy:   policy,
		logger:   logger.Named("session").With(zap.String("key", cfg.Key)),
		metrics:  metrics,
		phase:    PhaseDisconnected,
		msgSubs:  make(map[int]func(protocol.Event)),
		lifeSubs: make(map[int]func(LifecycleEvent)),
	}
	m.monitor = NewHeartbeatMonitor(cfg.StaleAfter, cfg.PongWindow, m, logger)
	return m
}

// Key returns the conversation key.
func (m *Manager) Key() string {
	return m.cfg.Key
}

// State returns a snapshot of the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	var beat *time.Time
	if b := m.monitor.LastBeat(); !b.IsZero() {
		beat = &b
	}
	return State{
		Key:               m.cfg.Key,
		Phase:             m.phase,
		ReconnectAttempts: m.attempts,
		LastHeartbeatAt:   beat,
		LastError:         m.lastErr,
	}
}

// Open establishes the session. Idempotent: when a connect is live or in
// flight it returns immediately. The only error it can return is ErrClosed.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.disabled {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.phase == PhaseConnected || m.connecting {
		m.mu.Unlock()
		return nil
	}

	m.connecting = true
	gen := m.generation
	ev, subs := m.transitionLocked(PhaseConnecting, "")
	m.mu.Unlock()

	emitLifecycle(subs, ev)
	go m.connect(ctx, gen)
	return nil
}

// Send transmits a payload, queueing it while the session is not connected.
// The queue flushes on (re)connect and is dropped on Close.
func (m *Manager) Send(payload []byte) error {
	m.mu.Lock()
	if m.disabled {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.phase != PhaseConnected || m.sock == nil {
		m.queue = append(m.queue, payload)
		m.mu.Unlock()
		return nil
	}
	sock := m.sock
	m.mu.Unlock()

	if err := sock.WriteMessage(payload); err != nil {
		// Keep the payload for the next connection.
		m.mu.Lock()
		if !m.disabled {
			m.queue = append(m.queue, payload)
		}
		m.mu.Unlock()
		m.ForceReconnect("write failed")
	}
	return nil
}

// OnMessage registers a handler for decoded inbound events. The returned
// disposer must be called on consumer teardown.
func (m *Manager) OnMessage(fn func(protocol.Event)) Disposer {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.nextSub
	m.nextSub++
	m.msgSubs[idx] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.msgSubs, idx)
	}
}

// OnLifecycle registers a handler for phase transitions.
func (m *Manager) OnLifecycle(fn func(LifecycleEvent)) Disposer {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.nextSub
	m.nextSub++
	m.lifeSubs[idx] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.lifeSubs, idx)
	}
}

// Close tears the session down: every pending timer and callback becomes a
// no-op, subscriptions are dropped, the queue is discarded, and the socket
// closes with a normal-closure code. No state mutation happens afterward.
func (m *Manager) Close(reason string) {
	m.mu.Lock()
	if m.disabled {
		m.mu.Unlock()
		return
	}
	m.disabled = true
	m.generation++
	m.connecting = false
	sock := m.sock
	m.sock = nil
	m.queue = nil

	ev, subs := m.transitionLocked(PhaseDisconnected, reason)
	m.msgSubs = make(map[int]func(protocol.Event))
	m.lifeSubs = make(map[int]func(LifecycleEvent))
	m.mu.Unlock()

	m.monitor.Disable()
	emitLifecycle(subs, ev)
	if sock != nil {
		sock.Close(true)
	}
	m.logger.Info("session closed", zap.String("reason", reason))
}

// Closed reports whether the manager has been torn down.
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disabled
}

// ExternalTrigger handles the discrete events that reset the retry budget:
// network back online, tab visible again, window focus, manual refresh.
func (m *Manager) ExternalTrigger(reason WakeReason) {
	m.mu.Lock()
	if m.disabled {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	phase := m.phase
	m.mu.Unlock()

	switch phase {
	case PhaseError, PhaseDisconnected:
		m.Open(context.Background())
	case PhaseConnecting:
		// A dial is already in flight; a probe now would abort it and
		// push the connection behind a backoff delay.
	default:
		m.monitor.Wake(reason)
	}
}

// SocketOpen implements Prober.
func (m *Manager) SocketOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhaseConnected && m.sock != nil
}

// SendPing implements Prober.
func (m *Manager) SendPing() error {
	payload, err := protocol.EncodePing()
	if err != nil {
		return err
	}

	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()
	if sock == nil {
		return ErrTransportClosed
	}
	return sock.WriteMessage(payload)
}

// ForceReconnect implements Prober: it drops the current socket and starts
// the reconnect cycle.
func (m *Manager) ForceReconnect(reason string) {
	m.mu.Lock()
	if m.disabled {
		m.mu.Unlock()
		return
	}
	m.generation++
	m.connecting = false
	sock := m.sock
	m.sock = nil
	m.lastErr = statusConnectionLost

	ev, subs := m.scheduleReconnectLocked()
	m.mu.Unlock()

	m.logger.Warn("connection degraded", zap.String("reason", reason))
	emitLifecycle(subs, ev)
	if sock != nil {
		go sock.Close(false)
	}
}

// connect runs one dial attempt. gen is the attempt generation captured at
// schedule time; the attempt aborts silently if a newer cycle superseded it.
func (m *Manager) connect(ctx context.Context, gen uint64) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	token, err := m.tokens.Token(ctx, m.cfg.Key)
	if err != nil {
		m.logger.Warn("token acquisition failed", zap.Error(err))
		m.connectFailed(gen, statusAuthFailed)
		return
	}
	if m.staleAttempt(gen) {
		return
	}

	sock, err := m.dialer.Dial(ctx, m.cfg.Endpoint, token)
	if err != nil {
		m.logger.Warn("transport open failed", zap.Error(err))
		m.connectFailed(gen, statusConnectFailed)
		return
	}

	m.mu.Lock()
	if m.disabled || gen != m.generation {
		m.mu.Unlock()
		sock.Close(true)
		return
	}

	// New connection generation: every callback scheduled before this
	// point is now stale.
	m.generation++
	pumpGen := m.generation
	m.sock = sock
	m.connecting = false
	m.attempts = 0
	m.lastErr = ""
	queue := m.queue
	m.queue = nil
	ev, subs := m.transitionLocked(PhaseConnected, "")
	m.mu.Unlock()

	m.monitor.ObserveFrame()
	emitLifecycle(subs, ev)
	m.logger.Info("session connected")

	for _, payload := range queue {
		if err := sock.WriteMessage(payload); err != nil {
			m.mu.Lock()
			if !m.disabled {
				m.queue = append(m.queue, payload)
			}
			m.mu.Unlock()
			m.ForceReconnect("queue flush failed")
			return
		}
	}

	go m.readPump(sock, pumpGen)
	m.scheduleWake(pumpGen)
}

func (m *Manager) staleAttempt(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disabled || gen != m.generation
}

func (m *Manager) connectFailed(gen uint64, status string) {
	m.mu.Lock()
	if m.disabled || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.connecting = false
	m.lastErr = status
	ev, subs := m.scheduleReconnectLocked()
	m.mu.Unlock()

	emitLifecycle(subs, ev)
}

// scheduleReconnectLocked arms the next retry or, past the attempt ceiling,
// parks the session in Error until an external trigger. Callers hold m.mu
// and must emit the returned event after unlocking.
func (m *Manager) scheduleReconnectLocked() (LifecycleEvent, []func(LifecycleEvent)) {
	m.attempts++
	m.metrics.ReconnectsTotal.WithLabelValues(m.cfg.Key).Inc()

	if m.attempts > m.policy.MaxAttempts() {
		m.lastErr = statusRetriesExceeded
		return m.transitionLocked(PhaseError, statusRetriesExceeded)
	}

	delay := m.policy.Delay(m.attempts - 1)
	gen := m.generation
	time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.disabled || gen != m.generation || m.connecting || m.phase == PhaseConnected {
			m.mu.Unlock()
			return
		}
		m.connecting = true
		ev, subs := m.transitionLocked(PhaseConnecting, "")
		m.mu.Unlock()

		emitLifecycle(subs, ev)
		m.connect(context.Background(), gen)
	})

	return m.transitionLocked(PhaseDegraded, m.lastErr)
}

// readPump drains the socket until it fails or goes stale.
func (m *Manager) readPump(sock Socket, gen uint64) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			if m.staleAttempt(gen) {
				return
			}
			m.ForceReconnect("read failed")
			return
		}
		if !m.handleFrame(data) {
			return
		}
	}
}

// handleFrame decodes and dispatches one frame. A parse failure is logged
// and swallowed: one bad frame must not tear down the session. Returns
// false once the manager is disabled.
func (m *Manager) handleFrame(data []byte) bool {
	m.mu.Lock()
	if m.disabled {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	ev, err := protocol.Decode(data)
	if err != nil {
		m.metrics.ParseFailures.Inc()
		m.logger.Warn("dropping unparseable frame", zap.Error(err))
		return true
	}

	m.monitor.ObserveFrame()
	m.metrics.FramesTotal.WithLabelValues(string(ev.EventType())).Inc()

	switch ev.(type) {
	case protocol.PingEvent:
		if payload, err := protocol.EncodePong(); err == nil {
			m.Send(payload)
		}
		return true
	case protocol.PongEvent:
		m.monitor.ObservePong()
		return true
	case protocol.UnknownEvent:
		m.logger.Debug("ignoring unknown frame type", zap.String("type", string(ev.EventType())))
		return true
	}

	m.mu.Lock()
	subs := make([]func(protocol.Event), 0, len(m.msgSubs))
	for _, fn := range m.msgSubs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
	return true
}

// scheduleWake arms the opportunistic elapsed-time heartbeat check for the
// current connection generation.
func (m *Manager) scheduleWake(gen uint64) {
	interval := m.monitor.staleAfter / 2
	time.AfterFunc(interval, func() {
		m.mu.Lock()
		stale := m.disabled || gen != m.generation
		m.mu.Unlock()
		if stale {
			return
		}
		m.monitor.Wake(WakeInterval)
		m.scheduleWake(gen)
	})
}

// transitionLocked records a phase change. Callers hold m.mu and must emit
// the returned event after unlocking.
func (m *Manager) transitionLocked(phase Phase, reason string) (LifecycleEvent, []func(LifecycleEvent)) {
	m.phase = phase
	m.metrics.PhaseChanges.WithLabelValues(phase.String()).Inc()

	ev := LifecycleEvent{
		Key:      m.cfg.Key,
		Phase:    phase,
		Attempts: m.attempts,
		Reason:   reason,
	}
	subs := make([]func(LifecycleEvent), 0, len(m.lifeSubs))
	for _, fn := range m.lifeSubs {
		subs = append(subs, fn)
	}
	return ev, subs
}

func emitLifecycle(subs []func(LifecycleEvent), ev LifecycleEvent) {
	for _, fn := range subs {
		fn(ev)
	}
}
