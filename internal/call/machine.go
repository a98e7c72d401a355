package call

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carelink/realtime/internal/logging"
)

// DefaultGracePeriod keeps a terminal call visible briefly so the UI can
// show the outcome before the slot clears.
const DefaultGracePeriod = 3 * time.Second

// Machine tracks at most one incoming and one outgoing call. All
// transitions go through its methods; subscribers receive state-change
// events and own every side effect (ring tone, OS notification).
type Machine struct {
	mu       sync.Mutex
	incoming *Call
	outgoing *Call

	subs    map[int]func(Event)
	nextSub int

	// generation invalidates grace-period timers scheduled against a slot
	// that has since been reused.
	incomingGen uint64
	outgoingGen uint64

	grace  time.Duration
	closed bool
	logger *logging.Logger
}

// NewMachine creates a machine with the given grace period; zero means
// DefaultGracePeriod.
func NewMachine(grace time.Duration, logger *logging.Logger) *Machine {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Machine{
		subs:   make(map[int]func(Event)),
		grace:  grace,
		logger: logger,
	}
}

// Subscribe registers a state-change handler and returns its disposer.
func (m *Machine) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.nextSub
	m.nextSub++
	m.subs[idx] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, idx)
	}
}

// Incoming returns a copy of the live incoming call, if any.
func (m *Machine) Incoming() (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incoming == nil {
		return Call{}, false
	}
	return *m.incoming, true
}

// Outgoing returns a copy of the live outgoing call, if any.
func (m *Machine) Outgoing() (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outgoing == nil {
		return Call{}, false
	}
	return *m.outgoing, true
}

// SignalIncoming handles an incoming-call push. A new call while one is
// still live is ignored and logged; the previous entry is replaced only
// when it already reached a terminal state.
func (m *Machine) SignalIncoming(c Call) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if m.incoming != nil && !m.incoming.State.terminal() {
		activeID := m.incoming.ID
		m.mu.Unlock()
		m.logger.Warn("incoming call ignored, another is active",
			zap.String("call_id", c.ID),
			zap.String("active_call_id", activeID))
		return ErrSignalingConflict
	}

	c.Direction = DirectionIncoming
	c.State = StateRinging
	m.incoming = &c
	m.incomingGen++
	ev := Event{Call: c}
	subs := m.snapshotSubs()
	m.mu.Unlock()

	m.emit(subs, ev)
	return nil
}

// StartOutgoing begins a client-initiated call.
func (m *Machine) StartOutgoing(c Call) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if m.outgoing != nil && !m.outgoing.State.terminal() {
		m.mu.Unlock()
		return ErrSignalingConflict
	}

	c.Direction = DirectionOutgoing
	c.State = StateRinging
	m.outgoing = &c
	m.outgoingGen++
	ev := Event{Call: c}
	subs := m.snapshotSubs()
	m.mu.Unlock()

	m.emit(subs, ev)
	return nil
}

// MarkAccepted transitions the call with the given id from Ringing to
// Accepted. From any other state it is a no-op returning ErrNotRinging.
func (m *Machine) MarkAccepted(callID string) error {
	return m.transition(callID, StateAccepted, func(s State) bool {
		return s == StateRinging
	}, ErrNotRinging)
}

// MarkRejected transitions the call to Rejected. The UI dismissal is
// immediate regardless of whether the server heard about it, so the only
// requirement is that the call exists.
func (m *Machine) MarkRejected(callID string) error {
	return m.transition(callID, StateRejected, func(s State) bool {
		return !s.terminal()
	}, nil)
}

// MarkEnded transitions the call to Ended. Idempotent: ending an already
// terminal or unknown call is a no-op.
func (m *Machine) MarkEnded(callID string) error {
	err := m.transition(callID, StateEnded, func(s State) bool {
		return !s.terminal()
	}, nil)
	if err == ErrUnknownCall {
		return nil
	}
	return err
}

// EndOutgoing ends the live outgoing call, if any. Idempotent.
func (m *Machine) EndOutgoing() {
	m.mu.Lock()
	out := m.outgoing
	m.mu.Unlock()
	if out != nil {
		m.MarkEnded(out.ID)
	}
}

// Close stops the machine: no further transitions or emissions occur, and
// pending grace timers become no-ops.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.incoming = nil
	m.outgoing = nil
	m.incomingGen++
	m.outgoingGen++
	m.subs = make(map[int]func(Event))
}

func (m *Machine) transition(callID string, to State, valid func(State) bool, invalidErr error) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}

	slot, gen := m.findLocked(callID)
	if slot == nil {
		m.mu.Unlock()
		return ErrUnknownCall
	}
	if !valid(slot.State) {
		m.mu.Unlock()
		return invalidErr
	}

	prev := slot.State
	slot.State = to
	ev := Event{Call: *slot, Previous: &prev}
	subs := m.snapshotSubs()

	if to.terminal() {
		m.scheduleClearLocked(slot.Direction, gen)
	}
	m.mu.Unlock()

	m.emit(subs, ev)
	return nil
}

// findLocked returns the tracked call with the given id and the generation
// of its slot.
func (m *Machine) findLocked(callID string) (*Call, uint64) {
	if m.incoming != nil && m.incoming.ID == callID {
		return m.incoming, m.incomingGen
	}
	if m.outgoing != nil && m.outgoing.ID == callID {
		return m.outgoing, m.outgoingGen
	}
	return nil, 0
}

// scheduleClearLocked empties the slot after the grace period unless the
// slot was reused in the meantime.
func (m *Machine) scheduleClearLocked(dir Direction, gen uint64) {
	time.AfterFunc(m.grace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return
		}
		switch dir {
		case DirectionIncoming:
			if m.incomingGen == gen {
				m.incoming = nil
			}
		case DirectionOutgoing:
			if m.outgoingGen == gen {
				m.outgoing = nil
			}
		}
	})
}

func (m *Machine) snapshotSubs() []func(Event) {
	out := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		out = append(out, fn)
	}
	return out
}

func (m *Machine) emit(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}
