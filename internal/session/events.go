package session

import "time"

// Phase is the lifecycle phase of one logical session.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	// PhaseDegraded means the socket dropped and a reconnect is pending.
	PhaseDegraded
	// PhaseError means the retry budget is exhausted; no further automatic
	// attempts happen until an external trigger resets the counter.
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseDegraded:
		return "degraded"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// State is a snapshot of one session's connection state. Only the owning
// ConnectionManager mutates the underlying fields.
type State struct {
	Key               string
	Phase             Phase
	ReconnectAttempts int
	LastHeartbeatAt   *time.Time
	// LastError is a terminal, human-readable status. Raw transport errors
	// are never exposed here.
	LastError string
}

// LifecycleEvent notifies consumers of a phase transition, for status
// indicators.
type LifecycleEvent struct {
	Key      string
	Phase    Phase
	Attempts int
	Reason   string
}

// Disposer unregisters a subscription. Teardown runs every disposer before
// the socket closes.
type Disposer func()
