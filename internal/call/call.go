// Package call tracks the lifecycle of consultation calls: at most one
// incoming and one outgoing call per session, raw signaling frames turned
// into state transitions, and accept/reject/end operations with a REST
// fallback when the socket path is not acknowledged in time.
//
// The state machine is pure: ring tones and OS notifications are
// side-effecting subscribers, never inline logic.
package call

import "errors"

var (
	// ErrNotRinging is returned when accept is attempted outside Ringing.
	ErrNotRinging = errors.New("call is not ringing")
	// ErrUnknownCall is returned for operations on an id the machine is
	// not tracking.
	ErrUnknownCall = errors.New("unknown call id")
	// ErrSignalingConflict is returned when an incoming call arrives while
	// another is still live.
	ErrSignalingConflict = errors.New("another call is already active")
	// ErrAckTimeout marks a signaling operation whose socket path and REST
	// fallback both failed to confirm in time.
	ErrAckTimeout = errors.New("signaling acknowledgment timed out")
)

// CallType distinguishes audio from video calls.
type CallType string

const (
	TypeAudio CallType = "audio"
	TypeVideo CallType = "video"
)

// Direction distinguishes who initiated the call.
type Direction int

const (
	DirectionIncoming Direction = iota
	DirectionOutgoing
)

func (d Direction) String() string {
	if d == DirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// State is the lifecycle phase of one call.
type State int

const (
	StateRinging State = iota
	StateAccepted
	StateRejected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateRinging:
		return "ringing"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// terminal reports whether no further transitions are possible.
func (s State) terminal() bool {
	return s == StateRejected || s == StateEnded
}

// Call is one live or recently terminated call.
type Call struct {
	ID             string
	ConsultationID string
	CallType       CallType
	Direction      Direction
	State          State
}

// Event is delivered to subscribers on every state change.
type Event struct {
	Call     Call
	Previous *State // nil when the call first appears
}
