package protocol

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// ErrParse marks a frame that could not be decoded. One bad frame is logged
// and swallowed by the dispatcher; it never tears down the session.
var ErrParse = errors.New("unparseable frame")

// Event is the decoded form of one inbound frame.
type Event interface {
	EventType() Type
}

// MessageEvent carries a new chat message. TempID correlates the server echo
// with a pending optimistic entry.
type MessageEvent struct {
	Message WireMessage
	TempID  string
}

// HistoryEvent carries a full-history replace payload.
type HistoryEvent struct {
	Messages []WireMessage
}

// ReadReceiptEvent flags one message as read.
type ReadReceiptEvent struct {
	MessageID string
}

// StatusUpdateEvent carries a consultation status transition.
type StatusUpdateEvent struct {
	Status        string
	AutoCompleted bool
	Reason        string
}

// ReviewAddedEvent signals that a review was attached to the consultation.
type ReviewAddedEvent struct {
	ConsultationID string
}

// PingEvent and PongEvent are liveness frames.
type PingEvent struct{}
type PongEvent struct{}

// ErrorEvent carries a server-side fault description.
type ErrorEvent struct {
	Message string
}

// CallEvent carries one call signaling transition.
type CallEvent struct {
	Kind Type // TypeIncomingCall, TypeCallAccepted, TypeCallRejected, TypeCallEnded
	Call WireCall
}

// UnknownEvent preserves frames with an unrecognized discriminator so the
// dispatcher can log them without failing.
type UnknownEvent struct {
	Type Type
}

func (MessageEvent) EventType() Type      { return TypeMessage }
func (HistoryEvent) EventType() Type      { return TypeHistory }
func (ReadReceiptEvent) EventType() Type  { return TypeReadReceipt }
func (StatusUpdateEvent) EventType() Type { return TypeStatusUpdate }
func (ReviewAddedEvent) EventType() Type  { return TypeReviewAdded }
func (PingEvent) EventType() Type         { return TypePing }
func (PongEvent) EventType() Type         { return TypePong }
func (ErrorEvent) EventType() Type        { return TypeError }
func (e CallEvent) EventType() Type       { return e.Kind }
func (e UnknownEvent) EventType() Type    { return e.Type }

type messageFrame struct {
	Message WireMessage `json:"message"`
	TempID  string      `json:"temp_id"`
}

type historyFrame struct {
	Messages []WireMessage `json:"messages"`
}

type readReceiptFrame struct {
	MessageID string `json:"message_id"`
}

type statusFrame struct {
	Status        string `json:"status"`
	AutoCompleted bool   `json:"auto_completed"`
	Reason        string `json:"reason"`
}

type reviewFrame struct {
	ConsultationID string `json:"consultation_id"`
}

type errorFrame struct {
	Message string `json:"message"`
}

type callFrame struct {
	Call WireCall `json:"call"`
}

// Decode parses one raw frame into a typed event.
func Decode(data []byte) (Event, error) {
	var h header
	if err := sonic.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if h.Type == "" {
		return nil, fmt.Errorf("%w: missing type discriminator", ErrParse)
	}

	switch h.Type {
	case TypeMessage:
		var f messageFrame
		if err := sonic.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		if f.TempID == "" {
			f.TempID = f.Message.TempID
		}
		return MessageEvent{Message: f.Message, TempID: f.TempID}, nil

	case TypeHistory, TypeBulk:
		var f historyFrame
		if err := sonic.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return HistoryEvent{Messages: f.Messages}, nil

	case TypeReadReceipt:
		var f readReceiptFrame
		if err := sonic.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return ReadReceiptEvent{MessageID: f.MessageID}, nil

	case TypeStatusUpdate:
		var f statusFrame
		if err := sonic.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return StatusUpdateEvent{Status: f.Status, AutoCompleted: f.AutoCompleted, Reason: f.Reason}, nil

	case TypeReviewAdded:
		var f reviewFrame
		if err := sonic.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return ReviewAddedEvent{ConsultationID: f.ConsultationID}, nil

	case TypePing:
		return PingEvent{}, nil

	case TypePong:
		return PongEvent{}, nil

	case TypeError:
		var f errorFrame
		if err := sonic.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return ErrorEvent{Message: f.Message}, nil

	case TypeIncomingCall, TypeCallAccepted, TypeCallRejected, TypeCallEnded:
		var f callFrame
		if err := sonic.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return CallEvent{Kind: h.Type, Call: f.Call}, nil

	default:
		return UnknownEvent{Type: h.Type}, nil
	}
}
