// Package chat maintains the per-consultation message list: optimistic
// local writes merged with server-confirmed state, deduplicated under
// replay, in stable chronological order.
package chat

import (
	"time"

	"github.com/carelink/realtime/internal/protocol"
)

// Status tracks whether a message is awaiting server confirmation.
type Status int

const (
	StatusTemporary Status = iota
	StatusConfirmed
)

func (s Status) String() string {
	switch s {
	case StatusTemporary:
		return "temporary"
	case StatusConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Message is one chat entry. Exactly one of ID/TempID is authoritative:
// a temporary message carries only TempID and transitions to confirmed
// exactly once (by temp-id keyed replacement) or is discarded on send
// failure.
type Message struct {
	ID             string
	TempID         string
	ConsultationID string
	SenderID       string
	Content        string
	Attachments    []protocol.Attachment
	SentAt         time.Time
	IsRead         bool
	Status         Status
}

// FromWire converts a server DTO into a confirmed message.
func FromWire(w protocol.WireMessage) Message {
	return Message{
		ID:             w.ID,
		ConsultationID: w.ConsultationID,
		SenderID:       w.SenderID,
		Content:        w.Content,
		Attachments:    w.Attachments,
		SentAt:         w.SentAt,
		IsRead:         w.IsRead,
		Status:         StatusConfirmed,
	}
}
