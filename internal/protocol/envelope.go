// Package protocol defines the JSON envelope exchanged over the consultation
// WebSocket channels and decodes raw frames into typed events. One channel
// exists per consultation plus a single global channel for call signaling
// and notifications; both share this envelope, discriminated by "type".
package protocol

import "time"

// Type discriminates wire frames.
type Type string

const (
	// Chat channel.
	TypeMessage      Type = "message"
	TypeHistory      Type = "messages_history"
	TypeBulk         Type = "messages_bulk"
	TypeReadReceipt  Type = "read_receipt"
	TypeStatusUpdate Type = "status_update"
	TypeReviewAdded  Type = "review_added"

	// Liveness and fault frames.
	TypePing  Type = "ping"
	TypePong  Type = "pong"
	TypeError Type = "error"

	// Call signaling channel.
	TypeIncomingCall Type = "incoming_call"
	TypeCallAccepted Type = "call_accepted"
	TypeCallRejected Type = "call_rejected"
	TypeCallEnded    Type = "call_ended"

	// Client-originated control frames.
	TypeAcceptCall           Type = "accept_call"
	TypeRejectCall           Type = "reject_call"
	TypeCompleteConsultation Type = "complete_consultation"
)

// Attachment is a file reference carried on a message.
type Attachment struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Name string `json:"name"`
}

// WireMessage is the chat message DTO as it appears on the wire.
type WireMessage struct {
	ID             string       `json:"id"`
	TempID         string       `json:"temp_id,omitempty"`
	ConsultationID string       `json:"consultation_id"`
	SenderID       string       `json:"sender_id"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	SentAt         time.Time    `json:"sent_at"`
	IsRead         bool         `json:"is_read"`
}

// WireCall is the call DTO carried on signaling frames.
type WireCall struct {
	ID             string `json:"id"`
	CallType       string `json:"call_type"`
	ConsultationID string `json:"consultation_id"`
}

// header is the minimal frame used to pick a concrete decoder. Frames are
// decoded twice: once for the discriminator, once into the per-type shape.
// The "message" key holds an object on chat frames and a string on error
// frames, so a single superset struct cannot represent every frame.
type header struct {
	Type Type `json:"type"`
}
