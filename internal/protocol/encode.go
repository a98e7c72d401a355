package protocol

import (
	"fmt"

	"github.com/bytedance/sonic"
)

type outboundMessage struct {
	Type        Type         `json:"type"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	TempID      string       `json:"temp_id"`
}

type outboundControl struct {
	Type   Type   `json:"type"`
	CallID string `json:"call_id,omitempty"`

	ConsultationID string `json:"consultation_id,omitempty"`
}

// EncodeMessage builds an outgoing chat message frame. The temp id is echoed
// back by the server so the client can confirm its optimistic entry.
func EncodeMessage(content string, attachments []Attachment, tempID string) ([]byte, error) {
	return marshal(outboundMessage{
		Type:        TypeMessage,
		Content:     content,
		Attachments: attachments,
		TempID:      tempID,
	})
}

// EncodePing builds a liveness probe frame.
func EncodePing() ([]byte, error) {
	return marshal(header{Type: TypePing})
}

// EncodePong builds the response to a server ping.
func EncodePong() ([]byte, error) {
	return marshal(header{Type: TypePong})
}

// EncodeAcceptCall builds the primary-path accept frame for a call.
func EncodeAcceptCall(callID string) ([]byte, error) {
	return marshal(outboundControl{Type: TypeAcceptCall, CallID: callID})
}

// EncodeRejectCall builds the primary-path reject frame for a call.
func EncodeRejectCall(callID string) ([]byte, error) {
	return marshal(outboundControl{Type: TypeRejectCall, CallID: callID})
}

// EncodeCompleteConsultation builds the auto-complete frame sent when the
// consultation message quota is exhausted.
func EncodeCompleteConsultation(consultationID string) ([]byte, error) {
	return marshal(outboundControl{Type: TypeCompleteConsultation, ConsultationID: consultationID})
}

func marshal(v interface{}) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}
