package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates control messages. The set is open: values not
// listed below still decode and are reported by Known as false.
type MessageType string

const (
	TypeKeepalive      MessageType = "KEEPALIVE"
	TypeTetherAccepted MessageType = "TETHER_ACCEPTED"
	TypeTetherRejected MessageType = "TETHER_REJECTED"
	TypeRunPipeline    MessageType = "RUN_PIPELINE"
)

// ErrMalformedMessage indicates a control message that cannot be used.
var ErrMalformedMessage = errors.New("models: malformed control message")

// Known reports whether this build understands t.
func (t MessageType) Known() bool {
	switch t {
	case TypeKeepalive, TypeTetherAccepted, TypeTetherRejected, TypeRunPipeline:
		return true
	default:
		return false
	}
}

// ControlMessage is the envelope carried through a peer mailbox.
type ControlMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Keepalive returns the message sent when nothing is queued.
func Keepalive() ControlMessage {
	return ControlMessage{Type: TypeKeepalive}
}

// Validate rejects envelopes that a known handler could not act on.
// Unknown types are not an error here.
func (m ControlMessage) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if m.Type == TypeRunPipeline && isEmptyPayload(m.Payload) {
		return fmt.Errorf("%w: %s requires a payload", ErrMalformedMessage, m.Type)
	}
	return nil
}

// EncodeControlMessage marshals one control message for the mailbox.
func EncodeControlMessage(message ControlMessage) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal control message: %w", err)
	}
	return payload, nil
}

// DecodeControlMessage unmarshals one mailbox entry.
func DecodeControlMessage(raw []byte) (ControlMessage, error) {
	var message ControlMessage
	if err := json.Unmarshal(raw, &message); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return message, nil
}

func isEmptyPayload(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
