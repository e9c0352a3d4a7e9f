// Package protocol defines the message vocabulary carried inside frames.
package protocol

import (
	"fmt"
	"time"
)

// Reserved type codes
const (
	TypeAuth      uint16 = 0x01
	TypeData      uint16 = 0x02
	TypeHeartbeat uint16 = 0x03
)

// AUTH response payloads. A reply to AUTH is an AUTH frame whose
// payload is a single status byte.
const (
	AuthOK   byte = 0x00
	AuthFail byte = 0x01
)

// Kind is the closed set of message categories a frame can fall into
type Kind int

const (
	// KindUnknown is any code this server does not recognize
	KindUnknown Kind = iota
	// KindAuth carries credentials for the Authenticator
	KindAuth
	// KindData carries an application payload for the downstream sink
	KindData
	// KindHeartbeat is a liveness probe, answered in any state
	KindHeartbeat
	// KindApplication is a whitelisted application-defined code,
	// forwarded like data
	KindApplication
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindData:
		return "data"
	case KindHeartbeat:
		return "heartbeat"
	case KindApplication:
		return "application"
	default:
		return "unknown"
	}
}

// MessageType is a classified type code
type MessageType struct {
	Kind Kind
	Code uint16
}

func (t MessageType) String() string {
	return fmt.Sprintf("%s(0x%04x)", t.Kind, t.Code)
}

// Classify maps a wire type code onto a MessageType. Codes outside the
// reserved range are KindApplication only when present in allowed.
func Classify(code uint16, allowed map[uint16]struct{}) MessageType {
	switch code {
	case TypeAuth:
		return MessageType{Kind: KindAuth, Code: code}
	case TypeData:
		return MessageType{Kind: KindData, Code: code}
	case TypeHeartbeat:
		return MessageType{Kind: KindHeartbeat, Code: code}
	}
	if _, ok := allowed[code]; ok && code > TypeHeartbeat {
		return MessageType{Kind: KindApplication, Code: code}
	}
	return MessageType{Kind: KindUnknown, Code: code}
}

// Message is a decoded frame, immutable once built
type Message struct {
	Type    MessageType
	Payload []byte
}

// NewMessage classifies code and wraps payload
func NewMessage(code uint16, payload []byte, allowed map[uint16]struct{}) Message {
	return Message{
		Type:    Classify(code, allowed),
		Payload: payload,
	}
}

// Envelope is what a downstream sink receives for each forwarded
// payload. Payload is a private copy owned by the sink.
type Envelope struct {
	ConnectionID string    `json:"connection_id" msgpack:"connection_id" cbor:"connection_id"`
	Type         uint16    `json:"type" msgpack:"type" cbor:"type"`
	Payload      []byte    `json:"payload" msgpack:"payload" cbor:"payload"`
	ReceivedAt   time.Time `json:"received_at" msgpack:"received_at" cbor:"received_at"`
}

// NewEnvelope copies payload so the envelope outlives the dispatch call
func NewEnvelope(connID string, code uint16, payload []byte, receivedAt time.Time) *Envelope {
	owned := make([]byte, len(payload))
	copy(owned, payload)
	return &Envelope{
		ConnectionID: connID,
		Type:         code,
		Payload:      owned,
		ReceivedAt:   receivedAt,
	}
}
