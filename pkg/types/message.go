package types

import (
	"encoding/json"
	"time"
)

// MessageType identifies a request sent to the background hub. The set is
// closed: adding a type requires a coordinated change on both ends of the
// transport.
type MessageType string

const (
	MessageTypeHealthCheck       MessageType = "health.check"
	MessageTypeAgentAnalyze      MessageType = "agent.analyze"
	MessageTypeJobSubmit         MessageType = "job.submit"
	MessageTypeJobCancel         MessageType = "job.cancel"
	MessageTypeStateSync         MessageType = "state.sync"
	MessageTypeContextRegister   MessageType = "context.register"
	MessageTypeContextUnregister MessageType = "context.unregister"
	MessageTypeSettingsGet       MessageType = "settings.get"
	MessageTypeSettingsUpdate    MessageType = "settings.update"
)

// IsValid returns true if the message type is part of the closed enumeration
func (t MessageType) IsValid() bool {
	switch t {
	case MessageTypeHealthCheck, MessageTypeAgentAnalyze, MessageTypeJobSubmit,
		MessageTypeJobCancel, MessageTypeStateSync, MessageTypeContextRegister,
		MessageTypeContextUnregister, MessageTypeSettingsGet, MessageTypeSettingsUpdate:
		return true
	}
	return false
}

// Priority represents the priority level of a request
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// Request represents a request/response exchange with the background hub
type Request struct {
	Type          MessageType            `json:"type"`
	Payload       map[string]interface{} `json:"payload"`
	Priority      Priority               `json:"priority"`
	Timeout       time.Duration          `json:"timeout"`
	Retries       int                    `json:"retries"`
	CorrelationID ID                     `json:"correlation_id"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
	CreatedAt     Timestamp              `json:"created_at"`
}

// Response represents the hub's answer to a request
type Response struct {
	Success       bool            `json:"success"`
	Data          json.RawMessage `json:"data,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CorrelationID ID              `json:"correlation_id"`
	Timestamp     Timestamp       `json:"timestamp"`
}

// Err converts a failure response into an error, nil for successes
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	code := r.ErrorCode
	if code == "" {
		code = ErrCodeInternal
	}
	return NewError(code, r.ErrorMessage)
}

// FrameKind discriminates envelope payloads on the wire
type FrameKind string

const (
	FrameKindRequest   FrameKind = "request"
	FrameKindResponse  FrameKind = "response"
	FrameKindEvent     FrameKind = "event"
	FrameKindStateSync FrameKind = "state_sync"
)

// Envelope is the wire frame exchanged over the transport. Exactly one of
// the payload fields is set, according to Kind.
type Envelope struct {
	Kind      FrameKind       `json:"kind"`
	ContextID ID              `json:"context_id,omitempty"`
	Request   *Request        `json:"request,omitempty"`
	Response  *Response       `json:"response,omitempty"`
	Event     *Event          `json:"event,omitempty"`
	Change    *StateChange    `json:"change,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}
