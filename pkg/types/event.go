package types

import "context"

// EventType identifies an event pushed from the background hub. Closed
// enumeration, same contract as MessageType.
type EventType string

const (
	EventTypeJobStarted          EventType = "job.started"
	EventTypeJobProgress         EventType = "job.progress"
	EventTypeJobCompleted        EventType = "job.completed"
	EventTypeJobFailed           EventType = "job.failed"
	EventTypeAgentResult         EventType = "agent.result"
	EventTypeSettingsChanged     EventType = "settings.changed"
	EventTypeContextConnected    EventType = "context.connected"
	EventTypeContextDisconnected EventType = "context.disconnected"
	EventTypeSystemError         EventType = "system.error"
)

// IsValid returns true if the event type is part of the closed enumeration
func (t EventType) IsValid() bool {
	switch t {
	case EventTypeJobStarted, EventTypeJobProgress, EventTypeJobCompleted,
		EventTypeJobFailed, EventTypeAgentResult, EventTypeSettingsChanged,
		EventTypeContextConnected, EventTypeContextDisconnected, EventTypeSystemError:
		return true
	}
	return false
}

// Severity classifies how urgent an event is
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event represents an asynchronous event pushed from the background hub.
// Events are ordered by local arrival only; there is no cross-context order.
type Event struct {
	ID            ID                     `json:"id"`
	Type          EventType              `json:"type"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Severity      Severity               `json:"severity"`
	Source        string                 `json:"source"`
	Timestamp     Timestamp              `json:"timestamp"`
	CorrelationID *ID                    `json:"correlation_id,omitempty"`
}

// EventHandler handles delivered events
type EventHandler interface {
	// Handle processes an event
	Handle(ctx context.Context, event Event) error

	// CanHandle returns true if the handler can process the event type
	CanHandle(eventType EventType) bool
}

// EventFunc is a function adapter for EventHandler
type EventFunc func(ctx context.Context, event Event) error

// Handle implements EventHandler
func (f EventFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// CanHandle implements EventHandler (always returns true for EventFunc)
func (f EventFunc) CanHandle(eventType EventType) bool {
	return true
}

// EventPredicate filters events beyond their type; nil matches everything
type EventPredicate func(event Event) bool
