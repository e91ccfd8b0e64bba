package core

import "time"

// Trigger is a named automation event plus an arbitrary payload. Triggers are
// ephemeral: they exist only for the duration of a dispatch call and are never
// persisted.
type Trigger struct {
	ID      string         `json:"id"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
	FiredAt time.Time      `json:"fired_at"`
}

// NewTrigger creates a trigger with a fresh id and UTC fire time.
func NewTrigger(event string, payload map[string]any) Trigger {
	return Trigger{
		ID:      NewID(),
		Event:   event,
		Payload: payload,
		FiredAt: time.Now().UTC(),
	}
}

// Well-known trigger event names emitted by the engine and scheduler.
const (
	EventMessageReceived  = "message_received"
	EventHandoffRequested = "handoff_requested"
	EventNoResponse       = "no_response"
	EventSessionAbandoned = "session_abandoned"
	EventSessionArchived  = "session_archived"
)
