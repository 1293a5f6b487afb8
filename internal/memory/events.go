package memory

import (
	"context"
	"time"
)

// EventType names a memory lifecycle event.
type EventType string

const (
	EventSessionCreated   EventType = "session.created"
	EventSessionCompleted EventType = "session.completed"
	EventMemoryCleanup    EventType = "memory.cleanup"
)

// Event is published after a memory lifecycle change has been persisted.
type Event struct {
	Type       EventType      `json:"type"`
	AgentName  string         `json:"agent_name"`
	SessionID  string         `json:"session_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// EventPublisher delivers memory events to an external bus.
type EventPublisher interface {
	PublishMemoryEvent(ctx context.Context, e Event) error
}
