// Package comms provides the coordination event feed.
//
// The engine publishes an event whenever coordination state changes; an
// external dispatcher (or the server's SSE stream) subscribes to deliver
// notifications. The engine itself never blocks on delivery.
package comms

import (
	"context"
	"time"
)

// EventType identifies the kind of coordination event.
type EventType string

const (
	EventTaskCreated   EventType = "task_created"
	EventTaskClaimed   EventType = "task_claimed"
	EventTaskCompleted EventType = "task_completed"
	EventHelpRequested EventType = "help_requested"
	EventHelpAccepted  EventType = "help_accepted"
	EventHelpCompleted EventType = "help_completed"
	EventCheckIn       EventType = "session_checkin"
	EventCheckOut      EventType = "session_checkout"
)

// Event records one coordination state change.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	TaskID     string            `json:"task_id,omitempty"`
	SessionID  string            `json:"session_id,omitempty"` // originating session
	Subject    string            `json:"subject"`
	Candidates []string          `json:"candidates,omitempty"` // suggested helper session IDs, best first
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Handler processes published events.
type Handler func(ctx context.Context, ev *Event) error

// Bus is the coordination event backbone. Every subscriber receives every
// event; routing decisions (who should act) belong to the dispatcher, not
// the engine.
type Bus interface {
	// Publish delivers an event to all subscribers.
	Publish(ctx context.Context, ev *Event) error

	// Subscribe registers a handler under the given subscriber ID.
	// Returns an unsubscribe function.
	Subscribe(subscriberID string, handler Handler) (unsubscribe func())

	// History returns up to limit recent events, oldest first.
	History(limit int) []*Event
}
