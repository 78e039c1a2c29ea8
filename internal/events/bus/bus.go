// Package bus provides the event bus that carries state-change
// notifications from orchestrator components to the websocket gateway.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subject naming: "agent.<event type>" for per-agent notifications,
// "orchestrator.<event type>" for process-wide ones.
const (
	SubjectAgentAll        = "agent.>"
	SubjectOrchestratorAll = "orchestrator.>"
)

// Event represents a message on the event bus. Type doubles as the
// broadcast event type seen by websocket clients.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations. Implementations must
// deliver events to a given subscription in publish order.
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// NATS-style wildcards are supported: * (one token), > (rest).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
