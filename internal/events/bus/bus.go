// Package bus fans session events out to in-process or NATS subscribers.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one folded session event.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewSessionEvent is NewEvent for an event that belongs to a session.
func NewSessionEvent(sessionID, eventType, source string, data map[string]interface{}) *Event {
	e := NewEvent(eventType, source, data)
	e.SessionID = sessionID
	return e
}

// EventHandler consumes one event. A returned error is logged, never retried.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live subject subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes events on dot-separated subjects. Subscriptions accept
// NATS wildcards: * for one token, > for the rest of the subject.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
