// Package eventbus implements the local, in-process topic-based
// pub/sub bus and the inter-process bridge that carries its messages
// across a Worker's stdin/stdout pipes. The local bus is a
// near-direct adaptation of a NATS-style in-memory bus: subject
// patterns with "*"/">" wildcards, queue-group round-robin delivery,
// and a request/reply facade built on a one-shot "_INBOX.<id>"
// subscription.
package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a message published on the bus. Source identifies the
// process or component that produced it. Publish does not filter on
// Source; the loop-prevention rule is applied by the inter-process
// bridge hops (WorkerBridge and the Process Manager's fan-out), which
// use Source to decide what to forward.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps a fresh Event with a UUID and the current time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes one delivered Event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is a live registration that can be cancelled.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the pub/sub interface shared by the in-process memory bus
// and an optional NATS-backed implementation, so that Supervisor-side
// listeners (including the correlator) can be wired against either
// without caring which is in effect.
type Bus interface {
	// Publish delivers event to every subscriber whose subject pattern
	// matches subject, regardless of event.Source.
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)
	Close()
	IsConnected() bool
}

// inboxSubject builds the one-shot reply subject for a Request call.
func inboxSubject(eventID string) string {
	return fmt.Sprintf("_INBOX.%s", eventID)
}
