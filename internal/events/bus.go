// Package events provides the EventBus the Scheduler uses to emit
// SchedulerEvents and the control plane uses to fan them out to
// subscribed sessions.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// Envelope carries one SchedulerEvent over the bus, alongside routing
// metadata the transport (NATS subject, in-memory pattern) doesn't need
// to know about.
type Envelope struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   v1.SchedulerEvent `json:"payload"`
}

// NewEnvelope wraps a SchedulerEvent for publication.
func NewEnvelope(source string, payload v1.SchedulerEvent) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Handler processes one delivered envelope.
type Handler func(ctx context.Context, env *Envelope) error

// Subscription is an active registration on a subject.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the event transport the Scheduler publishes to and the control
// plane's per-session fan-out subscribes from. Subject strings are
// scheduler.<event-type>.<goal-id> (scheduler.<event-type> for an event
// with no goal id); both
// implementations support NATS-style `*`/`>` wildcards.
type Bus interface {
	Publish(ctx context.Context, subject string, env *Envelope) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}

// SubjectForEvent maps an event type to the subject Publish should use,
// so callers don't hand-build subject strings.
func SubjectForEvent(evt v1.SchedulerEvent) string {
	if evt.GoalID != "" {
		return "scheduler." + string(evt.Type) + "." + evt.GoalID
	}
	return "scheduler." + string(evt.Type)
}
