// Package broker carries outbox messages to and from the message broker.
// Delivery is at-least-once; deduplication is the consumer's job.
package broker

import (
	"context"
	"errors"
	"time"
)

// Transport header keys.
const (
	CorrelationHeader = "X-Correlation-Id"
	MessageIDHeader   = "message-id"
	EventTypeHeader   = "event-type"
)

// ErrPoison marks a delivery that can never be handled. Subscribers drop or
// dead-letter it instead of redelivering.
var ErrPoison = errors.New("poison message")

// Message is one outbound event. ID is the outbox event_id.
type Message struct {
	ID            string
	Type          string
	Body          []byte
	CorrelationID string
	OccurredAt    time.Time
}

// Delivery is one inbound event as seen by a consumer.
type Delivery struct {
	ID            string
	Type          string
	Body          []byte
	CorrelationID string
	Redelivered   bool
}

// Publisher sends messages and returns once the broker acknowledged them.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// HandlerFunc handles a delivery. A nil return acknowledges it.
type HandlerFunc func(ctx context.Context, d Delivery) error

// Subscriber feeds deliveries to a handler until ctx is cancelled.
type Subscriber interface {
	Consume(ctx context.Context, handle HandlerFunc) error
	Close() error
}
