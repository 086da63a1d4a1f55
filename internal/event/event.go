// Package event holds the integration events the service emits and the
// registry used to decode them by their stable type name.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TypeOrderSubmitted is the discriminator stored in outbox.event_type.
const TypeOrderSubmitted = "OrderSubmitted"

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrUndecodable      = errors.New("payload does not match event type")
)

// Event is implemented by every integration event.
type Event interface {
	EventID() string
	EventType() string
	Correlation() string
}

// OrderSubmitted is published once per created order.
type OrderSubmitted struct {
	MessageID     string          `json:"message_id"`
	OrderID       string          `json:"order_id"`
	CustomerName  string          `json:"customer_name"`
	Amount        decimal.Decimal `json:"amount"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

func (e OrderSubmitted) EventID() string     { return e.MessageID }
func (e OrderSubmitted) EventType() string   { return TypeOrderSubmitted }
func (e OrderSubmitted) Correlation() string { return e.CorrelationID }

// Decoder turns a serialized body into an Event.
type Decoder func(payload []byte) (Event, error)

// Registry maps event types to decoders.
type Registry struct {
	decoders map[string]Decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// DefaultRegistry knows every event this service emits.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeOrderSubmitted, decodeOrderSubmitted)
	return r
}

func (r *Registry) Register(eventType string, d Decoder) {
	r.decoders[eventType] = d
}

// Decode resolves eventType and decodes payload. The returned error wraps
// ErrUnknownEventType or ErrUndecodable.
func (r *Registry) Decode(eventType string, payload []byte) (Event, error) {
	d, ok := r.decoders[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	evt, err := d(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUndecodable, eventType, err)
	}
	return evt, nil
}

func decodeOrderSubmitted(payload []byte) (Event, error) {
	var e OrderSubmitted
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	if e.MessageID == "" || e.OrderID == "" {
		return nil, errors.New("message_id and order_id are required")
	}
	return e, nil
}
