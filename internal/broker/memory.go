package broker

import (
	"context"
	"errors"
	"sync"
)

// Memory is an in-process broker. It records every published message and
// redelivers a delivery whose handler failed with anything but ErrPoison.
type Memory struct {
	mu        sync.Mutex
	published []Message
	queue     chan Delivery
	// FailPublish, when set, is consulted before a message is accepted.
	FailPublish func(Message) error
}

func NewMemory() *Memory {
	return &Memory{queue: make(chan Delivery, 1024)}
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	fail := m.FailPublish
	m.mu.Unlock()
	if fail != nil {
		if err := fail(msg); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.published = append(m.published, msg)
	m.mu.Unlock()

	select {
	case m.queue <- Delivery{ID: msg.ID, Type: msg.Type, Body: msg.Body, CorrelationID: msg.CorrelationID}:
	default:
	}
	return nil
}

// SetFailPublish swaps the publish failure hook.
func (m *Memory) SetFailPublish(f func(Message) error) {
	m.mu.Lock()
	m.FailPublish = f
	m.mu.Unlock()
}

// Published returns a copy of every accepted message in publish order.
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.published))
	copy(out, m.published)
	return out
}

// Consume hands queued deliveries to handle until ctx is done.
func (m *Memory) Consume(ctx context.Context, handle HandlerFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-m.queue:
			if err := handle(ctx, d); err != nil && ctx.Err() == nil && !errors.Is(err, ErrPoison) {
				d.Redelivered = true
				select {
				case m.queue <- d:
				default:
				}
			}
		}
	}
}

func (m *Memory) Close() error { return nil }
