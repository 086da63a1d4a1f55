package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/richardliu001/order-outbox-service/internal/config"
	"go.uber.org/zap"
)

const rabbitPrefetch = 16

type rabbitPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

func dialRabbit(cfg config.RabbitMQConfig) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	return conn, ch, nil
}

// NewRabbitPublisher publishes to a durable topic exchange with publisher
// confirms, routing by event type.
func NewRabbitPublisher(cfg config.RabbitMQConfig) (Publisher, error) {
	conn, ch, err := dialRabbit(cfg)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &rabbitPublisher{conn: conn, channel: ch, exchange: cfg.Exchange}, nil
}

func (p *rabbitPublisher) Publish(ctx context.Context, m Message) error {
	headers := amqp.Table{EventTypeHeader: m.Type}
	if m.CorrelationID != "" {
		headers[CorrelationHeader] = m.CorrelationID
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	conf, err := p.channel.PublishWithDeferredConfirmWithContext(ctx,
		p.exchange, m.Type, false, false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     m.ID,
			Type:          m.Type,
			CorrelationId: m.CorrelationID,
			Timestamp:     m.OccurredAt,
			Headers:       headers,
			Body:          m.Body,
		},
	)
	if err != nil {
		return err
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("rabbitmq nacked message %s", m.ID)
	}
	return nil
}

func (p *rabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channel.Close()
	return p.conn.Close()
}

func deliveryFromRabbit(d amqp.Delivery) Delivery {
	out := Delivery{
		ID:            d.MessageId,
		Type:          d.Type,
		Body:          d.Body,
		CorrelationID: d.CorrelationId,
		Redelivered:   d.Redelivered,
	}
	if v, ok := d.Headers[CorrelationHeader].(string); ok && v != "" {
		out.CorrelationID = v
	}
	if v, ok := d.Headers[EventTypeHeader].(string); ok && out.Type == "" {
		out.Type = v
	}
	return out
}

type rabbitSubscriber struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	queue      string
	log        *zap.SugaredLogger
	maxBackoff time.Duration
}

// NewRabbitSubscriber declares a durable queue named after the consumer and
// binds it to every routing key of the exchange.
func NewRabbitSubscriber(cfg config.RabbitMQConfig, consumerName string, log *zap.SugaredLogger) (Subscriber, error) {
	conn, ch, err := dialRabbit(cfg)
	if err != nil {
		return nil, err
	}
	q, err := ch.QueueDeclare(consumerName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "#", cfg.Exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	if err := ch.Qos(rabbitPrefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &rabbitSubscriber{conn: conn, channel: ch, queue: q.Name, log: log, maxBackoff: 30 * time.Second}, nil
}

// Consume acks handled deliveries, rejects poison ones and requeues the
// rest, pausing with exponential backoff while failures continue.
func (s *rabbitSubscriber) Consume(ctx context.Context, handle HandlerFunc) error {
	deliveries, err := s.channel.Consume(s.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consume: %w", err)
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = s.maxBackoff
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			herr := handle(ctx, deliveryFromRabbit(d))
			switch {
			case herr == nil:
				bo.Reset()
				if err := d.Ack(false); err != nil {
					return fmt.Errorf("ack: %w", err)
				}
			case errors.Is(herr, ErrPoison):
				s.log.Errorw("rejecting poison message", "event_id", d.MessageId, "error", herr)
				if err := d.Reject(false); err != nil {
					return fmt.Errorf("reject: %w", err)
				}
			default:
				s.log.Warnw("rabbitmq handler failed, requeueing", "event_id", d.MessageId, "error", herr)
				if err := d.Nack(false, true); err != nil {
					return fmt.Errorf("nack: %w", err)
				}
				wait := bo.NextBackOff()
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil
				case <-timer.C:
				}
			}
		}
	}
}

func (s *rabbitSubscriber) Close() error {
	s.channel.Close()
	return s.conn.Close()
}
