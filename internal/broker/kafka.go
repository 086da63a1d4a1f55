package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/richardliu001/order-outbox-service/internal/config"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type kafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher writes to cfg.Topic keyed by event id.
func NewKafkaPublisher(cfg config.KafkaConfig) Publisher {
	return &kafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

func (p *kafkaPublisher) Publish(ctx context.Context, m Message) error {
	msg := kafka.Message{
		Key:     []byte(m.ID),
		Value:   m.Body,
		Time:    m.OccurredAt,
		Headers: kafkaHeaders(m),
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *kafkaPublisher) Close() error { return p.writer.Close() }

func kafkaHeaders(m Message) []kafka.Header {
	h := []kafka.Header{
		{Key: MessageIDHeader, Value: []byte(m.ID)},
		{Key: EventTypeHeader, Value: []byte(m.Type)},
	}
	if m.CorrelationID != "" {
		h = append(h, kafka.Header{Key: CorrelationHeader, Value: []byte(m.CorrelationID)})
	}
	return h
}

func deliveryFromKafka(m kafka.Message) Delivery {
	d := Delivery{ID: string(m.Key), Body: m.Value}
	for _, h := range m.Headers {
		switch h.Key {
		case MessageIDHeader:
			d.ID = string(h.Value)
		case EventTypeHeader:
			d.Type = string(h.Value)
		case CorrelationHeader:
			d.CorrelationID = string(h.Value)
		}
	}
	return d
}

type kafkaSubscriber struct {
	reader     *kafka.Reader
	log        *zap.SugaredLogger
	maxBackoff time.Duration
}

// NewKafkaSubscriber joins the consumer group named after the consumer, so
// each logical consumer receives every event once per group.
func NewKafkaSubscriber(cfg config.KafkaConfig, group string, log *zap.SugaredLogger) Subscriber {
	return &kafkaSubscriber{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  group,
			Topic:    cfg.Topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		log:        log,
		maxBackoff: 30 * time.Second,
	}
}

// Consume fetches, handles and then commits each message. A failing handler
// is retried in place with exponential backoff; the offset is only committed
// once it succeeds or reports ErrPoison.
func (s *kafkaSubscriber) Consume(ctx context.Context, handle HandlerFunc) error {
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		d := deliveryFromKafka(m)

		bo := backoff.NewExponentialBackOff()
		bo.MaxInterval = s.maxBackoff
		bo.MaxElapsedTime = 0
		attempt := 0
		err = backoff.Retry(func() error {
			attempt++
			d.Redelivered = attempt > 1
			herr := handle(ctx, d)
			if errors.Is(herr, ErrPoison) {
				return backoff.Permanent(herr)
			}
			if herr != nil {
				s.log.Warnw("kafka handler failed, retrying", "event_id", d.ID, "attempt", attempt, "error", herr)
			}
			return herr
		}, backoff.WithContext(bo, ctx))
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrPoison) {
			s.log.Errorw("dropping poison message", "event_id", d.ID, "offset", m.Offset, "error", err)
		}
		if err := s.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka commit: %w", err)
		}
	}
}

func (s *kafkaSubscriber) Close() error { return s.reader.Close() }
