// Package consumer turns at-least-once deliveries into effectively-once
// processing using the processed-event ledger.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/order-outbox-service/internal/broker"
	"github.com/richardliu001/order-outbox-service/internal/event"
	"github.com/richardliu001/order-outbox-service/internal/logger"
	"github.com/richardliu001/order-outbox-service/internal/metrics"
	"github.com/richardliu001/order-outbox-service/internal/model"
	"github.com/richardliu001/order-outbox-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Consumer is one named logical consumer. The ledger is keyed by
// (name, event id), so distinct consumers process the same event
// independently.
type Consumer struct {
	name     string
	repo     repo.RepositoryInterface
	registry *event.Registry
	handler  Handler
	log      *zap.SugaredLogger
	now      func() time.Time
}

func New(name string, r repo.RepositoryInterface, reg *event.Registry, h Handler, log *zap.SugaredLogger) *Consumer {
	if h == nil {
		h = NopHandler{}
	}
	return &Consumer{
		name:     name,
		repo:     r,
		registry: reg,
		handler:  h,
		log:      log,
		now:      time.Now,
	}
}

func (c *Consumer) Name() string { return c.name }

// Handle processes d at most once per consumer name. A nil return means
// the delivery may be acknowledged, including when it was a duplicate.
// Undecodable deliveries return an error wrapping broker.ErrPoison.
func (c *Consumer) Handle(ctx context.Context, d broker.Delivery) error {
	log := logger.FromContext(ctx, c.log).With(
		"consumer", c.name, "event_id", d.ID, "correlation_id", d.CorrelationID)

	evt, err := c.registry.Decode(d.Type, d.Body)
	if err != nil {
		metrics.ConsumerFailures.WithLabelValues(c.name).Inc()
		log.Errorw("undecodable delivery", "event_type", d.Type, "error", err)
		return fmt.Errorf("%w: %v", broker.ErrPoison, err)
	}
	eventID := evt.EventID()
	if eventID == "" {
		eventID = d.ID
	}
	ctx = logger.WithLogger(ctx, log)

	duplicate := false
	err = c.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		seen, err := c.repo.ProcessedExists(ctx, tx, c.name, eventID)
		if err != nil {
			return fmt.Errorf("check ledger: %w", err)
		}
		if seen {
			duplicate = true
			return nil
		}
		if err := c.handler.Apply(ctx, tx, evt); err != nil {
			return fmt.Errorf("apply %s: %w", evt.EventType(), err)
		}
		return c.repo.InsertProcessed(ctx, tx, &model.ProcessedEvent{
			EventID:      eventID,
			ConsumerName: c.name,
			ProcessedAt:  c.now().UTC(),
		})
	})
	switch {
	case errors.Is(err, repo.ErrAlreadyProcessed):
		// lost the race to a concurrent delivery; side effect rolled back
		duplicate = true
	case err != nil:
		metrics.ConsumerFailures.WithLabelValues(c.name).Inc()
		log.Warnw("delivery failed, leaving it for redelivery", "error", err)
		return err
	}

	if duplicate {
		metrics.ConsumerDuplicates.WithLabelValues(c.name).Inc()
		log.Infow("duplicate delivery suppressed", "redelivered", d.Redelivered)
		return nil
	}
	metrics.ConsumerProcessed.WithLabelValues(c.name).Inc()
	log.Infow("event processed", "event_type", evt.EventType())
	return nil
}

// Run feeds deliveries from sub to Handle until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, sub broker.Subscriber) error {
	c.log.Infow("consumer started", "consumer", c.name)
	defer c.log.Infow("consumer stopped", "consumer", c.name)
	return sub.Consume(ctx, c.Handle)
}
