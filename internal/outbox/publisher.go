// Package outbox drains pending outbox records to the message broker.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/richardliu001/order-outbox-service/internal/broker"
	"github.com/richardliu001/order-outbox-service/internal/config"
	"github.com/richardliu001/order-outbox-service/internal/event"
	"github.com/richardliu001/order-outbox-service/internal/lock"
	"github.com/richardliu001/order-outbox-service/internal/metrics"
	"github.com/richardliu001/order-outbox-service/internal/repo"
	"go.uber.org/zap"
)

// Undeliverable records are retried after undeliverableBaseDelay, doubling
// per attempt up to undeliverableMaxDelay.
const (
	undeliverableBaseDelay = time.Minute
	undeliverableMaxDelay  = time.Hour
)

// BatchResult summarises one RunOnce call.
type BatchResult struct {
	Fetched       int
	Published     int
	Undeliverable int
	Marked        int64
	// Standby is set when another instance holds the leader lease.
	Standby bool
}

// Publisher polls the outbox and publishes each pending record at least once.
type Publisher struct {
	repo     repo.RepositoryInterface
	broker   broker.Publisher
	registry *event.Registry
	log      *zap.SugaredLogger
	locker   lock.Locker
	cfg      config.PublisherConfig
	now      func() time.Time
}

type Option func(*Publisher)

// WithLocker gates every tick on holding the leader lease.
func WithLocker(l lock.Locker) Option {
	return func(p *Publisher) { p.locker = l }
}

// WithClock overrides the time source used for published_at stamps.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

func NewPublisher(r repo.RepositoryInterface, b broker.Publisher, reg *event.Registry,
	cfg config.PublisherConfig, log *zap.SugaredLogger, opts ...Option) *Publisher {
	p := &Publisher{
		repo:     r,
		broker:   b,
		registry: reg,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.MaxBackoff < p.cfg.PollInterval {
		p.cfg.MaxBackoff = p.cfg.PollInterval
	}
	if p.cfg.BatchSize <= 0 {
		p.cfg.BatchSize = 20
	}
	if p.cfg.BatchTimeout <= 0 {
		p.cfg.BatchTimeout = 30 * time.Second
	}
	return p
}

// RunOnce publishes up to BatchSize pending records, oldest first, and
// commits the sent stamps of every acknowledged record in one transaction.
// A broker error stops the batch; records acknowledged before it are still
// committed and the error is returned.
func (p *Publisher) RunOnce(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	start := time.Now()
	defer func() { metrics.OutboxBatchDuration.Observe(time.Since(start).Seconds()) }()

	if p.locker != nil {
		held, err := p.locker.Acquire(ctx)
		if err != nil {
			return res, fmt.Errorf("acquire leader lease: %w", err)
		}
		if !held {
			res.Standby = true
			return res, nil
		}
	}

	rows, err := p.repo.ListPendingOutbox(ctx, p.now(), p.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list pending outbox: %w", err)
	}
	res.Fetched = len(rows)

	marks := make([]repo.SentMark, 0, len(rows))
	var publishErr error
	for _, row := range rows {
		evt, err := p.registry.Decode(row.EventType, []byte(row.Payload))
		if err != nil {
			res.Undeliverable++
			metrics.OutboxUndeliverable.WithLabelValues(row.EventType).Inc()
			retryAt := p.now().Add(undeliverableDelay(row.Attempts))
			p.log.Errorw("outbox record cannot be decoded, deferring it",
				"id", row.ID, "event_id", row.EventID, "event_type", row.EventType,
				"attempts", row.Attempts+1, "retry_at", retryAt, "error", err)
			if derr := p.repo.DeferUndeliverable(ctx, row.ID, err.Error(), retryAt); derr != nil {
				p.log.Warnw("defer undeliverable record", "id", row.ID, "error", derr)
			}
			continue
		}

		msg := broker.Message{
			ID:            row.EventID,
			Type:          row.EventType,
			Body:          []byte(row.Payload),
			CorrelationID: evt.Correlation(),
			OccurredAt:    row.OccurredAt,
		}
		if msg.CorrelationID == "" && row.CorrelationID != nil {
			msg.CorrelationID = *row.CorrelationID
		}
		if err := p.broker.Publish(ctx, msg); err != nil {
			publishErr = fmt.Errorf("publish %s: %w", row.EventID, err)
			p.recordFailure(ctx, row.ID, err)
			break
		}
		res.Published++
		marks = append(marks, repo.SentMark{ID: row.ID, PublishedAt: p.now().UTC()})
	}

	if len(marks) > 0 {
		n, err := p.repo.MarkOutboxSent(ctx, marks)
		if err != nil {
			// published but not stamped: these records go out again next tick
			metrics.OutboxPublishFailures.Inc()
			return res, errors.Join(publishErr, fmt.Errorf("commit sent stamps: %w", err))
		}
		res.Marked = n
		metrics.OutboxPublished.Add(float64(n))
	}
	if publishErr != nil {
		metrics.OutboxPublishFailures.Inc()
		return res, publishErr
	}

	if pending, err := p.repo.CountPendingOutbox(ctx); err == nil {
		metrics.OutboxPending.Set(float64(pending))
	}
	if res.Fetched > 0 {
		p.log.Infow("outbox batch done",
			"fetched", res.Fetched, "published", res.Published,
			"undeliverable", res.Undeliverable, "marked", res.Marked)
	}
	return res, nil
}

func undeliverableDelay(attempts int) time.Duration {
	d := undeliverableBaseDelay
	for i := 0; i < attempts && d < undeliverableMaxDelay; i++ {
		d *= 2
	}
	if d > undeliverableMaxDelay {
		d = undeliverableMaxDelay
	}
	return d
}

func (p *Publisher) recordFailure(ctx context.Context, id uint64, cause error) {
	if err := p.repo.RecordPublishFailure(ctx, id, cause.Error()); err != nil {
		p.log.Warnw("record publish failure", "id", id, "error", err)
	}
}

// Run calls RunOnce every PollInterval until ctx is cancelled. Errors are
// logged; after consecutive failures the wait grows exponentially up to
// MaxBackoff and drops back to PollInterval on the next success. A batch in
// flight when ctx is cancelled runs to completion, bounded by BatchTimeout.
func (p *Publisher) Run(ctx context.Context) {
	bo := p.newBackOff()
	p.log.Infow("outbox publisher started",
		"poll_interval", p.cfg.PollInterval, "batch_size", p.cfg.BatchSize)
	defer p.release()

	for {
		wait := p.cfg.PollInterval
		if _, err := p.runBatch(ctx); err != nil {
			wait = bo.NextBackOff()
			p.log.Errorw("outbox publisher cycle failed", "error", err, "retry_in", wait)
		} else {
			bo.Reset()
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			p.log.Info("outbox publisher stopped")
			return
		case <-t.C:
		}
	}
}

func (p *Publisher) runBatch(ctx context.Context) (BatchResult, error) {
	batchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.BatchTimeout)
	defer cancel()
	return p.RunOnce(batchCtx)
}

func (p *Publisher) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.PollInterval
	bo.MaxInterval = p.cfg.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.1
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (p *Publisher) release() {
	if p.locker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.locker.Release(ctx); err != nil {
		p.log.Warnw("release leader lease", "error", err)
	}
}
