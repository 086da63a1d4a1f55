package repo

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/richardliu001/order-outbox-service/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrAlreadyProcessed is returned by InsertProcessed when the
// (consumer, event) pair is already in the ledger.
var ErrAlreadyProcessed = errors.New("event already processed by consumer")

const maxLastErrorLen = 512

// SentMark records the broker acknowledgement time of one outbox row.
type SentMark struct {
	ID          uint64
	PublishedAt time.Time
}

// RepositoryInterface restricts Repo methods so services can be tested with stubs.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	Ping(ctx context.Context) error

	CreateOrder(ctx context.Context, tx *gorm.DB, o *model.Order) error
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	ListPendingOutbox(ctx context.Context, now time.Time, limit int) ([]model.OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, marks []SentMark) (int64, error)
	RecordPublishFailure(ctx context.Context, id uint64, reason string) error
	DeferUndeliverable(ctx context.Context, id uint64, reason string, retryAt time.Time) error
	CountPendingOutbox(ctx context.Context) (int64, error)

	ProcessedExists(ctx context.Context, tx *gorm.DB, consumer, eventID string) (bool, error)
	InsertProcessed(ctx context.Context, tx *gorm.DB, p *model.ProcessedEvent) error
	CountProcessedEvents(ctx context.Context, consumer string) (int64, error)

	IncrementCustomerStats(ctx context.Context, tx *gorm.DB, customer string, amount decimal.Decimal) error
}

// Repository implements RepositoryInterface.
type Repository struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, log: logger}
}

// Migrate creates or updates every table and index the service needs.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(model.All()...)
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateOrder inserts the business row.
func (r *Repository) CreateOrder(ctx context.Context, tx *gorm.DB, o *model.Order) error {
	return tx.WithContext(ctx).Create(o).Error
}

// CreateOutboxEvent appends an outbox row. Re-inserting an existing event_id
// is a no-op.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	if evt.Status == "" {
		evt.Status = model.OutboxPending
	}
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(evt)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		r.log.Infow("outbox event already stored", "event_id", evt.EventID)
	}
	return nil
}

// ListPendingOutbox pulls unsent rows that are due at now, oldest
// occurrence first. Rows deferred by DeferUndeliverable are skipped until
// their next_attempt_at.
func (r *Repository) ListPendingOutbox(ctx context.Context, now time.Time, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxPending).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now.UTC()).
		Order("occurred_at ASC").Order("id ASC").
		Limit(limit).
		Find(&evts).Error
	return evts, err
}

// MarkOutboxSent stamps every mark in one transaction. Rows that are no
// longer pending are left untouched, so a stamp is never overwritten.
func (r *Repository) MarkOutboxSent(ctx context.Context, marks []SentMark) (int64, error) {
	if len(marks) == 0 {
		return 0, nil
	}
	var updated int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range marks {
			publishedAt := m.PublishedAt.UTC()
			res := tx.Model(&model.OutboxEvent{}).
				Where("id = ? AND status = ?", m.ID, model.OutboxPending).
				Updates(map[string]interface{}{
					"status":       model.OutboxSent,
					"published_at": &publishedAt,
					"last_error":   "",
				})
			if res.Error != nil {
				return res.Error
			}
			updated += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// RecordPublishFailure bumps the attempt counter and keeps the last error.
// The row stays pending.
func (r *Repository) RecordPublishFailure(ctx context.Context, id uint64, reason string) error {
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", id, model.OutboxPending).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": truncateReason(reason),
		}).Error
}

// DeferUndeliverable records a decode failure and hides the row from
// ListPendingOutbox until retryAt. The row stays pending.
func (r *Repository) DeferUndeliverable(ctx context.Context, id uint64, reason string, retryAt time.Time) error {
	retryAt = retryAt.UTC()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", id, model.OutboxPending).
		Updates(map[string]interface{}{
			"attempts":        gorm.Expr("attempts + 1"),
			"last_error":      truncateReason(reason),
			"next_attempt_at": &retryAt,
		}).Error
}

// truncateReason cuts reason to the last_error column width on a rune
// boundary.
func truncateReason(reason string) string {
	if len(reason) <= maxLastErrorLen {
		return reason
	}
	cut := maxLastErrorLen
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

func (r *Repository) CountPendingOutbox(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("status = ?", model.OutboxPending).Count(&n).Error
	return n, err
}

// ProcessedExists checks the ledger for (consumer, eventID).
func (r *Repository) ProcessedExists(ctx context.Context, tx *gorm.DB, consumer, eventID string) (bool, error) {
	var n int64
	err := tx.WithContext(ctx).Model(&model.ProcessedEvent{}).
		Where("consumer_name = ? AND event_id = ?", consumer, eventID).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertProcessed is a conditional insert: when another transaction already
// recorded the pair it returns ErrAlreadyProcessed instead of a driver error.
func (r *Repository) InsertProcessed(ctx context.Context, tx *gorm.DB, p *model.ProcessedEvent) error {
	if p.ProcessedAt.IsZero() {
		p.ProcessedAt = time.Now().UTC()
	}
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "consumer_name"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(p)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// CountProcessedEvents counts ledger rows, for one consumer or all when
// consumer is empty.
func (r *Repository) CountProcessedEvents(ctx context.Context, consumer string) (int64, error) {
	var n int64
	q := r.db.WithContext(ctx).Model(&model.ProcessedEvent{})
	if consumer != "" {
		q = q.Where("consumer_name = ?", consumer)
	}
	err := q.Count(&n).Error
	return n, err
}

// IncrementCustomerStats adds one order of amount to the customer's stats
// in a single upsert, so concurrent first orders for a new customer both
// count.
func (r *Repository) IncrementCustomerStats(ctx context.Context, tx *gorm.DB, customer string, amount decimal.Decimal) error {
	s := model.CustomerStats{
		CustomerName: customer,
		OrderCount:   1,
		TotalAmount:  amount,
		UpdatedAt:    time.Now().UTC(),
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "customer_name"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"order_count":  gorm.Expr("customer_stats.order_count + 1"),
				"total_amount": gorm.Expr("customer_stats.total_amount + excluded.total_amount"),
				"updated_at":   gorm.Expr("excluded.updated_at"),
			}),
		}).
		Create(&s).Error
}
