package consumer

import (
	"context"

	"github.com/richardliu001/order-outbox-service/internal/event"
	"github.com/richardliu001/order-outbox-service/internal/repo"
	"gorm.io/gorm"
)

// Handler applies an event's side effect inside the ledger transaction.
type Handler interface {
	Apply(ctx context.Context, tx *gorm.DB, evt event.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tx *gorm.DB, evt event.Event) error

func (f HandlerFunc) Apply(ctx context.Context, tx *gorm.DB, evt event.Event) error {
	return f(ctx, tx, evt)
}

// NopHandler only records the event in the ledger.
type NopHandler struct{}

func (NopHandler) Apply(context.Context, *gorm.DB, event.Event) error { return nil }

// CustomerStatsProjector keeps per-customer order totals.
type CustomerStatsProjector struct {
	repo repo.RepositoryInterface
}

func NewCustomerStatsProjector(r repo.RepositoryInterface) *CustomerStatsProjector {
	return &CustomerStatsProjector{repo: r}
}

func (p *CustomerStatsProjector) Apply(ctx context.Context, tx *gorm.DB, evt event.Event) error {
	submitted, ok := evt.(event.OrderSubmitted)
	if !ok {
		return nil
	}

	return p.repo.IncrementCustomerStats(ctx, tx, submitted.CustomerName, submitted.Amount)
}
