package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/order-outbox-service/internal/broker"
	"github.com/richardliu001/order-outbox-service/internal/event"
	"github.com/richardliu001/order-outbox-service/internal/logger"
	"github.com/richardliu001/order-outbox-service/internal/model"
	"github.com/richardliu001/order-outbox-service/internal/repo"
	"github.com/richardliu001/order-outbox-service/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) *repo.Repository {
	return repo.NewRepository(testutil.OpenDB(t), logger.Nop())
}

func orderDelivery(t *testing.T, customer, amount string) broker.Delivery {
	t.Helper()
	evt := event.OrderSubmitted{
		MessageID:     uuid.NewString(),
		OrderID:       uuid.NewString(),
		CustomerName:  customer,
		Amount:        decimal.RequireFromString(amount),
		OccurredAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		CorrelationID: "corr-1",
	}
	body, err := json.Marshal(evt)
	require.NoError(t, err)
	return broker.Delivery{ID: evt.MessageID, Type: event.TypeOrderSubmitted, Body: body, CorrelationID: evt.CorrelationID}
}

func ledgerCount(t *testing.T, r *repo.Repository, consumer string) int64 {
	t.Helper()
	n, err := r.CountProcessedEvents(context.Background(), consumer)
	require.NoError(t, err)
	return n
}

func loadStats(t *testing.T, r *repo.Repository, customer string) model.CustomerStats {
	t.Helper()
	var s model.CustomerStats
	require.NoError(t, r.DB(context.Background()).First(&s, "customer_name = ?", customer).Error)
	return s
}

// countingHandler counts applied side effects.
type countingHandler struct {
	mu sync.Mutex
	n  int
}

func (h *countingHandler) Apply(context.Context, *gorm.DB, event.Event) error {
	h.mu.Lock()
	h.n++
	h.mu.Unlock()
	return nil
}

func TestHandle_DeduplicatesRedeliveries(t *testing.T) {
	r := newTestRepo(t)
	h := &countingHandler{}
	c := New("stats", r, event.DefaultRegistry(), h, logger.Nop())
	d := orderDelivery(t, "Ada", "42.50")

	for i := 0; i < 5; i++ {
		d.Redelivered = i > 0
		require.NoError(t, c.Handle(context.Background(), d))
	}

	assert.Equal(t, 1, h.n)
	assert.EqualValues(t, 1, ledgerCount(t, r, "stats"))
}

func TestHandle_ConsumersAreIndependent(t *testing.T) {
	r := newTestRepo(t)
	d := orderDelivery(t, "Ada", "1")
	ha, hb := &countingHandler{}, &countingHandler{}

	a := New("billing", r, event.DefaultRegistry(), ha, logger.Nop())
	b := New("shipping", r, event.DefaultRegistry(), hb, logger.Nop())
	require.NoError(t, a.Handle(context.Background(), d))
	require.NoError(t, b.Handle(context.Background(), d))
	require.NoError(t, b.Handle(context.Background(), d))

	assert.Equal(t, 1, ha.n)
	assert.Equal(t, 1, hb.n)
	assert.EqualValues(t, 1, ledgerCount(t, r, "billing"))
	assert.EqualValues(t, 1, ledgerCount(t, r, "shipping"))
	assert.EqualValues(t, 2, ledgerCount(t, r, ""))
}

func TestHandle_HandlerFailureRollsBack(t *testing.T) {
	r := newTestRepo(t)
	d := orderDelivery(t, "Ada", "10")

	boom := errors.New("downstream unavailable")
	failing := New("stats", r, event.DefaultRegistry(), HandlerFunc(func(ctx context.Context, tx *gorm.DB, evt event.Event) error {
		require.NoError(t, NewCustomerStatsProjector(r).Apply(ctx, tx, evt))
		return boom
	}), logger.Nop())

	err := failing.Handle(context.Background(), d)
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, broker.ErrPoison)
	assert.Zero(t, ledgerCount(t, r, "stats"))

	var n int64
	require.NoError(t, r.DB(context.Background()).Model(&model.CustomerStats{}).Count(&n).Error)
	assert.Zero(t, n, "side effect must roll back with the ledger insert")

	ok := New("stats", r, event.DefaultRegistry(), NewCustomerStatsProjector(r), logger.Nop())
	require.NoError(t, ok.Handle(context.Background(), d))
	assert.EqualValues(t, 1, loadStats(t, r, "Ada").OrderCount)
}

// blindRepo never sees existing ledger rows, as a concurrent transaction
// that checked before the winner committed.
type blindRepo struct {
	*repo.Repository
}

func (blindRepo) ProcessedExists(context.Context, *gorm.DB, string, string) (bool, error) {
	return false, nil
}

func TestHandle_RaceLoserRollsBackSideEffect(t *testing.T) {
	r := newTestRepo(t)
	d := orderDelivery(t, "Ada", "42.50")

	winner := New("stats", r, event.DefaultRegistry(), NewCustomerStatsProjector(r), logger.Nop())
	require.NoError(t, winner.Handle(context.Background(), d))

	blind := blindRepo{r}
	loser := New("stats", blind, event.DefaultRegistry(), NewCustomerStatsProjector(blind), logger.Nop())
	require.NoError(t, loser.Handle(context.Background(), d))

	stats := loadStats(t, r, "Ada")
	assert.EqualValues(t, 1, stats.OrderCount)
	assert.True(t, decimal.RequireFromString("42.50").Equal(stats.TotalAmount))
	assert.EqualValues(t, 1, ledgerCount(t, r, "stats"))
}

func TestHandle_PoisonDeliveries(t *testing.T) {
	r := newTestRepo(t)
	c := New("stats", r, event.DefaultRegistry(), nil, logger.Nop())

	tests := []struct {
		name string
		d    broker.Delivery
	}{
		{"unknown type", broker.Delivery{ID: "x", Type: "InvoiceIssued", Body: []byte(`{}`)}},
		{"bad json", broker.Delivery{ID: "y", Type: event.TypeOrderSubmitted, Body: []byte(`{`)}},
		{"missing ids", broker.Delivery{ID: "z", Type: event.TypeOrderSubmitted, Body: []byte(`{"amount":"1"}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Handle(context.Background(), tt.d)
			assert.ErrorIs(t, err, broker.ErrPoison)
		})
	}
	assert.Zero(t, ledgerCount(t, r, ""))
}

func TestCustomerStatsProjector_Accumulates(t *testing.T) {
	r := newTestRepo(t)
	c := New("stats", r, event.DefaultRegistry(), NewCustomerStatsProjector(r), logger.Nop())

	require.NoError(t, c.Handle(context.Background(), orderDelivery(t, "Ada", "42.50")))
	require.NoError(t, c.Handle(context.Background(), orderDelivery(t, "Ada", "7.50")))
	require.NoError(t, c.Handle(context.Background(), orderDelivery(t, "Grace", "1")))

	ada := loadStats(t, r, "Ada")
	assert.EqualValues(t, 2, ada.OrderCount)
	assert.True(t, decimal.NewFromInt(50).Equal(ada.TotalAmount))
	assert.EqualValues(t, 1, loadStats(t, r, "Grace").OrderCount)
}

func TestRun_ConsumesUntilCancelled(t *testing.T) {
	r := newTestRepo(t)
	b := broker.NewMemory()
	h := &countingHandler{}
	c := New("stats", r, event.DefaultRegistry(), h, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, b) }()

	d := orderDelivery(t, "Ada", "1")
	msg := broker.Message{ID: d.ID, Type: d.Type, Body: d.Body}
	require.NoError(t, b.Publish(context.Background(), msg))
	require.NoError(t, b.Publish(context.Background(), msg))

	require.Eventually(t, func() bool { return ledgerCount(t, r, "stats") == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.n)
}

func TestCustomerStatsProjector_ConcurrentFirstOrders(t *testing.T) {
	r := newTestRepo(t)
	c := New("stats", r, event.DefaultRegistry(), NewCustomerStatsProjector(r), logger.Nop())
	deliveries := []broker.Delivery{
		orderDelivery(t, "Newcomer", "10"),
		orderDelivery(t, "Newcomer", "5"),
		orderDelivery(t, "Newcomer", "1"),
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(deliveries))
	for _, d := range deliveries {
		wg.Add(1)
		go func(d broker.Delivery) {
			defer wg.Done()
			errs <- c.Handle(context.Background(), d)
		}(d)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stats := loadStats(t, r, "Newcomer")
	assert.EqualValues(t, 3, stats.OrderCount)
	assert.True(t, decimal.NewFromInt(16).Equal(stats.TotalAmount))
}
