package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/richardliu001/order-outbox-service/internal/event"
	"github.com/richardliu001/order-outbox-service/internal/logger"
	"github.com/richardliu001/order-outbox-service/internal/model"
	"github.com/richardliu001/order-outbox-service/internal/repo"
	"github.com/richardliu001/order-outbox-service/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestService(t *testing.T) (*OrderService, context.Context) {
	db := testutil.OpenDB(t)
	log := logger.Nop()
	return NewOrderService(repo.NewRepository(db, log), log), context.Background()
}

// failingOutboxRepo fails after the order insert, before the outbox insert.
type failingOutboxRepo struct {
	*repo.Repository
}

func (failingOutboxRepo) CreateOutboxEvent(context.Context, *gorm.DB, *model.OutboxEvent) error {
	return errors.New("connection lost")
}

func TestOrderService_SubmitOrder(t *testing.T) {
	svc, ctx := newTestService(t)

	res, err := svc.SubmitOrder(ctx, SubmitOrderInput{
		CustomerName:  "Ada",
		Amount:        decimal.RequireFromString("42.50"),
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.OrderID)
	assert.NotEmpty(t, res.EventID)

	var order model.Order
	require.NoError(t, svc.Repo().DB(ctx).First(&order, "id = ?", res.OrderID).Error)
	assert.Equal(t, "Ada", order.CustomerName)
	assert.Equal(t, "42.5", order.Amount.String())

	var rows []model.OutboxEvent
	require.NoError(t, svc.Repo().DB(ctx).Find(&rows).Error)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, res.EventID, row.EventID)
	assert.Equal(t, event.TypeOrderSubmitted, row.EventType)
	assert.Equal(t, model.OutboxPending, row.Status)
	assert.Nil(t, row.PublishedAt)
	require.NotNil(t, row.CorrelationID)
	assert.Equal(t, "corr-1", *row.CorrelationID)

	var payload event.OrderSubmitted
	require.NoError(t, json.Unmarshal([]byte(row.Payload), &payload))
	assert.Equal(t, res.EventID, payload.MessageID)
	assert.Equal(t, res.OrderID, payload.OrderID)
	assert.True(t, decimal.RequireFromString("42.50").Equal(payload.Amount))
	assert.Equal(t, "corr-1", payload.CorrelationID)

	pending, err := svc.PendingOutboxCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestOrderService_NoCorrelationID(t *testing.T) {
	svc, ctx := newTestService(t)

	_, err := svc.SubmitOrder(ctx, SubmitOrderInput{CustomerName: "Grace", Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)

	var row model.OutboxEvent
	require.NoError(t, svc.Repo().DB(ctx).First(&row).Error)
	assert.Nil(t, row.CorrelationID)
}

func TestOrderService_AcceptsValuesThatFitColumns(t *testing.T) {
	svc, ctx := newTestService(t)

	for _, in := range []SubmitOrderInput{
		{CustomerName: strings.Repeat("é", 120), Amount: decimal.NewFromInt(1)},
		{CustomerName: "Ada", Amount: decimal.RequireFromString("0.00000001")},
		{CustomerName: "Ada", Amount: decimal.RequireFromString("1.50000000000")},
		{CustomerName: "Ada", Amount: decimal.RequireFromString("999999999999.99999999")},
	} {
		_, err := svc.SubmitOrder(ctx, in)
		assert.NoError(t, err, "%s %s", in.CustomerName, in.Amount)
	}

	pending, err := svc.PendingOutboxCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, pending)
}

func TestOrderService_RollsBackOnOutboxFailure(t *testing.T) {
	db := testutil.OpenDB(t)
	log := logger.Nop()
	svc := NewOrderService(failingOutboxRepo{repo.NewRepository(db, log)}, log)
	ctx := context.Background()

	_, err := svc.SubmitOrder(ctx, SubmitOrderInput{CustomerName: "Ada", Amount: decimal.RequireFromString("42.50")})
	require.Error(t, err)

	var orders, outbox int64
	require.NoError(t, db.Model(&model.Order{}).Count(&orders).Error)
	require.NoError(t, db.Model(&model.OutboxEvent{}).Count(&outbox).Error)
	assert.Zero(t, orders, "order must roll back with the outbox insert")
	assert.Zero(t, outbox)
}

func TestOrderService_RejectsInvalidInput(t *testing.T) {
	svc, ctx := newTestService(t)

	tests := []struct {
		name string
		in   SubmitOrderInput
		err  error
	}{
		{"zero amount", SubmitOrderInput{CustomerName: "Ada", Amount: decimal.Zero}, ErrInvalidAmount},
		{"negative amount", SubmitOrderInput{CustomerName: "Ada", Amount: decimal.NewFromInt(-1)}, ErrInvalidAmount},
		{"blank customer", SubmitOrderInput{CustomerName: "  ", Amount: decimal.NewFromInt(1)}, ErrInvalidCustomer},
		{"long customer", SubmitOrderInput{CustomerName: strings.Repeat("x", 121), Amount: decimal.NewFromInt(1)}, ErrInvalidCustomer},
		{"long multibyte customer", SubmitOrderInput{CustomerName: strings.Repeat("é", 121), Amount: decimal.NewFromInt(1)}, ErrInvalidCustomer},
		{"nine decimal places", SubmitOrderInput{CustomerName: "Ada", Amount: decimal.RequireFromString("0.123456789")}, ErrInvalidAmount},
		{"too many integer digits", SubmitOrderInput{CustomerName: "Ada", Amount: decimal.RequireFromString("1000000000000")}, ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SubmitOrder(ctx, tt.in)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	pending, err := svc.PendingOutboxCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

// The postgres dialect must issue both inserts in one transaction and roll
// it back when the outbox insert fails.
func TestOrderService_PostgresTransactionRollback(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "orders"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO "outbox"`).WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	log := logger.Nop()
	svc := NewOrderService(repo.NewRepository(db, log), log)
	_, err = svc.SubmitOrder(context.Background(), SubmitOrderInput{CustomerName: "Ada", Amount: decimal.RequireFromString("42.50")})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderService_ProcessedCount(t *testing.T) {
	svc, ctx := newTestService(t)

	require.NoError(t, svc.Repo().InsertProcessed(ctx, svc.Repo().DB(ctx), &model.ProcessedEvent{EventID: "e1", ConsumerName: "a"}))
	require.NoError(t, svc.Repo().InsertProcessed(ctx, svc.Repo().DB(ctx), &model.ProcessedEvent{EventID: "e1", ConsumerName: "b"}))

	n, err := svc.ProcessedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.NoError(t, svc.Healthy(ctx))
}
