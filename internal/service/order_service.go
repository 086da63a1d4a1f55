package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/richardliu001/order-outbox-service/internal/event"
	"github.com/richardliu001/order-outbox-service/internal/logger"
	"github.com/richardliu001/order-outbox-service/internal/model"
	"github.com/richardliu001/order-outbox-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxCustomerNameLen = 120
	// amounts are stored as numeric(20,8)
	amountScale        = 8
	maxAmountIntDigits = 12
)

var maxAmount = decimal.New(1, maxAmountIntDigits)

var (
	// ErrInvalidAmount means non-positive amount passed.
	ErrInvalidAmount = errors.New("amount must be positive, below 10^12 and have at most 8 decimal places")
	// ErrInvalidCustomer means the customer name is empty or too long.
	ErrInvalidCustomer = errors.New("customer name is required and must be at most 120 characters")
)

// SubmitOrderInput is the business-creation request.
type SubmitOrderInput struct {
	CustomerName  string
	Amount        decimal.Decimal
	CorrelationID string
}

// SubmitOrderResult acknowledges that the order exists and that its
// OrderSubmitted event will be published eventually.
type SubmitOrderResult struct {
	OrderID string
	EventID string
}

// OrderService glues business logic and repository.
type OrderService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
	now  func() time.Time
}

// NewOrderService returns OrderService.
func NewOrderService(r repo.RepositoryInterface, log *zap.SugaredLogger) *OrderService {
	return &OrderService{repo: r, log: log, now: time.Now}
}

// SubmitOrder stores the order and its outbox record in one transaction:
// both rows commit or neither does.
func (s *OrderService) SubmitOrder(ctx context.Context, in SubmitOrderInput) (*SubmitOrderResult, error) {
	name := strings.TrimSpace(in.CustomerName)
	if name == "" || utf8.RuneCountInString(name) > maxCustomerNameLen {
		return nil, ErrInvalidCustomer
	}
	if !validAmount(in.Amount) {
		return nil, ErrInvalidAmount
	}

	now := s.now().UTC()
	order := &model.Order{
		ID:           uuid.NewString(),
		CustomerName: name,
		Amount:       in.Amount,
		CreatedAt:    now,
	}
	evt := event.OrderSubmitted{
		MessageID:     uuid.NewString(),
		OrderID:       order.ID,
		CustomerName:  order.CustomerName,
		Amount:        order.Amount,
		OccurredAt:    now,
		CorrelationID: in.CorrelationID,
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event.TypeOrderSubmitted, err)
	}
	row := &model.OutboxEvent{
		EventID:    evt.MessageID,
		EventType:  event.TypeOrderSubmitted,
		Payload:    string(payload),
		OccurredAt: now,
		Status:     model.OutboxPending,
	}
	if in.CorrelationID != "" {
		corr := in.CorrelationID
		row.CorrelationID = &corr
	}

	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateOrder(ctx, tx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, row); err != nil {
			return fmt.Errorf("insert outbox: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx, s.log).Infow("order submitted",
		"order_id", order.ID, "event_id", evt.MessageID, "amount", order.Amount.String())
	return &SubmitOrderResult{OrderID: order.ID, EventID: evt.MessageID}, nil
}

// validAmount reports whether amount is positive and fits the amount
// column without rounding.
func validAmount(amount decimal.Decimal) bool {
	if amount.LessThanOrEqual(decimal.Zero) || amount.GreaterThanOrEqual(maxAmount) {
		return false
	}
	return amount.Equal(amount.Truncate(amountScale))
}

// PendingOutboxCount is the number of outbox records not yet sent.
func (s *OrderService) PendingOutboxCount(ctx context.Context) (int64, error) {
	return s.repo.CountPendingOutbox(ctx)
}

// ProcessedCount is the number of processed-event ledger rows across consumers.
func (s *OrderService) ProcessedCount(ctx context.Context) (int64, error) {
	return s.repo.CountProcessedEvents(ctx, "")
}

// Healthy pings the database.
func (s *OrderService) Healthy(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Repo exposes underlying repository (unit tests helper).
func (s *OrderService) Repo() repo.RepositoryInterface {
	return s.repo
}
