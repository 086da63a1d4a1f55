package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CustomerStats is the read model maintained by the order projector.
type CustomerStats struct {
	CustomerName string          `gorm:"primaryKey;size:120"`
	OrderCount   int64           `gorm:"not null"`
	TotalAmount  decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime"`
}

func (CustomerStats) TableName() string { return "customer_stats" }

// All lists every table the service migrates.
func All() []interface{} {
	return []interface{}{&Order{}, &OutboxEvent{}, &ProcessedEvent{}, &CustomerStats{}}
}
