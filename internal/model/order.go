package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID           string          `gorm:"primaryKey;size:36"`
	CustomerName string          `gorm:"size:120;not null"`
	Amount       decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	CreatedAt    time.Time       `gorm:"autoCreateTime"`
}

func (Order) TableName() string { return "orders" }
