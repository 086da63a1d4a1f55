package model

import "time"

// ProcessedEvent is one ledger row: consumer ConsumerName has handled EventID.
type ProcessedEvent struct {
	ID           uint64    `gorm:"primaryKey"`
	EventID      string    `gorm:"size:36;not null;uniqueIndex:ux_processed_consumer_event,priority:2"`
	ConsumerName string    `gorm:"size:128;not null;uniqueIndex:ux_processed_consumer_event,priority:1"`
	ProcessedAt  time.Time `gorm:"not null"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }
