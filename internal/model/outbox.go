package model

import "time"

// OutboxStatus is the delivery state of an outbox row. It only ever moves
// from OutboxPending to OutboxSent.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
)

type OutboxEvent struct {
	ID            uint64       `gorm:"primaryKey"`
	EventID       string       `gorm:"size:36;not null;uniqueIndex:ux_outbox_event_id"`
	EventType     string       `gorm:"size:256;not null"`
	Payload       string       `gorm:"type:text;not null"`
	OccurredAt    time.Time    `gorm:"not null;index:ix_outbox_pending,priority:2"`
	Status        OutboxStatus `gorm:"size:16;not null;default:'pending';index:ix_outbox_pending,priority:1"`
	PublishedAt   *time.Time   `gorm:"index"`
	CorrelationID *string      `gorm:"size:64"`
	Attempts      int          `gorm:"not null;default:0"`
	LastError     string       `gorm:"size:512"`
	// NextAttemptAt defers an undeliverable row so the pending scan reaches
	// the rows behind it. Nil means due now.
	NextAttemptAt *time.Time `gorm:"index"`
}

func (OutboxEvent) TableName() string { return "outbox" }

// Pending reports whether the row still awaits delivery.
func (e OutboxEvent) Pending() bool { return e.Status == OutboxPending }
