package model

import (
	"encoding/json"
	"time"
)

// Outbox statuses. failed is not terminal: the row becomes fetchable again
// once next_attempt_at elapses.
const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// Delivery channel hints.
const (
	ChannelERP         = "erp"
	ChannelMarketplace = "marketplace"
	ChannelWebhook     = "webhook"
	ChannelTask        = "task"
)

// OutboxEvent is written in the same transaction as the business mutation it
// announces and delivered asynchronously by the dispatcher. Aggregates are
// referenced by type+id, not foreign key, so the event outlives the row.
type OutboxEvent struct {
	ID            uint64 `gorm:"primaryKey"`
	AggregateType string `gorm:"size:64;not null;index"`
	AggregateID   string `gorm:"size:64;not null;index"`
	EventType     string `gorm:"size:64;not null;index"`
	Payload       string `gorm:"type:jsonb;not null"`
	Channel       string `gorm:"size:64;index"`
	Status        string `gorm:"size:16;not null;default:'pending';index:ix_outbox_status_due"`
	Attempts      int    `gorm:"not null;default:0"`
	NextAttemptAt *time.Time `gorm:"index:ix_outbox_status_due"`
	LastError     *string    `gorm:"type:text"`
	ProcessedAt   *time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime;index"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

// Document marshals an opaque payload map; schema belongs to the
// producer/consumer pair, not to this subsystem.
func Document(payload map[string]interface{}) string {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// MarkSent flags successful delivery.
func (e *OutboxEvent) MarkSent(now time.Time) {
	e.Status = OutboxSent
	e.ProcessedAt = &now
	e.LastError = nil
	e.NextAttemptAt = nil
}

// MarkFailed records a delivery failure and schedules the next attempt.
func (e *OutboxEvent) MarkFailed(errMsg string, retryIn time.Duration, now time.Time) {
	e.Status = OutboxFailed
	e.Attempts++
	if errMsg != "" {
		e.LastError = &errMsg
	}
	next := now.Add(retryIn)
	e.NextAttemptAt = &next
}

// SetPending puts the event back in the queue, optionally delayed.
func (e *OutboxEvent) SetPending(delay *time.Duration, now time.Time) {
	e.Status = OutboxPending
	e.LastError = nil
	if delay == nil {
		e.NextAttemptAt = nil
		return
	}
	next := now.Add(*delay)
	e.NextAttemptAt = &next
}
