package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Akyl1988/smartsell-inventory/internal/model"
	"github.com/Akyl1988/smartsell-inventory/internal/repo"
)

const enqueueSavepoint = "outbox_enqueue"

// EnqueueParams describes one integration event. Payload is an opaque
// document owned by the producer/consumer pair.
type EnqueueParams struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       map[string]interface{}
	Channel       string
	Delay         *time.Duration
}

// OutboxQueue persists integration events next to the business mutation that
// caused them and exposes the dispatcher-facing bookkeeping.
type OutboxQueue struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewOutboxQueue returns OutboxQueue.
func NewOutboxQueue(r repo.RepositoryInterface, logger *zap.SugaredLogger) *OutboxQueue {
	return &OutboxQueue{repo: r, log: logger}
}

func buildEvent(p EnqueueParams, now time.Time) (*model.OutboxEvent, error) {
	if p.AggregateType == "" || p.AggregateID == "" || p.EventType == "" {
		return nil, errors.New("aggregate type, aggregate id and event type are required")
	}
	evt := &model.OutboxEvent{
		AggregateType: p.AggregateType,
		AggregateID:   p.AggregateID,
		EventType:     p.EventType,
		Payload:       model.Document(p.Payload),
		Channel:       p.Channel,
		Status:        model.OutboxPending,
	}
	if p.Delay != nil {
		next := now.Add(*p.Delay)
		evt.NextAttemptAt = &next
	}
	return evt, nil
}

// Enqueue writes one pending event inside the caller's transaction. Use
// SafeEnqueue from business flows; this variant surfaces storage errors.
func (q *OutboxQueue) Enqueue(ctx context.Context, tx *gorm.DB, p EnqueueParams) (*model.OutboxEvent, error) {
	evt, err := buildEvent(p, time.Now())
	if err != nil {
		return nil, err
	}
	if err := q.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// SafeEnqueue writes the event inside a savepoint so that an unavailable or
// broken outbox store cannot unwind the surrounding business transaction. On
// any failure only the savepoint is rolled back, a warning is logged and the
// second return value is false. Inventory correctness never depends on
// outbox health.
func (q *OutboxQueue) SafeEnqueue(ctx context.Context, tx *gorm.DB, p EnqueueParams) (*model.OutboxEvent, bool) {
	evt, err := buildEvent(p, time.Now())
	if err != nil {
		q.log.Warnw("outbox enqueue skipped", "event_type", p.EventType, "err", err)
		return nil, false
	}
	if err := tx.SavePoint(enqueueSavepoint).Error; err != nil {
		q.log.Warnw("outbox savepoint failed, enqueue skipped", "event_type", p.EventType, "err", err)
		return nil, false
	}
	if err := q.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
		if rbErr := tx.RollbackTo(enqueueSavepoint).Error; rbErr != nil {
			q.log.Warnw("outbox savepoint rollback failed", "err", rbErr)
		}
		q.log.Warnw("outbox enqueue failed, business transaction continues",
			"event_type", p.EventType, "aggregate", p.AggregateType+":"+p.AggregateID, "err", err)
		return nil, false
	}
	return evt, true
}

// FetchDue returns undelivered events whose next attempt is due, FIFO by
// creation time. aggregateType and channel filters are optional.
func (q *OutboxQueue) FetchDue(ctx context.Context, limit int, aggregateType, channel string) ([]model.OutboxEvent, error) {
	return q.repo.FetchDueOutbox(ctx, limit, aggregateType, channel)
}

// MarkSent records successful delivery; the event is never fetched again.
func (q *OutboxQueue) MarkSent(ctx context.Context, id uint64) error {
	return q.repo.MarkOutboxSent(ctx, id)
}

// MarkFailed records the delivery error and schedules a retry. The queue
// itself never caps attempts; retry policy belongs to the dispatcher.
func (q *OutboxQueue) MarkFailed(ctx context.Context, id uint64, errMsg string, retryIn time.Duration) error {
	return q.repo.MarkOutboxFailed(ctx, id, errMsg, retryIn)
}

// ResetPending requeues an event for manual retry, optionally delayed.
func (q *OutboxQueue) ResetPending(ctx context.Context, id uint64, delay *time.Duration) error {
	return q.repo.ResetOutboxPending(ctx, id, delay)
}
