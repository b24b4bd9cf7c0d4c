package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/Akyl1988/smartsell-inventory/internal/logger"
	"github.com/Akyl1988/smartsell-inventory/internal/model"
	"github.com/Akyl1988/smartsell-inventory/internal/repo"
	"github.com/Akyl1988/smartsell-inventory/internal/service"
)

// fakePublisher fails the first failUntil deliveries, then succeeds.
type fakePublisher struct {
	calls     int
	failUntil int
}

func (p *fakePublisher) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	p.calls++
	if p.calls <= p.failUntil {
		return errors.New("broker unavailable")
	}
	return nil
}

func newDispatcherEnv(t *testing.T, pub Publisher, cfg Config) (*Dispatcher, *service.OutboxQueue, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	assert.NoError(t, db.AutoMigrate(&model.OutboxEvent{}))

	log := mustLogger(logger.NewLogger())
	repository := repo.NewRepository(db, nil, &kafka.Writer{}, log)
	outbox := service.NewOutboxQueue(repository, log)
	return New(outbox, pub, cfg, log), outbox, db
}

func seedEvent(t *testing.T, db *gorm.DB, evt *model.OutboxEvent) *model.OutboxEvent {
	t.Helper()
	if evt.Payload == "" {
		evt.Payload = "{}"
	}
	if evt.Status == "" {
		evt.Status = model.OutboxPending
	}
	assert.NoError(t, db.Create(evt).Error)
	return evt
}

func TestProcessBatch_DeliversAndMarksSent(t *testing.T) {
	pub := &fakePublisher{}
	d, _, db := newDispatcherEnv(t, pub, Config{})
	evt := seedEvent(t, db, &model.OutboxEvent{
		AggregateType: "stock", AggregateID: "1", EventType: "stock.updated",
	})

	sent, err := d.ProcessBatch(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, pub.calls)

	var final model.OutboxEvent
	assert.NoError(t, db.First(&final, evt.ID).Error)
	assert.Equal(t, model.OutboxSent, final.Status)
	assert.NotNil(t, final.ProcessedAt)
}

func TestProcessBatch_FailureSchedulesBackoffThenRetries(t *testing.T) {
	pub := &fakePublisher{failUntil: 1}
	d, _, db := newDispatcherEnv(t, pub, Config{
		BackoffBase: time.Minute,
		BackoffMax:  time.Hour,
	})
	evt := seedEvent(t, db, &model.OutboxEvent{
		AggregateType: "stock", AggregateID: "1", EventType: "stock.updated",
	})

	sent, err := d.ProcessBatch(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, sent)

	var failed model.OutboxEvent
	assert.NoError(t, db.First(&failed, evt.ID).Error)
	assert.Equal(t, model.OutboxFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, "broker unavailable", *failed.LastError)
	assert.True(t, failed.NextAttemptAt.After(time.Now().Add(30*time.Second)))

	// backed-off event is not picked up again while its retry is in the future
	sent, err = d.ProcessBatch(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 1, pub.calls)

	// force the retry due and redeliver
	past := time.Now().Add(-time.Second)
	assert.NoError(t, db.Model(&model.OutboxEvent{}).Where("id = ?", evt.ID).
		Update("next_attempt_at", past).Error)
	sent, err = d.ProcessBatch(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 2, pub.calls)

	var final model.OutboxEvent
	assert.NoError(t, db.First(&final, evt.ID).Error)
	assert.Equal(t, model.OutboxSent, final.Status)
}

func TestProcessBatch_QuarantinesAtAttemptCeiling(t *testing.T) {
	pub := &fakePublisher{}
	d, _, db := newDispatcherEnv(t, pub, Config{
		MaxAttempts: 3,
		Quarantine:  24 * time.Hour,
	})
	evt := seedEvent(t, db, &model.OutboxEvent{
		AggregateType: "stock", AggregateID: "1", EventType: "stock.updated",
		Status: model.OutboxFailed, Attempts: 3,
	})

	sent, err := d.ProcessBatch(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 0, pub.calls, "quarantined events must not reach the publisher")

	var final model.OutboxEvent
	assert.NoError(t, db.First(&final, evt.ID).Error)
	assert.Equal(t, model.OutboxFailed, final.Status)
	assert.Equal(t, 4, final.Attempts)
	assert.True(t, final.NextAttemptAt.After(time.Now().Add(23*time.Hour)))
}

func TestProcessBatch_HonorsChannelFilter(t *testing.T) {
	pub := &fakePublisher{}
	d, _, db := newDispatcherEnv(t, pub, Config{Channel: model.ChannelERP})
	seedEvent(t, db, &model.OutboxEvent{
		AggregateType: "stock", AggregateID: "1", EventType: "erp.sync", Channel: model.ChannelERP,
	})
	seedEvent(t, db, &model.OutboxEvent{
		AggregateType: "stock", AggregateID: "2", EventType: "task.run", Channel: model.ChannelTask,
	})

	sent, err := d.ProcessBatch(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, pub.calls)
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	d := New(nil, &fakePublisher{}, Config{
		BackoffBase: time.Minute,
		BackoffMax:  10 * time.Minute,
	}, mustLogger(logger.NewLogger()))

	assert.Equal(t, time.Minute, d.backoff(0))
	assert.Equal(t, 2*time.Minute, d.backoff(1))
	assert.Equal(t, 8*time.Minute, d.backoff(3))
	assert.Equal(t, 10*time.Minute, d.backoff(4))
	assert.Equal(t, 10*time.Minute, d.backoff(20))
}

func mustLogger(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		panic(err)
	}
	return l
}
