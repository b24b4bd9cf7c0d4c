package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Akyl1988/smartsell-inventory/internal/model"
	"github.com/Akyl1988/smartsell-inventory/internal/service"
)

// Publisher delivers one outbox event to the downstream system. The Kafka
// repository satisfies this; tests plug in a fake.
type Publisher interface {
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
}

// Config tunes the polling/delivery loop. Retry policy lives here on purpose:
// the outbox core never caps attempts.
type Config struct {
	BatchSize     int
	AggregateType string
	Channel       string
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	Quarantine    time.Duration
	RPS           int
	Burst         int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Minute
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Hour
	}
	if c.Quarantine <= 0 {
		c.Quarantine = 24 * time.Hour
	}
	if c.RPS <= 0 {
		c.RPS = 50
	}
	if c.Burst <= 0 {
		c.Burst = c.RPS
	}
	return c
}

// Dispatcher polls due outbox events and pushes them downstream, reporting
// outcomes back into the queue. Delivery is at-least-once; consumers must be
// idempotent per aggregate and event type.
type Dispatcher struct {
	outbox  *service.OutboxQueue
	pub     Publisher
	limiter *rate.Limiter
	cfg     Config
	log     *zap.SugaredLogger
}

// New returns Dispatcher.
func New(outbox *service.OutboxQueue, pub Publisher, cfg Config, logger *zap.SugaredLogger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		outbox:  outbox,
		pub:     pub,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		cfg:     cfg,
		log:     logger,
	}
}

// Run polls on the given interval until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	d.log.Infow("outbox dispatcher started", "interval", interval, "batch", d.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			d.log.Info("outbox dispatcher stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.ProcessBatch(ctx); err != nil {
				d.log.Errorw("outbox batch failed", "err", err)
			}
		}
	}
}

// ProcessBatch fetches one batch of due events and attempts delivery for
// each. Returns the number of events marked sent.
func (d *Dispatcher) ProcessBatch(ctx context.Context) (int, error) {
	events, err := d.outbox.FetchDue(ctx, d.cfg.BatchSize, d.cfg.AggregateType, d.cfg.Channel)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, evt := range events {
		if evt.Attempts >= d.cfg.MaxAttempts {
			d.log.Errorw("outbox event exceeded attempt ceiling, quarantined",
				"id", evt.ID, "event_type", evt.EventType, "attempts", evt.Attempts)
			if err := d.outbox.MarkFailed(ctx, evt.ID, "attempt ceiling exceeded", d.cfg.Quarantine); err != nil {
				d.log.Errorw("quarantine failed", "id", evt.ID, "err", err)
			}
			continue
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return sent, err
		}
		if err := d.pub.PublishEvent(ctx, evt); err != nil {
			retryIn := d.backoff(evt.Attempts)
			d.log.Warnw("outbox delivery failed",
				"id", evt.ID, "event_type", evt.EventType, "attempts", evt.Attempts+1, "retry_in", retryIn, "err", err)
			if err := d.outbox.MarkFailed(ctx, evt.ID, err.Error(), retryIn); err != nil {
				d.log.Errorw("mark failed errored", "id", evt.ID, "err", err)
			}
			continue
		}
		if err := d.outbox.MarkSent(ctx, evt.ID); err != nil {
			// delivery succeeded but bookkeeping failed; the event will be
			// re-delivered, which at-least-once semantics already permit
			d.log.Errorw("mark sent errored", "id", evt.ID, "err", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// backoff doubles per attempt from the base, capped.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	retry := d.cfg.BackoffBase
	for i := 0; i < attempts; i++ {
		retry *= 2
		if retry >= d.cfg.BackoffMax {
			return d.cfg.BackoffMax
		}
	}
	return retry
}
