package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/Akyl1988/smartsell-inventory/internal/config"
	"github.com/Akyl1988/smartsell-inventory/internal/dispatcher"
	"github.com/Akyl1988/smartsell-inventory/internal/logger"
	"github.com/Akyl1988/smartsell-inventory/internal/repo"
	"github.com/Akyl1988/smartsell-inventory/internal/service"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)
	outbox := service.NewOutboxQueue(repository, log)

	d := dispatcher.New(outbox, repository, dispatcher.Config{
		BatchSize:   cfg.Dispatcher.BatchSize,
		Channel:     cfg.Dispatcher.Channel,
		MaxAttempts: cfg.Dispatcher.MaxAttempts,
		BackoffBase: time.Duration(cfg.Dispatcher.BackoffBaseSec) * time.Second,
		BackoffMax:  time.Duration(cfg.Dispatcher.BackoffMaxSec) * time.Second,
		Quarantine:  time.Duration(cfg.Dispatcher.QuarantineSec) * time.Second,
		RPS:         cfg.Dispatcher.RPS,
		Burst:       cfg.Dispatcher.Burst,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interval := time.Duration(cfg.Dispatcher.PollIntervalSec) * time.Second
	if err := d.Run(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("dispatcher: %v", err)
	}
}
