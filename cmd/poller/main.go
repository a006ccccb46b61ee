package main

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/deposit-ledger/internal/config"
	"github.com/richardliu001/deposit-ledger/internal/logger"
	"github.com/richardliu001/deposit-ledger/internal/repo"
	"github.com/richardliu001/deposit-ledger/internal/service"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
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

	epsilon, err := decimal.NewFromString(cfg.Reconcile.Epsilon)
	if err != nil {
		log.Fatalf("parse reconcile epsilon: %v", err)
	}
	repository := repo.NewRepository(gdb, rdb, kw, log)
	ledger := service.NewWalletLedger(repository, epsilon, log)

	// periodic balance sweep across all wallets
	go func() {
		sweep := time.NewTicker(time.Duration(cfg.Reconcile.IntervalSeconds) * time.Second)
		defer sweep.Stop()
		for range sweep.C {
			flagged, err := ledger.ReconcileAll(context.Background())
			if err != nil {
				log.Errorf("reconcile sweep: %v", err)
				continue
			}
			if len(flagged) > 0 {
				log.Warnf("reconcile sweep flagged %d wallet(s) for manual review", len(flagged))
			} else {
				log.Info("reconcile sweep clean")
			}
		}
	}()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	log.Info("deposit-ledger poller started")
	for range ticker.C {
		ctx := context.Background()
		events, err := repository.PollOutbox(ctx, 100)
		if err != nil {
			log.Errorf("poll outbox: %v", err)
			continue
		}
		for _, evt := range events {
			if err := repository.PublishEvent(ctx, evt); err != nil {
				log.Errorf("publish id=%d: %v", evt.ID, err)
				continue
			}
			if err := repository.MarkOutboxProcessed(ctx, evt.ID); err != nil {
				log.Errorf("mark processed id=%d: %v", evt.ID, err)
			} else {
				log.Infof("event %d sent", evt.ID)
			}
		}
	}
}
