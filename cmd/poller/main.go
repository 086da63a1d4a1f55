package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/order-outbox-service/internal/broker"
	"github.com/richardliu001/order-outbox-service/internal/config"
	"github.com/richardliu001/order-outbox-service/internal/event"
	"github.com/richardliu001/order-outbox-service/internal/lock"
	"github.com/richardliu001/order-outbox-service/internal/logger"
	"github.com/richardliu001/order-outbox-service/internal/outbox"
	"github.com/richardliu001/order-outbox-service/internal/repo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
)

const leaderKey = "order-outbox:publisher:leader"

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := repo.Migrate(gdb); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	pub, err := broker.NewPublisher(ctx, cfg.Broker)
	if err != nil {
		log.Fatalf("init %s publisher: %v", cfg.Broker.Type, err)
	}
	defer pub.Close()

	var opts []outbox.Option
	if cfg.Publisher.LeaderLock {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		opts = append(opts, outbox.WithLocker(
			lock.NewRedisLock(rdb, leaderKey, cfg.Publisher.InstanceID, cfg.Publisher.LockTTL)))
	}

	repository := repo.NewRepository(gdb, log)
	p := outbox.NewPublisher(repository, pub, event.DefaultRegistry(), cfg.Publisher,
		log.With("instance", cfg.Publisher.InstanceID), opts...)

	log.Infow("order-poller started", "broker", cfg.Broker.Type, "leader_lock", cfg.Publisher.LeaderLock)
	p.Run(ctx)
}

func configPath() string {
	if p := os.Getenv("OUTBOX_CONFIG"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}
