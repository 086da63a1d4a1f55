package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/order-outbox-service/internal/broker"
	"github.com/richardliu001/order-outbox-service/internal/config"
	"github.com/richardliu001/order-outbox-service/internal/consumer"
	"github.com/richardliu001/order-outbox-service/internal/event"
	"github.com/richardliu001/order-outbox-service/internal/logger"
	"github.com/richardliu001/order-outbox-service/internal/repo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

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

	sub, err := broker.NewSubscriber(ctx, cfg.Broker, cfg.Consumer.Name, log)
	if err != nil {
		log.Fatalf("init %s subscriber: %v", cfg.Broker.Type, err)
	}
	defer sub.Close()

	repository := repo.NewRepository(gdb, log)
	c := consumer.New(cfg.Consumer.Name, repository, event.DefaultRegistry(),
		consumer.NewCustomerStatsProjector(repository), log)

	if err := c.Run(ctx, sub); err != nil {
		log.Errorf("consume: %v", err)
	}
}

func configPath() string {
	if p := os.Getenv("OUTBOX_CONFIG"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}
