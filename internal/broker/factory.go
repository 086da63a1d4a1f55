package broker

import (
	"context"
	"fmt"

	"github.com/richardliu001/order-outbox-service/internal/config"
	"go.uber.org/zap"
)

type PublisherCreator func(ctx context.Context, cfg config.BrokerConfig) (Publisher, error)

type SubscriberCreator func(ctx context.Context, cfg config.BrokerConfig, consumerName string, log *zap.SugaredLogger) (Subscriber, error)

var NewKafkaPublisherCreator PublisherCreator = func(_ context.Context, cfg config.BrokerConfig) (Publisher, error) {
	return NewKafkaPublisher(cfg.Kafka), nil
}

var NewRabbitPublisherCreator PublisherCreator = func(_ context.Context, cfg config.BrokerConfig) (Publisher, error) {
	return NewRabbitPublisher(cfg.RabbitMQ)
}

var NewKafkaSubscriberCreator SubscriberCreator = func(_ context.Context, cfg config.BrokerConfig, name string, log *zap.SugaredLogger) (Subscriber, error) {
	return NewKafkaSubscriber(cfg.Kafka, name, log), nil
}

var NewRabbitSubscriberCreator SubscriberCreator = func(_ context.Context, cfg config.BrokerConfig, name string, log *zap.SugaredLogger) (Subscriber, error) {
	return NewRabbitSubscriber(cfg.RabbitMQ, name, log)
}

// NewPublisher returns the publisher for cfg.Type.
func NewPublisher(ctx context.Context, cfg config.BrokerConfig) (Publisher, error) {
	switch cfg.Type {
	case "kafka":
		return NewKafkaPublisherCreator(ctx, cfg)
	case "rabbitmq":
		return NewRabbitPublisherCreator(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}

// NewSubscriber returns the subscriber for cfg.Type bound to consumerName.
func NewSubscriber(ctx context.Context, cfg config.BrokerConfig, consumerName string, log *zap.SugaredLogger) (Subscriber, error) {
	switch cfg.Type {
	case "kafka":
		return NewKafkaSubscriberCreator(ctx, cfg, consumerName, log)
	case "rabbitmq":
		return NewRabbitSubscriberCreator(ctx, cfg, consumerName, log)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
