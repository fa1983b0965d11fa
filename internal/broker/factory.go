package broker

import (
	"fmt"

	"github.com/d60-Lab/storefront/config"
)

// New 按 broker.kind 创建实现
func New(cfg *config.Config) (Broker, error) {
	opts := Options{
		MaxAttempts: cfg.Broker.MaxAttempts,
		RetryDelay:  cfg.Broker.RetryDelay,
		Prefetch:    cfg.Consumer.Concurrency,
	}
	switch cfg.Broker.Kind {
	case "rabbitmq":
		return DialRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, opts)
	case "kafka":
		return NewKafka(cfg.Kafka.Brokers, opts), nil
	case "memory":
		return NewMemory(opts), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}
