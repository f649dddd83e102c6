package eventbus

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/randalmurphal/eventbus/pkg/eventbus/config"
	"github.com/randalmurphal/eventbus/pkg/eventbus/transport"
	"github.com/randalmurphal/eventbus/pkg/eventbus/transport/kafka"
	"github.com/randalmurphal/eventbus/pkg/eventbus/transport/memory"
	"github.com/randalmurphal/eventbus/pkg/eventbus/transport/nats"
	"github.com/randalmurphal/eventbus/pkg/eventbus/transport/rabbitmq"
	"github.com/randalmurphal/eventbus/pkg/eventbus/transport/redis"
)

// OpenTransport connects the transport selected by cfg.Kind.
func OpenTransport(ctx context.Context, cfg config.TransportConfig, logger *zap.Logger) (transport.Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("transport")

	switch cfg.Kind {
	case "", config.BackendMemory:
		return memory.New(), nil
	case config.BackendRedis:
		return redis.Dial(ctx, cfg.Redis, redis.WithLogger(logger))
	case config.BackendNATS:
		return nats.Dial(cfg.NATS, nats.WithLogger(logger))
	case config.BackendRabbitMQ:
		return rabbitmq.Dial(cfg.RabbitMQ, rabbitmq.WithLogger(logger))
	case config.BackendKafka:
		return kafka.Dial(cfg.Kafka, kafka.WithLogger(logger))
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Kind)
}
