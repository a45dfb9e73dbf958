package events

import (
	"context"

	"appbench-orchestrator/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(providePublisher),
)

func providePublisher(lc fx.Lifecycle, cfg *config.Config) Publisher {
	if len(cfg.Kafka.Brokers) == 0 {
		zap.L().Info("kafka not configured, lifecycle events are dropped")
		return NopPublisher{}
	}

	p := NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return p.Close()
		},
	})
	return p
}
