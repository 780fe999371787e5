package events

import (
	"context"

	"github.com/smallbiznis/stagecraft/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewPublisher),
)

func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Publisher {
	if len(cfg.Events.KafkaBrokers) == 0 {
		log.Info("kafka brokers not configured, lifecycle events disabled")
		return NewNoopPublisher(log)
	}

	publisher := NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic, log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	log.Info("kafka publisher initialized",
		zap.Strings("brokers", cfg.Events.KafkaBrokers),
		zap.String("topic", cfg.Events.KafkaTopic),
	)
	return publisher
}
