package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/stagecraft/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewStagingLimiter),
	fx.Provide(func(cfg config.Config, client *redis.Client, log *zap.Logger) *GroupLocker {
		return NewGroupLocker(client, cfg.Staging.PrimaryLockTTL, log)
	}),
)
