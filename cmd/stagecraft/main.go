package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stagecraft/internal/authorization"
	"github.com/smallbiznis/stagecraft/internal/billing"
	"github.com/smallbiznis/stagecraft/internal/cache"
	"github.com/smallbiznis/stagecraft/internal/clock"
	"github.com/smallbiznis/stagecraft/internal/config"
	"github.com/smallbiznis/stagecraft/internal/credit"
	"github.com/smallbiznis/stagecraft/internal/events"
	"github.com/smallbiznis/stagecraft/internal/migration"
	"github.com/smallbiznis/stagecraft/internal/observability"
	"github.com/smallbiznis/stagecraft/internal/provider"
	"github.com/smallbiznis/stagecraft/internal/ratelimit"
	"github.com/smallbiznis/stagecraft/internal/server"
	"github.com/smallbiznis/stagecraft/internal/staging"
	"github.com/smallbiznis/stagecraft/internal/storage"
	"github.com/smallbiznis/stagecraft/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		cache.Module,
		ratelimit.Module,
		storage.Module,
		events.Module,

		// Domains
		credit.Module,
		provider.Module,
		staging.Module,
		billing.Module,
		authorization.Module,

		server.Module,

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
