package billing

import (
	"github.com/smallbiznis/stagecraft/internal/billing/adapters"
	"github.com/smallbiznis/stagecraft/internal/billing/adapters/stripe"
	"github.com/smallbiznis/stagecraft/internal/billing/repository"
	"github.com/smallbiznis/stagecraft/internal/billing/service"
	"github.com/smallbiznis/stagecraft/internal/billing/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("billing.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(stripe.NewFactory())
	}),
	fx.Provide(service.NewReconciler),
	fx.Provide(webhook.NewService),
)
