package provider

import (
	"github.com/smallbiznis/stagecraft/internal/provider/adapters/openai"
	"github.com/smallbiznis/stagecraft/internal/provider/adapters/replicate"
	"github.com/smallbiznis/stagecraft/internal/provider/domain"
	"github.com/smallbiznis/stagecraft/internal/provider/router"
	"go.uber.org/fx"
)

var Module = fx.Module("provider",
	fx.Provide(
		fx.Annotate(openai.NewHandle, fx.ResultTags(`group:"staging_providers"`)),
		fx.Annotate(replicate.NewHandle, fx.ResultTags(`group:"staging_providers"`)),
		fx.Annotate(router.NewRouter, fx.As(new(domain.Router)), fx.As(fx.Self())),
	),
)
