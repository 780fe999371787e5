package staging

import (
	"github.com/smallbiznis/stagecraft/internal/staging/repository"
	"github.com/smallbiznis/stagecraft/internal/staging/service"
	"go.uber.org/fx"
)

var Module = fx.Module("staging.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
