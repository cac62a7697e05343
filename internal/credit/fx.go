package credit

import (
	"github.com/smallbiznis/taleforge/internal/credit/repository"
	"github.com/smallbiznis/taleforge/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.coordinator",
	fx.Provide(repository.Provide),
	fx.Provide(repository.ProvideCompletions),
	fx.Provide(service.New),
)
