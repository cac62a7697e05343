package payment

import (
	"github.com/smallbiznis/taleforge/internal/config"
	"github.com/smallbiznis/taleforge/internal/payment/adapters"
	"github.com/smallbiznis/taleforge/internal/payment/adapters/stripe"
	"github.com/smallbiznis/taleforge/internal/payment/repository"
	"github.com/smallbiznis/taleforge/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.webhook",
	fx.Provide(repository.Provide),
	fx.Provide(func(cfg config.Config) *adapters.Registry {
		return adapters.NewRegistry(
			adapters.SettingsFromConfig(cfg),
			stripe.NewFactory(),
		)
	}),
	fx.Provide(service.NewService),
)
