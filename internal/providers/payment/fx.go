package payment

import (
	"github.com/finchbill/entitled/internal/config"
	"github.com/finchbill/entitled/internal/providers/payment/appstore"
	"github.com/finchbill/entitled/internal/providers/payment/cardbilling"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.payment",
	fx.Provide(func(cfg config.Config) *Registry {
		return NewRegistry(
			cardbilling.NewClient(cfg),
			appstore.NewClient(cfg),
		)
	}),
)
