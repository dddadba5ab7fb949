package event

import (
	"github.com/finchbill/entitled/internal/config"
	"github.com/finchbill/entitled/internal/event/normalizer"
	"github.com/finchbill/entitled/internal/event/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("event",
	fx.Provide(repository.Provide),
	fx.Provide(func(cfg config.Config) *normalizer.Registry {
		return normalizer.NewRegistry(
			normalizer.NewCardBilling(cfg),
			normalizer.NewAppStore(cfg),
		)
	}),
)
