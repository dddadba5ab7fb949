package migration

import (
	"github.com/finchbill/entitled/internal/config"
	entitlementdomain "github.com/finchbill/entitled/internal/entitlement/domain"
	eventdomain "github.com/finchbill/entitled/internal/event/domain"
	ledgerdomain "github.com/finchbill/entitled/internal/ledger/domain"
	subscriptiondomain "github.com/finchbill/entitled/internal/subscription/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// mysql and sqlite deployments rely on the model definitions.
		return conn.AutoMigrate(
			&eventdomain.LifecycleEvent{},
			&eventdomain.DeadLetter{},
			&ledgerdomain.Entry{},
			&subscriptiondomain.SubscriptionRecord{},
			&subscriptiondomain.ReconciliationAudit{},
			&entitlementdomain.UserEntitlement{},
		)
	}),
)
