package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/finchbill/entitled/internal/cache"
	"github.com/finchbill/entitled/internal/clock"
	"github.com/finchbill/entitled/internal/config"
	"github.com/finchbill/entitled/internal/entitlement"
	"github.com/finchbill/entitled/internal/event"
	"github.com/finchbill/entitled/internal/ledger"
	"github.com/finchbill/entitled/internal/observability"
	"github.com/finchbill/entitled/internal/pipeline"
	paymentprovider "github.com/finchbill/entitled/internal/providers/payment"
	"github.com/finchbill/entitled/internal/reconciler"
	"github.com/finchbill/entitled/internal/subscription"
	"github.com/finchbill/entitled/pkg/db"
	"go.uber.org/fx"
)

// The reconciler binary only runs the periodic sweeps. Enable a subset of
// jobs per instance with RECONCILER_ENABLED_JOBS.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		cache.Module,
		event.Module,
		ledger.Module,
		subscription.Module,
		entitlement.Module,
		pipeline.Module,
		paymentprovider.Module,

		reconciler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
