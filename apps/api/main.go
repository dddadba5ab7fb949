package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/finchbill/entitled/internal/cache"
	"github.com/finchbill/entitled/internal/clock"
	"github.com/finchbill/entitled/internal/command"
	"github.com/finchbill/entitled/internal/config"
	"github.com/finchbill/entitled/internal/entitlement"
	"github.com/finchbill/entitled/internal/event"
	"github.com/finchbill/entitled/internal/ledger"
	"github.com/finchbill/entitled/internal/migration"
	"github.com/finchbill/entitled/internal/observability"
	"github.com/finchbill/entitled/internal/pipeline"
	paymentprovider "github.com/finchbill/entitled/internal/providers/payment"
	"github.com/finchbill/entitled/internal/ratelimit"
	"github.com/finchbill/entitled/internal/server"
	"github.com/finchbill/entitled/internal/subscription"
	"github.com/finchbill/entitled/pkg/db"
	"go.uber.org/fx"
)

// The api binary serves webhook ingest, entitlement reads and client
// commands. Reconciliation sweeps run in the separate reconciler binary.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		cache.Module,
		ratelimit.Module,
		event.Module,
		ledger.Module,
		subscription.Module,
		entitlement.Module,
		pipeline.Module,
		paymentprovider.Module,
		command.Module,

		server.Module,
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
