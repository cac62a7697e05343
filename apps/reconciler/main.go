package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/taleforge/internal/audit"
	"github.com/smallbiznis/taleforge/internal/balance"
	"github.com/smallbiznis/taleforge/internal/clock"
	"github.com/smallbiznis/taleforge/internal/config"
	"github.com/smallbiznis/taleforge/internal/credit"
	"github.com/smallbiznis/taleforge/internal/entitlement"
	"github.com/smallbiznis/taleforge/internal/migration"
	"github.com/smallbiznis/taleforge/internal/observability"
	"github.com/smallbiznis/taleforge/internal/pricing"
	"github.com/smallbiznis/taleforge/internal/ratelimit"
	"github.com/smallbiznis/taleforge/internal/reconcile"
	"github.com/smallbiznis/taleforge/internal/usagelimit"
	"github.com/smallbiznis/taleforge/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Domain services required by the reconciler
		pricing.Module,
		balance.Module,
		usagelimit.Module,
		entitlement.Module,
		credit.Module,
		audit.Module,

		// No server module!
		reconcile.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
