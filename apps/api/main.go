package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/taleforge/internal/audit"
	"github.com/smallbiznis/taleforge/internal/authorization"
	"github.com/smallbiznis/taleforge/internal/balance"
	"github.com/smallbiznis/taleforge/internal/clock"
	"github.com/smallbiznis/taleforge/internal/config"
	"github.com/smallbiznis/taleforge/internal/credit"
	"github.com/smallbiznis/taleforge/internal/entitlement"
	"github.com/smallbiznis/taleforge/internal/observability"
	"github.com/smallbiznis/taleforge/internal/payment"
	"github.com/smallbiznis/taleforge/internal/pricing"
	"github.com/smallbiznis/taleforge/internal/ratelimit"
	"github.com/smallbiznis/taleforge/internal/server"
	"github.com/smallbiznis/taleforge/internal/usagelimit"
	"github.com/smallbiznis/taleforge/pkg/db"
	"go.uber.org/fx"
)

// The API binary serves HTTP only. Migrations and the reconciler run elsewhere.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		pricing.Module,
		balance.Module,
		usagelimit.Module,
		entitlement.Module,
		credit.Module,
		audit.Module,
		payment.Module,
		authorization.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
