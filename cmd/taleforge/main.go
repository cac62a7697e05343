package main

import (
	"fmt"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/taleforge/internal/audit"
	"github.com/smallbiznis/taleforge/internal/authorization"
	"github.com/smallbiznis/taleforge/internal/balance"
	"github.com/smallbiznis/taleforge/internal/clock"
	"github.com/smallbiznis/taleforge/internal/config"
	"github.com/smallbiznis/taleforge/internal/credit"
	"github.com/smallbiznis/taleforge/internal/entitlement"
	"github.com/smallbiznis/taleforge/internal/migration"
	"github.com/smallbiznis/taleforge/internal/observability"
	"github.com/smallbiznis/taleforge/internal/payment"
	"github.com/smallbiznis/taleforge/internal/pricing"
	"github.com/smallbiznis/taleforge/internal/ratelimit"
	"github.com/smallbiznis/taleforge/internal/reconcile"
	"github.com/smallbiznis/taleforge/internal/server"
	"github.com/smallbiznis/taleforge/internal/usagelimit"
	"github.com/smallbiznis/taleforge/pkg/db"
	"go.uber.org/fx"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := migrate(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Credit engine
		pricing.Module,
		balance.Module,
		usagelimit.Module,
		entitlement.Module,
		credit.Module,
		audit.Module,
		payment.Module,
		authorization.Module,

		// Surfaces
		reconcile.Module,
		server.Module,
	)
	app.Run()
}

// migrate applies pending schema versions and exits.
func migrate() error {
	cfg := config.Load()
	if cfg.DBType != "postgres" {
		return fmt.Errorf("migrate: unsupported database type %q", cfg.DBType)
	}
	return migration.RunMigrationsDSN(db.PostgresDSN(cfg))
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
