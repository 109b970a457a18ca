package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/finsight/internal/analytics"
	"github.com/smallbiznis/finsight/internal/clock"
	"github.com/smallbiznis/finsight/internal/config"
	"github.com/smallbiznis/finsight/internal/dispatch"
	"github.com/smallbiznis/finsight/internal/ledger"
	"github.com/smallbiznis/finsight/internal/migration"
	"github.com/smallbiznis/finsight/internal/observability"
	"github.com/smallbiznis/finsight/internal/reportsetting"
	"github.com/smallbiznis/finsight/internal/scheduler"
	"github.com/smallbiznis/finsight/internal/server"
	"github.com/smallbiznis/finsight/pkg/db"
	"go.uber.org/fx"
)

// finsight runs the ops API and the report scheduler in one process. The
// scheduler still honours APP_MODE and SCHEDULER_ENABLED.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional Domains
		ledger.Module,
		reportsetting.Module,
		analytics.Module,
		dispatch.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) *snowflake.Node {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		panic(err)
	}
	return node
}
