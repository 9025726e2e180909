package main

import (
	"context"

	"metergate/internal/httpapi"
	"metergate/pkg/config"
	"metergate/pkg/db"
	"metergate/pkg/gen"
	"metergate/pkg/hashistack/secretmanager"
	"metergate/pkg/health"
	"metergate/pkg/locker"
	"metergate/pkg/logger"
	"metergate/pkg/mailer"
	"metergate/pkg/otelcol"
	"metergate/pkg/otelcol/exporters"
	"metergate/pkg/profiling"
	"metergate/pkg/redis"
	"metergate/pkg/server"
	"metergate/pkg/task"
	"metergate/services/alert"
	"metergate/services/license"
	"metergate/services/metering"
	"metergate/services/scheduler"
	"metergate/services/sync"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

func main() {
	fx.New(
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		exporters.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		gen.Module,
		locker.Module,
		mailer.Module,
		task.Client,
		health.Module,

		license.Module,
		metering.Module,
		alert.Module,
		sync.Module,
		scheduler.Module,

		httpapi.Module,
		server.Module,

		fx.Invoke(migrate),
	).Run()
}

func migrate(lc fx.Lifecycle, gdb *gorm.DB) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return gdb.WithContext(ctx).AutoMigrate(
				&license.License{},
				&metering.UsageEvent{},
				&metering.AggregatedUsage{},
				&alert.UsageAlert{},
			)
		},
	})
}
