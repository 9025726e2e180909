package main

import (
	"metergate/pkg/config"
	"metergate/pkg/db"
	"metergate/pkg/gen"
	"metergate/pkg/hashistack/secretmanager"
	"metergate/pkg/logger"
	"metergate/pkg/redis"
	"metergate/pkg/task"
	"metergate/services/license"
	"metergate/services/metering"

	"go.uber.org/fx"
)

// The worker process drains the metering queue. It shares the database
// and redis with the API process but serves no HTTP traffic.
func main() {
	fx.New(
		secretmanager.Module,
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		task.Client,
		task.Server,

		license.Module,
		metering.Module,
		metering.WorkerModule,
	).Run()
}
