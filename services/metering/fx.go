package metering

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("metering.module",
	fx.Provide(
		NewRecorder,
		NewAggregator,
		NewEvaluator,
		NewCleaner,
		NewHooks,
	),
)

// WorkerModule binds the queue handlers; include it only in processes
// that run the asynq server.
var WorkerModule = fx.Module("metering.worker",
	fx.Invoke(registerHandlers),
)

func registerHandlers(mux *asynq.ServeMux, recorder *Recorder) {
	mux.HandleFunc(TaskUsageRecord, recorder.HandleRecordTask)
}
