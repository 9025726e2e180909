package alert

import "go.uber.org/fx"

var Module = fx.Module("alert.module",
	fx.Provide(NewManager),
)
