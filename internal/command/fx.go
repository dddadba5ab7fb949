package command

import "go.uber.org/fx"

var Module = fx.Module("command",
	fx.Provide(NewService),
)
