package shared

import (
	"go.uber.org/fx"
)

var NewSharedModule = fx.Options(
	fx.Provide(NewKoanfInstance),
	fx.Provide(NewLogger),
	fx.Provide(NewNetworks),
	fx.Provide(NewRedisClient),
	fx.Provide(NewSlackReporter),
	fx.Provide(NewReporter),
	fx.Provide(NewRabbitMQ),
)
