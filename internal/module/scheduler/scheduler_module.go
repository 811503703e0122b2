package scheduler

import (
	"github.com/DODOEX/liquidity-sync/internal/module/shared"
	"go.uber.org/fx"
)

var NewSchedulerModule = fx.Options(
	fx.Provide(func(a *shared.Amqp) EventConsumer {
		return a
	}),
	fx.Provide(NewScheduler),
)
