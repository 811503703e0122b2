package main

import (
	"time"

	"go.uber.org/fx"

	"github.com/DODOEX/liquidity-sync/internal/application"
	"github.com/DODOEX/liquidity-sync/internal/bootstrap"
	"github.com/DODOEX/liquidity-sync/internal/database"
	"github.com/DODOEX/liquidity-sync/internal/module/pipeline"
	"github.com/DODOEX/liquidity-sync/internal/module/scheduler"
	"github.com/DODOEX/liquidity-sync/internal/module/shared"
	"github.com/DODOEX/liquidity-sync/internal/router"
	fxzerolog "github.com/efectn/fx-zerolog"
	_ "go.uber.org/automaxprocs"
)

func main() {
	fx.New(
		/* provide patterns */
		// basic
		shared.NewSharedModule,
		scheduler.NewSchedulerModule,
		// application
		fx.Provide(application.NewApplication),
		// database
		fx.Provide(database.NewDatabase),
		// router
		fx.Provide(router.NewRouter),
		/* provide modules */
		pipeline.NewPipelineModule,
		// start aplication
		fx.Invoke(bootstrap.Start),
		// define logger
		fx.WithLogger(fxzerolog.Init()),
		// invoke scheduler tasks
		fx.Invoke(func(s *scheduler.Scheduler) {
			go s.StartSyncTokens()
			go s.StartDecoratePools()
			go s.StartPruneRuns()
			go s.StartConsumeTokensSynced()
		}),
		fx.StartTimeout(10*time.Minute),
	).Run()
}
