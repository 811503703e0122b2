package pipeline

import (
	"github.com/DODOEX/liquidity-sync/internal/application"
	"github.com/DODOEX/liquidity-sync/internal/database"
	"github.com/DODOEX/liquidity-sync/internal/module/pipeline/controller"
	"github.com/DODOEX/liquidity-sync/internal/module/pipeline/middleware"
	"github.com/DODOEX/liquidity-sync/internal/module/pipeline/repository"
	"github.com/DODOEX/liquidity-sync/internal/module/pipeline/service"
	"github.com/DODOEX/liquidity-sync/internal/module/shared"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

type PipelineRouter struct {
	App        *application.Application
	Controller controller.SyncController
	AdminKey   string
	Logger     zerolog.Logger
}

var NewPipelineModule = fx.Options(
	// store
	fx.Provide(database.NewStore),
	fx.Provide(func(r shared.Reporter) database.ErrorReporter {
		return r
	}),

	// register repository of pipeline module
	fx.Provide(repository.NewTokenRepository),
	fx.Provide(repository.NewPoolRepository),
	fx.Provide(repository.NewSyncRunRepository),

	// redis 实现 service.Cache, amqp 实现 service.EventPublisher
	fx.Provide(func(r *shared.RedisClient) service.Cache {
		return r
	}),
	fx.Provide(func(a *shared.Amqp) service.EventPublisher {
		if a == nil || !a.Enabled {
			return nil
		}
		return a
	}),

	fx.Provide(service.NewCoinGeckoService),
	fx.Provide(service.NewTokenInfoService),
	fx.Provide(service.NewPriceAggregatorService),
	fx.Provide(service.NewSyncService),

	fx.Provide(func(store *database.Store) controller.HealthChecker {
		return store
	}),
	fx.Provide(controller.NewSyncController),

	fx.Provide(NewPipelineRouter),
)

func NewPipelineRouter(cfg *koanf.Koanf, app *application.Application, syncController controller.SyncController, logger zerolog.Logger) *PipelineRouter {
	return &PipelineRouter{
		App:        app,
		Controller: syncController,
		AdminKey:   cfg.String("app.admin-key"),
		Logger:     logger,
	}
}

// RegisterSyncRoutes registers the sync triggers and the read endpoints.
func (_i *PipelineRouter) RegisterSyncRoutes() {
	syncController := _i.Controller
	adminKey := middleware.AdminKeyMiddleware(_i.AdminKey, _i.Logger)

	_i.App.Router.POST("/sync/tokens", adminKey(syncController.SyncTokens))
	_i.App.Router.POST("/sync/tokens/{chainId}/prices", adminKey(syncController.RefreshTokenPrices))
	_i.App.Router.POST("/sync/pools/{chainId}", adminKey(syncController.DecoratePools))
	_i.App.Router.GET("/sync/runs", syncController.GetRuns)

	_i.App.Router.GET("/k8s/healthz", syncController.CheckHealthz)
}
