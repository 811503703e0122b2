package router

import (
	"github.com/DODOEX/liquidity-sync/internal/module/pipeline"
)

type Router struct {
	PipelineRouter *pipeline.PipelineRouter
}

func NewRouter(
	pipelineRouter *pipeline.PipelineRouter,
) *Router {
	return &Router{
		PipelineRouter: pipelineRouter,
	}
}

// Register routes
func (r *Router) Register() {
	// Register routes of modules
	r.PipelineRouter.RegisterSyncRoutes()
}
