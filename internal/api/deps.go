package api

import (
	"github.com/kiranshivaraju/quillforge/internal/api/handler"
	mw "github.com/kiranshivaraju/quillforge/internal/api/middleware"
	"github.com/kiranshivaraju/quillforge/internal/cache"
	"github.com/kiranshivaraju/quillforge/internal/store"
)

// Services are the collaborators the HTTP surface is built from.
type Services struct {
	Store    store.Store
	Cache    cache.Cache // nil disables rate limiting and the cache health check
	Pipeline handler.Pipeline
	Progress handler.ProgressReader

	RateLimitPerMinute int
}

// NewDependencies builds every handler and middleware the router mounts.
func NewDependencies(svc Services) Dependencies {
	deps := Dependencies{
		CreateJob:  handler.NewCreateJobHandler(svc.Pipeline),
		ListJobs:   handler.NewListJobsHandler(svc.Store),
		GetJob:     handler.NewGetJobHandler(svc.Store),
		RequeueJob: handler.NewRequeueJobHandler(svc.Store),

		CreateBook:     handler.NewCreateBookHandler(svc.Store),
		GetBook:        handler.NewGetBookHandler(svc.Store),
		CreateChapter:  handler.NewCreateChapterHandler(svc.Store),
		EnqueueOutline: handler.NewEnqueueOutlineHandler(svc.Store, svc.Pipeline),

		GetChapter:        handler.NewGetChapterHandler(svc.Store),
		DeleteChapter:     handler.NewDeleteChapterHandler(svc.Store),
		RegenerateChapter: handler.NewRegenerateHandler(svc.Pipeline),
		RunStage:          handler.NewRunStageHandler(svc.Pipeline),

		GetProgress: handler.NewProgressHandler(svc.Progress),
	}

	if svc.Cache != nil {
		deps.HealthHandler = handler.NewHealthHandler(svc.Store, svc.Cache)
		deps.RateLimit = mw.NewRateLimit(svc.Cache, svc.RateLimitPerMinute)
	} else {
		deps.HealthHandler = handler.NewHealthHandler(svc.Store, nil)
	}
	return deps
}
