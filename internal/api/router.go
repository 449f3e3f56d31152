package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/quillforge/internal/api/middleware"
	"github.com/kiranshivaraju/quillforge/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	// RateLimit is nil when Redis is not configured.
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CreateJob  http.HandlerFunc
	ListJobs   http.HandlerFunc
	GetJob     http.HandlerFunc
	RequeueJob http.HandlerFunc

	CreateBook     http.HandlerFunc
	GetBook        http.HandlerFunc
	CreateChapter  http.HandlerFunc
	EnqueueOutline http.HandlerFunc

	GetChapter        http.HandlerFunc
	DeleteChapter     http.HandlerFunc
	RegenerateChapter http.HandlerFunc
	RunStage          http.HandlerFunc

	GetProgress http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "No such endpoint", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Route("/api/v1/jobs", func(r chi.Router) {
			r.Post("/", orNotImplemented(deps.CreateJob))
			r.Get("/", orNotImplemented(deps.ListJobs))
			r.Get("/{jobID}", orNotImplemented(deps.GetJob))
			r.Post("/{jobID}/requeue", orNotImplemented(deps.RequeueJob))
		})

		r.Route("/api/v1/books", func(r chi.Router) {
			r.Post("/", orNotImplemented(deps.CreateBook))
			r.Get("/{bookID}", orNotImplemented(deps.GetBook))
			r.Post("/{bookID}/chapters", orNotImplemented(deps.CreateChapter))
			r.Post("/{bookID}/outline", orNotImplemented(deps.EnqueueOutline))
		})

		r.Route("/api/v1/chapters/{chapterID}", func(r chi.Router) {
			r.Get("/", orNotImplemented(deps.GetChapter))
			r.Delete("/", orNotImplemented(deps.DeleteChapter))
			r.Post("/regenerate", orNotImplemented(deps.RegenerateChapter))
			r.Post("/stages/{stage}", orNotImplemented(deps.RunStage))
		})

		r.Get("/api/v1/progress/{targetID}", orNotImplemented(deps.GetProgress))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
