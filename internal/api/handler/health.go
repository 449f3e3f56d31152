package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/quillforge/internal/api/response"
)

// Pinger is anything with a liveness check: the store and the cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// NewHealthHandler returns GET /api/v1/health. cache may be nil when Redis is not configured.
func NewHealthHandler(db Pinger, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		res := healthResponse{Status: "ok", Checks: map[string]string{"database": "ok"}}
		if err := db.Ping(ctx); err != nil {
			res.Status = "degraded"
			res.Checks["database"] = err.Error()
		}
		if cache == nil {
			res.Checks["cache"] = "disabled"
		} else if err := cache.Ping(ctx); err != nil {
			res.Status = "degraded"
			res.Checks["cache"] = err.Error()
		} else {
			res.Checks["cache"] = "ok"
		}

		if res.Status != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "UNHEALTHY", "A dependency is unavailable", res)
			return
		}
		response.JSON(w, res)
	}
}
