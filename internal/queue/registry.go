package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/kiranshivaraju/quillforge/pkg/models"
)

// Handler executes one job. Returning nil completes the job; any other error is retried
// unless it is marked Permanent.
type Handler func(ctx context.Context, job *models.Job) error

// Registry maps job types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs h for jobType, replacing any previous handler.
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	r.handlers[jobType] = h
	r.mu.Unlock()
}

func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

func (r *Registry) Has(jobType string) bool {
	_, ok := r.Lookup(jobType)
	return ok
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
