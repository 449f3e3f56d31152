package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kiranshivaraju/quillforge/pkg/models"
)

// Provider satisfies models.AIProvider for tests and local runs. Responses are
// deterministic and depend only on the request task.
type Provider struct {
	NameValue    string
	CompleteFunc func(ctx context.Context, req models.CompletionRequest) (models.CompletionResponse, error)

	mu    sync.Mutex
	calls []models.CompletionRequest
}

func (m *Provider) Name() string { return m.NameValue }

func (m *Provider) Complete(ctx context.Context, req models.CompletionRequest) (models.CompletionResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return models.CompletionResponse{}, nil
}

// Calls returns the requests received so far.
func (m *Provider) Calls() []models.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CompletionRequest(nil), m.calls...)
}

// Tasks returns the task of every request received so far, in order.
func (m *Provider) Tasks() []string {
	calls := m.Calls()
	tasks := make([]string, len(calls))
	for i, c := range calls {
		tasks[i] = c.Task
	}
	return tasks
}

// NewProvider returns a Provider with canned responses for every writer task. Editors
// approve with one suggestion and one informational flag.
func NewProvider() *Provider {
	return &Provider{
		NameValue: "mock",
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (models.CompletionResponse, error) {
			return models.CompletionResponse{Content: Respond(req), Model: "mock-v1", TokensUsed: 42}, nil
		},
	}
}

// Respond returns the canned response for req.
func Respond(req models.CompletionRequest) string {
	switch {
	case req.Task == "draft":
		return "The lamp had been dark for eleven years when Mara climbed the stairs. " +
			"Salt crusted the railings and the glass was furred with it, but the brass still turned."
	case strings.HasPrefix(req.Task, "edit:"):
		stage := strings.TrimPrefix(req.Task, "edit:")
		return fmt.Sprintf(`{"revised": "", "approved": true,
			"suggestions": ["%s: tighten the opening paragraph"],
			"flags": [{"severity": "info", "message": "%s: check the lamp's age against chapter one"}]}`, stage, stage)
	case req.Task == "summary":
		return "Mara reaches the lighthouse and finds the lamp still works."
	case req.Task == "states":
		return `{"states": [{"name": "Mara", "description": "Arrived at the lighthouse"},
			{"name": "The lamp", "description": "Dark for eleven years, mechanism intact"}]}`
	case req.Task == "outline_act":
		return `{"title": "The Keeper", "summary": "Mara takes over the lighthouse.",
			"chapters": ["Arrival", "The lamp", "First storm"]}`
	default:
		return "ok"
	}
}

// NewFailingProvider returns a Provider that always returns the given error.
func NewFailingProvider(err error) *Provider {
	return &Provider{
		NameValue: "mock-failing",
		CompleteFunc: func(context.Context, models.CompletionRequest) (models.CompletionResponse, error) {
			return models.CompletionResponse{}, err
		},
	}
}

// NewTimeoutProvider returns a Provider that blocks until the context is cancelled.
func NewTimeoutProvider() *Provider {
	return &Provider{
		NameValue: "mock-timeout",
		CompleteFunc: func(ctx context.Context, _ models.CompletionRequest) (models.CompletionResponse, error) {
			<-ctx.Done()
			return models.CompletionResponse{}, models.ErrInferenceTimeout
		},
	}
}

var _ models.AIProvider = (*Provider)(nil)
