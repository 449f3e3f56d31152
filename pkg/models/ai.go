// Package models contains shared data models used across the quillforge codebase.
package models

import (
	"context"
	"errors"
)

// AIProvider is the core interface that all text-generation integrations implement.
// Never call specific AI providers directly; always inject this interface.
type AIProvider interface {
	// Complete runs one completion and returns the generated text.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	// Name returns the provider identifier (e.g., "openai", "ollama").
	Name() string
}

// CompletionRequest is the input to a single completion call.
type CompletionRequest struct {
	Task        string // what the call is for, e.g. "draft", "edit:line_edit"; used by mocks and logs
	System      string
	Prompt      string
	JSON        bool // ask the model for a JSON object
	MaxTokens   int
	Temperature float64
}

// CompletionResponse is the output of a single completion call.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensUsed int
}

// Provider errors. Implementations wrap these so callers can classify failures without
// importing a specific provider.
var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
)
