// Package openai implements models.AIProvider over the OpenAI chat completions API. The
// same client serves OpenAI itself and the OpenAI-compatible endpoints exposed by Ollama
// and vLLM.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/kiranshivaraju/quillforge/pkg/models"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// placeholderKey is sent to local servers that ignore authentication.
const placeholderKey = "not-needed"

// Config selects the endpoint and model for one provider.
type Config struct {
	Name    string // reported by Name(), e.g. "openai", "ollama", "vllm"
	BaseURL string // empty means api.openai.com
	APIKey  string
	Model   string
}

// Provider implements models.AIProvider using the openai-go client.
type Provider struct {
	name   string
	model  string
	client openai.Client
}

// NewProvider builds a provider. Client-side retries are disabled: failed jobs are retried
// by the worker.
func NewProvider(cfg Config, opts ...option.RequestOption) *Provider {
	key := cfg.APIKey
	if key == "" {
		key = placeholderKey
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &Provider{
		name:   name,
		model:  cfg.Model,
		client: openai.NewClient(reqOpts...),
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (models.CompletionResponse, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
		}
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return models.CompletionResponse{}, p.mapError(ctx, err)
	}
	if len(completion.Choices) == 0 {
		return models.CompletionResponse{}, fmt.Errorf("%s: no completion choices returned", p.name)
	}

	return models.CompletionResponse{
		Content:    completion.Choices[0].Message.Content,
		Model:      completion.Model,
		TokensUsed: int(completion.Usage.TotalTokens),
	}, nil
}

// mapError classifies transport failures: rate limits, server errors and unreachable
// endpoints are reported as unavailable, deadlines as timeouts.
func (p *Provider) mapError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", p.name, models.ErrInferenceTimeout)
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%s: status %d: %w", p.name, apiErr.StatusCode, models.ErrProviderUnavailable)
		}
		return fmt.Errorf("%s: status %d: %s", p.name, apiErr.StatusCode, apiErr.Message)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w: %v", p.name, models.ErrProviderUnavailable, err)
	}
	return fmt.Errorf("%s: %w", p.name, err)
}

var _ models.AIProvider = (*Provider)(nil)
