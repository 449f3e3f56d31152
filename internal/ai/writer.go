package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/quillforge/pkg/models"
)

// Task names sent with every completion request.
const (
	TaskDraft      = "draft"
	TaskSummary    = "summary"
	TaskStates     = "states"
	TaskOutlineAct = "outline_act"
	taskEditPrefix = "edit:"
)

// EditTask returns the task name used for an editor stage.
func EditTask(stage string) string { return taskEditPrefix + stage }

// DraftInput is everything the writer needs to draft one chapter.
type DraftInput struct {
	Book              *models.Book
	Chapter           *models.Chapter
	PreviousSummaries []string
	States            []models.StoryState
}

// EditResult is the parsed response of one editor pass.
type EditResult struct {
	Revised     string     `json:"revised"`
	Approved    bool       `json:"approved"`
	Suggestions []string   `json:"suggestions"`
	Flags       []EditFlag `json:"flags"`
}

type EditFlag struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

type StateUpdate struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Writer turns stage requests into prompts, calls the configured provider and validates
// what comes back.
type Writer struct {
	provider models.AIProvider
	timeout  time.Duration
	logger   *slog.Logger
}

func NewWriter(provider models.AIProvider, timeout time.Duration, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{provider: provider, timeout: timeout, logger: logger.With("component", "writer")}
}

func (w *Writer) Provider() string { return w.provider.Name() }

// DraftChapter writes the chapter prose from its brief.
func (w *Writer) DraftChapter(ctx context.Context, in DraftInput) (string, error) {
	resp, err := w.complete(ctx, models.CompletionRequest{
		Task:        TaskDraft,
		System:      draftSystemPrompt,
		Prompt:      buildDraftPrompt(in),
		MaxTokens:   4096,
		Temperature: 0.8,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// Edit runs one editor pass over the chapter content. An empty revision keeps the text
// unchanged.
func (w *Writer) Edit(ctx context.Context, stage string, book *models.Book, ch *models.Chapter) (*EditResult, error) {
	resp, err := w.complete(ctx, models.CompletionRequest{
		Task:        EditTask(stage),
		System:      editSystemPrompt(stage),
		Prompt:      buildEditPrompt(book, ch),
		JSON:        true,
		MaxTokens:   4096,
		Temperature: 0.3,
	})
	if err != nil {
		return nil, err
	}

	var res EditResult
	if err := decodeJSON(resp.Content, &res); err != nil {
		return nil, fmt.Errorf("%s: %w", stage, err)
	}
	res.Revised = strings.TrimSpace(res.Revised)
	if res.Revised == "" {
		res.Revised = ch.Content
	}
	for i := range res.Flags {
		res.Flags[i].Severity = normalizeSeverity(res.Flags[i].Severity)
		res.Flags[i].Message = truncateString(strings.TrimSpace(res.Flags[i].Message), 1000)
	}
	return &res, nil
}

// Summarize returns a short summary used as context for later chapters.
func (w *Writer) Summarize(ctx context.Context, ch *models.Chapter) (string, error) {
	resp, err := w.complete(ctx, models.CompletionRequest{
		Task:        TaskSummary,
		System:      summarySystemPrompt,
		Prompt:      fmt.Sprintf("Chapter %d: %s\n\n%s", ch.Number, ch.Title, ch.Content),
		MaxTokens:   512,
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	return truncateString(strings.TrimSpace(resp.Content), 2000), nil
}

// ExtractStates lists the story facts the chapter introduces or changes.
func (w *Writer) ExtractStates(ctx context.Context, book *models.Book, ch *models.Chapter, known []models.StoryState) ([]StateUpdate, error) {
	resp, err := w.complete(ctx, models.CompletionRequest{
		Task:        TaskStates,
		System:      statesSystemPrompt,
		Prompt:      buildStatesPrompt(book, ch, known),
		JSON:        true,
		MaxTokens:   1024,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		States []StateUpdate `json:"states"`
	}
	if err := decodeJSON(resp.Content, &out); err != nil {
		return nil, fmt.Errorf("states: %w", err)
	}
	updates := out.States[:0]
	for _, s := range out.States {
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			continue
		}
		updates = append(updates, s)
	}
	return updates, nil
}

// OutlineAct drafts act number of total, continuing from the acts already written.
func (w *Writer) OutlineAct(ctx context.Context, book *models.Book, number, total int, previous []models.OutlineAct) (*models.OutlineAct, error) {
	resp, err := w.complete(ctx, models.CompletionRequest{
		Task:        TaskOutlineAct,
		System:      outlineSystemPrompt,
		Prompt:      buildOutlinePrompt(book, number, total, previous),
		JSON:        true,
		MaxTokens:   1024,
		Temperature: 0.7,
	})
	if err != nil {
		return nil, err
	}

	var act models.OutlineAct
	if err := decodeJSON(resp.Content, &act); err != nil {
		return nil, fmt.Errorf("outline act %d: %w", number, err)
	}
	act.Number = number
	if strings.TrimSpace(act.Title) == "" {
		act.Title = fmt.Sprintf("Act %d", number)
	}
	return &act, nil
}

func (w *Writer) complete(ctx context.Context, req models.CompletionRequest) (models.CompletionResponse, error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := w.provider.Complete(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrInferenceTimeout) {
			err = fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
		}
		return models.CompletionResponse{}, fmt.Errorf("%s: %w", req.Task, err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return models.CompletionResponse{}, fmt.Errorf("%s: empty content: %w", req.Task, ErrInvalidResponse)
	}

	w.logger.Debug("completion finished",
		"task", req.Task,
		"provider", w.provider.Name(),
		"model", resp.Model,
		"tokens", resp.TokensUsed,
		"duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}

// decodeJSON parses a model response, tolerating a surrounding markdown code fence.
func decodeJSON(content string, v any) error {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

func normalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case models.FlagSeverityInfo:
		return models.FlagSeverityInfo
	case models.FlagSeverityError:
		return models.FlagSeverityError
	default:
		return models.FlagSeverityWarning
	}
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
