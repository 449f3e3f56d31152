package ai_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/quillforge/internal/ai"
	"github.com/kiranshivaraju/quillforge/internal/ai/mock"
	"github.com/kiranshivaraju/quillforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBook() *models.Book {
	return &models.Book{ID: "book-1", Title: "The Lighthouse", Premise: "A keeper finds a map.", Genre: "mystery"}
}

func sampleChapter() *models.Chapter {
	return &models.Chapter{
		ID: "chapter-1", BookID: "book-1", Number: 1, Title: "Arrival",
		Brief: "Mara arrives at the lighthouse.", Content: "Mara climbed the stairs.",
	}
}

func fixedProvider(content string) *mock.Provider {
	return &mock.Provider{
		NameValue: "fixed",
		CompleteFunc: func(context.Context, models.CompletionRequest) (models.CompletionResponse, error) {
			return models.CompletionResponse{Content: content}, nil
		},
	}
}

func TestWriter_DraftChapter(t *testing.T) {
	p := mock.NewProvider()
	w := ai.NewWriter(p, time.Second, nil)

	text, err := w.DraftChapter(context.Background(), ai.DraftInput{
		Book:              sampleBook(),
		Chapter:           sampleChapter(),
		PreviousSummaries: []string{"Mara inherits the lighthouse."},
		States:            []models.StoryState{{Name: "Mara", Description: "Grieving"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, text)

	calls := p.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ai.TaskDraft, calls[0].Task)
	assert.Contains(t, calls[0].Prompt, "Mara arrives at the lighthouse.")
	assert.Contains(t, calls[0].Prompt, "Mara inherits the lighthouse.")
	assert.Contains(t, calls[0].Prompt, "Mara: Grieving")
	assert.False(t, calls[0].JSON)
}

func TestWriter_EditKeepsContentWhenNotRevised(t *testing.T) {
	p := mock.NewProvider()
	w := ai.NewWriter(p, time.Second, nil)

	res, err := w.Edit(context.Background(), models.JobTypeDevEdit, sampleBook(), sampleChapter())
	require.NoError(t, err)
	assert.Equal(t, "Mara climbed the stairs.", res.Revised)
	assert.True(t, res.Approved)
	assert.Len(t, res.Suggestions, 1)
	require.Len(t, res.Flags, 1)
	assert.Equal(t, models.FlagSeverityInfo, res.Flags[0].Severity)

	calls := p.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "edit:dev_edit", calls[0].Task)
	assert.True(t, calls[0].JSON)
	assert.Contains(t, calls[0].System, "structure")
}

func TestWriter_EditParsesFencedJSON(t *testing.T) {
	w := ai.NewWriter(fixedProvider("```json\n{\"revised\": \"New text.\", \"approved\": false, "+
		"\"flags\": [{\"severity\": \"CRITICAL\", \"message\": \"timeline\"}]}\n```"), time.Second, nil)

	res, err := w.Edit(context.Background(), models.JobTypeContinuityCheck, sampleBook(), sampleChapter())
	require.NoError(t, err)
	assert.Equal(t, "New text.", res.Revised)
	assert.False(t, res.Approved)
	require.Len(t, res.Flags, 1)
	assert.Equal(t, models.FlagSeverityWarning, res.Flags[0].Severity)
}

func TestWriter_EditInvalidJSON(t *testing.T) {
	w := ai.NewWriter(fixedProvider("I think the chapter is great."), time.Second, nil)

	_, err := w.Edit(context.Background(), models.JobTypeLineEdit, sampleBook(), sampleChapter())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ai.ErrInvalidResponse))
}

func TestWriter_EmptyResponse(t *testing.T) {
	w := ai.NewWriter(fixedProvider("   "), time.Second, nil)

	_, err := w.Summarize(context.Background(), sampleChapter())
	assert.ErrorIs(t, err, ai.ErrInvalidResponse)
}

func TestWriter_Summarize(t *testing.T) {
	w := ai.NewWriter(mock.NewProvider(), time.Second, nil)
	summary, err := w.Summarize(context.Background(), sampleChapter())
	require.NoError(t, err)
	assert.Contains(t, summary, "lighthouse")
}

func TestWriter_ExtractStatesSkipsUnnamed(t *testing.T) {
	w := ai.NewWriter(fixedProvider(`{"states": [{"name": " Mara ", "description": "Keeper"}, {"name": "", "description": "?"}]}`), time.Second, nil)

	states, err := w.ExtractStates(context.Background(), sampleBook(), sampleChapter(), nil)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "Mara", states[0].Name)
}

func TestWriter_OutlineAct(t *testing.T) {
	p := mock.NewProvider()
	w := ai.NewWriter(p, time.Second, nil)
	previous := []models.OutlineAct{{Number: 1, Title: "Arrival", Summary: "Mara arrives."}}

	act, err := w.OutlineAct(context.Background(), sampleBook(), 2, 5, previous)
	require.NoError(t, err)
	assert.Equal(t, 2, act.Number)
	assert.NotEmpty(t, act.Title)
	assert.NotEmpty(t, act.Chapters)

	prompt := p.Calls()[0].Prompt
	assert.Contains(t, prompt, "Act 1: Arrival")
	assert.Contains(t, prompt, "Write act 2 of 5.")
}

func TestWriter_OutlineActDefaultTitle(t *testing.T) {
	w := ai.NewWriter(fixedProvider(`{"summary": "Storm."}`), time.Second, nil)
	act, err := w.OutlineAct(context.Background(), sampleBook(), 3, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, "Act 3", act.Title)
}

func TestWriter_Timeout(t *testing.T) {
	w := ai.NewWriter(mock.NewTimeoutProvider(), 20*time.Millisecond, nil)
	_, err := w.DraftChapter(context.Background(), ai.DraftInput{Book: sampleBook(), Chapter: sampleChapter()})
	assert.ErrorIs(t, err, ai.ErrInferenceTimeout)
}

func TestWriter_TimeoutWrapsUntypedErrors(t *testing.T) {
	p := &mock.Provider{
		NameValue: "slow",
		CompleteFunc: func(ctx context.Context, _ models.CompletionRequest) (models.CompletionResponse, error) {
			<-ctx.Done()
			return models.CompletionResponse{}, ctx.Err()
		},
	}
	w := ai.NewWriter(p, 20*time.Millisecond, nil)
	_, err := w.Summarize(context.Background(), sampleChapter())
	assert.ErrorIs(t, err, ai.ErrInferenceTimeout)
}

func TestWriter_ProviderErrorsPropagate(t *testing.T) {
	w := ai.NewWriter(mock.NewFailingProvider(ai.ErrProviderUnavailable), time.Second, nil)
	_, err := w.Summarize(context.Background(), sampleChapter())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ai.ErrProviderUnavailable))
	assert.True(t, strings.HasPrefix(err.Error(), "summary:"))
	assert.Equal(t, "mock-failing", w.Provider())
}
