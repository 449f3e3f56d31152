package models

import "time"

// Book groups chapters and owns the outline and the running story state.
type Book struct {
	ID        string    `db:"id"         json:"id"`
	Title     string    `db:"title"      json:"title"`
	Premise   string    `db:"premise"    json:"premise"`
	Genre     string    `db:"genre"      json:"genre"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Chapter is the usual job target. Content, Summary and flags are derived state that a
// regeneration resets.
type Chapter struct {
	ID        string    `db:"id"         json:"id"`
	BookID    string    `db:"book_id"    json:"book_id"`
	Number    int       `db:"number"     json:"number"`
	Title     string    `db:"title"      json:"title"`
	Brief     string    `db:"brief"      json:"brief"`
	Content   string    `db:"content"    json:"content"`
	Summary   string    `db:"summary"    json:"summary"`
	WordCount int       `db:"word_count" json:"word_count"`
	LastStage string    `db:"last_stage" json:"last_stage,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

const (
	FlagSeverityInfo    = "info"
	FlagSeverityWarning = "warning"
	FlagSeverityError   = "error"
)

// ChapterFlag is an editor finding kept for human review. Flags never halt the pipeline.
type ChapterFlag struct {
	ID        int64     `db:"id"         json:"id"`
	ChapterID string    `db:"chapter_id" json:"chapter_id"`
	Stage     string    `db:"stage"      json:"stage"`
	Severity  string    `db:"severity"   json:"severity"`
	Message   string    `db:"message"    json:"message"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// StoryState is one tracked fact about the story (a character, a place, an open thread),
// upserted by (BookID, Name) whenever a chapter's state updates are propagated.
type StoryState struct {
	BookID      string    `db:"book_id"     json:"book_id"`
	Name        string    `db:"name"        json:"name"`
	Description string    `db:"description" json:"description"`
	ChapterID   string    `db:"chapter_id"  json:"chapter_id"`
	UpdatedAt   time.Time `db:"updated_at"  json:"updated_at"`
}

// StageResult is what a single pipeline stage reports back. Editor stages fill
// Suggestions, Flags and Approved; the result is also stored as the job checkpoint.
type StageResult struct {
	Stage       string `json:"stage"`
	TargetID    string `json:"target_id"`
	Suggestions int    `json:"suggestions"`
	Flags       int    `json:"flags"`
	Approved    bool   `json:"approved"`
	WordCount   int    `json:"word_count,omitempty"`
}
