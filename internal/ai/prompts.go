package ai

import (
	"fmt"
	"strings"

	"github.com/kiranshivaraju/quillforge/pkg/models"
)

const (
	draftSystemPrompt = `You are a novelist drafting one chapter of a book.
Write the full chapter as plain prose. Do not add headings, notes or commentary.`

	summarySystemPrompt = `Summarise the chapter in at most five sentences.
Keep names, places and unresolved threads. Reply with the summary only.`

	statesSystemPrompt = `You track the state of a story.
List every character, place, object or open thread whose state this chapter introduces or changes.
Reply with JSON: {"states": [{"name": "...", "description": "current state after this chapter"}]}`

	outlineSystemPrompt = `You are outlining a book act by act.
Reply with JSON: {"title": "...", "summary": "...", "chapters": ["one line per chapter"]}`
)

var editorFocus = map[string]string{
	models.JobTypeDevEdit:         "structure, pacing, character motivation and whether the chapter delivers its brief",
	models.JobTypeLineEdit:        "sentence rhythm, word choice, clarity and voice",
	models.JobTypeContinuityCheck: "contradictions with the story state: names, timeline, places, objects and facts",
	models.JobTypeCopyEdit:        "grammar, spelling, punctuation and consistent formatting",
}

func editSystemPrompt(stage string) string {
	focus, ok := editorFocus[stage]
	if !ok {
		focus = "overall quality"
	}
	return fmt.Sprintf(`You are an editor reviewing one chapter. Focus on %s.
Reply with JSON:
{"revised": "the full revised chapter, or an empty string to keep it unchanged",
 "approved": true if the chapter is ready for the next pass,
 "suggestions": ["..."],
 "flags": [{"severity": "info|warning|error", "message": "..."}]}`, focus)
}

func buildDraftPrompt(in DraftInput) string {
	var b strings.Builder
	writeBook(&b, in.Book)
	if len(in.PreviousSummaries) > 0 {
		b.WriteString("\nStory so far:\n")
		for i, s := range in.PreviousSummaries {
			fmt.Fprintf(&b, "%d. %s\n", i+1, truncateString(s, 1500))
		}
	}
	writeStates(&b, in.States)
	fmt.Fprintf(&b, "\nChapter %d: %s\nBrief: %s\n", in.Chapter.Number, in.Chapter.Title, in.Chapter.Brief)
	return b.String()
}

func buildEditPrompt(book *models.Book, ch *models.Chapter) string {
	var b strings.Builder
	writeBook(&b, book)
	fmt.Fprintf(&b, "\nChapter %d: %s\nBrief: %s\n\n%s\n", ch.Number, ch.Title, ch.Brief, ch.Content)
	return b.String()
}

func buildStatesPrompt(book *models.Book, ch *models.Chapter, known []models.StoryState) string {
	var b strings.Builder
	writeBook(&b, book)
	writeStates(&b, known)
	fmt.Fprintf(&b, "\nChapter %d: %s\n\n%s\n", ch.Number, ch.Title, ch.Content)
	return b.String()
}

func buildOutlinePrompt(book *models.Book, number, total int, previous []models.OutlineAct) string {
	var b strings.Builder
	writeBook(&b, book)
	for _, act := range previous {
		fmt.Fprintf(&b, "\nAct %d: %s\n%s\n", act.Number, act.Title, act.Summary)
	}
	fmt.Fprintf(&b, "\nWrite act %d of %d.\n", number, total)
	return b.String()
}

func writeBook(b *strings.Builder, book *models.Book) {
	if book == nil {
		return
	}
	fmt.Fprintf(b, "Book: %s\n", book.Title)
	if book.Genre != "" {
		fmt.Fprintf(b, "Genre: %s\n", book.Genre)
	}
	fmt.Fprintf(b, "Premise: %s\n", book.Premise)
}

func writeStates(b *strings.Builder, states []models.StoryState) {
	if len(states) == 0 {
		return
	}
	b.WriteString("\nKnown story state:\n")
	for _, s := range states {
		fmt.Fprintf(b, "- %s: %s\n", s.Name, s.Description)
	}
}
