// Package review condenses editor flags for human review. Editors running over successive
// drafts tend to raise the same finding more than once; grouping by a normalized
// fingerprint turns that into one entry with a count.
package review

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/quillforge/pkg/models"
)

var (
	reQuoted     = regexp.MustCompile(`"[^"]*"|“[^”]*”|'[^']{2,}'`)
	reNumber     = regexp.MustCompile(`\d+`)
	reTrailing   = regexp.MustCompile(`[.!?;:]+$`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

const (
	maxSampleBytes     = 2000
	maxNormalizedBytes = 500
)

// FlagGroup is every flag on a chapter that shares a fingerprint.
type FlagGroup struct {
	Fingerprint string    `json:"fingerprint"`
	Severity    string    `json:"severity"`
	Count       int       `json:"count"`
	Stages      []string  `json:"stages"`
	Message     string    `json:"message"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// GroupFlags deduplicates flags by fingerprint. The highest severity in a group wins and
// the first message seen is kept as the sample. Groups are sorted by count, then
// severity, then first appearance. Returns an empty slice for empty input (never nil).
func GroupFlags(flags []models.ChapterFlag) []FlagGroup {
	if len(flags) == 0 {
		return []FlagGroup{}
	}

	groups := make(map[string]*FlagGroup)
	order := make([]string, 0, len(flags))

	for _, f := range flags {
		fp := Fingerprint(f.Message)
		g, ok := groups[fp]
		if !ok {
			g = &FlagGroup{
				Fingerprint: fp,
				Severity:    f.Severity,
				Message:     truncateString(f.Message, maxSampleBytes),
				FirstSeen:   f.CreatedAt,
				LastSeen:    f.CreatedAt,
			}
			groups[fp] = g
			order = append(order, fp)
		}

		g.Count++
		if !slices.Contains(g.Stages, f.Stage) {
			g.Stages = append(g.Stages, f.Stage)
		}
		if f.CreatedAt.Before(g.FirstSeen) {
			g.FirstSeen = f.CreatedAt
		}
		if f.CreatedAt.After(g.LastSeen) {
			g.LastSeen = f.CreatedAt
		}
		if SeverityRank(f.Severity) > SeverityRank(g.Severity) {
			g.Severity = f.Severity
		}
	}

	out := make([]FlagGroup, 0, len(groups))
	for _, fp := range order {
		out = append(out, *groups[fp])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return SeverityRank(out[i].Severity) > SeverityRank(out[j].Severity)
	})
	return out
}

// Fingerprint is a short stable hash of the normalized message.
func Fingerprint(message string) string {
	sum := sha256.Sum256([]byte(NormalizeMessage(message)))
	return fmt.Sprintf("%x", sum[:8])
}

// NormalizeMessage drops the parts of an editor note that vary between passes: quoted
// excerpts, numbers, case, spacing and closing punctuation.
func NormalizeMessage(msg string) string {
	msg = reQuoted.ReplaceAllString(msg, `"…"`)
	msg = reNumber.ReplaceAllString(msg, "n")
	msg = reWhitespace.ReplaceAllString(msg, " ")
	msg = strings.ToLower(strings.TrimSpace(msg))
	msg = reTrailing.ReplaceAllString(msg, "")
	return truncateString(msg, maxNormalizedBytes)
}

func SeverityRank(severity string) int {
	switch severity {
	case models.FlagSeverityError:
		return 2
	case models.FlagSeverityWarning:
		return 1
	default:
		return 0
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
