package conversation

import (
	"context"
	"unicode/utf8"

	"github.com/mpedrazzi/intentchat/internal/store"
)

// Window builds the bounded context slice handed to classification and
// generation. Both budgets apply: at most MaxTurns turns and at most
// MaxChars total content characters, trimming oldest-first. Building is
// deterministic for a given history.
type Window struct {
	store    store.Store
	maxTurns int
	maxChars int
}

func NewWindow(s store.Store, maxTurns, maxChars int) *Window {
	return &Window{store: s, maxTurns: maxTurns, maxChars: maxChars}
}

// Build returns the most recent turns that fit both budgets, oldest first.
func (w *Window) Build(ctx context.Context, sessionID string) ([]store.Turn, error) {
	turns, err := w.store.ReadRecent(ctx, sessionID, w.maxTurns)
	if err != nil {
		return nil, err
	}
	return trimToCharBudget(turns, w.maxChars), nil
}

// trimToCharBudget drops oldest turns until total content length fits.
// Length counts runes, not bytes, so multibyte content fills the budget
// the same as ASCII. A single over-budget newest turn is still kept; an
// empty window would lose more context than it saves.
func trimToCharBudget(turns []store.Turn, maxChars int) []store.Turn {
	if maxChars <= 0 {
		return turns
	}
	total := 0
	for _, t := range turns {
		total += utf8.RuneCountInString(t.Content)
	}
	start := 0
	for start < len(turns)-1 && total > maxChars {
		total -= utf8.RuneCountInString(turns[start].Content)
		start++
	}
	return turns[start:]
}
