// Package extract defines the contract for turning raw behavior text into
// candidate facts. The production extractor is an external LLM service; the
// heuristic implementation keeps the engine runnable without one.
package extract

import (
	"context"
	"strings"
	"unicode/utf8"
)

// Extractor converts one piece of raw content into zero or more short
// candidate facts.
type Extractor interface {
	Extract(ctx context.Context, content string) ([]string, error)
}

// HeuristicExtractor is a lightweight placeholder using simple rules.
type HeuristicExtractor struct {
	// MaxFactLen truncates individual facts. Zero means 120.
	MaxFactLen int
}

func NewHeuristic() *HeuristicExtractor { return &HeuristicExtractor{} }

// Extract splits content on sentence and line boundaries and keeps non-empty
// fragments as facts. A fragment longer than MaxFactLen is truncated.
func (h *HeuristicExtractor) Extract(_ context.Context, content string) ([]string, error) {
	maxLen := h.MaxFactLen
	if maxLen <= 0 {
		maxLen = 120
	}

	fields := strings.FieldsFunc(content, func(r rune) bool {
		switch r {
		case '\n', '.', ';', '!', '?', '。', '！', '？':
			return true
		}
		return false
	})

	var facts []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if len(f) > maxLen {
			// Back up to a rune boundary so truncation never emits
			// invalid UTF-8.
			cut := maxLen
			for cut > 0 && !utf8.RuneStart(f[cut]) {
				cut--
			}
			f = f[:cut]
		}
		facts = append(facts, f)
	}
	return facts, nil
}

var _ Extractor = (*HeuristicExtractor)(nil)
