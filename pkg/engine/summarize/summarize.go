// Package summarize defines the contract for compressing tool invocation
// records into reusable guidance text. The production summarizer is an
// external LLM service; the heuristic implementation derives guidance from
// failure and latency patterns.
package summarize

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mnemo-ai/mnemo/pkg/model"
)

// Summarizer condenses a batch of tool records into one guidance entry.
type Summarizer interface {
	Summarize(ctx context.Context, records []model.ToolMemoryRecord) (string, error)
}

// HeuristicSummarizer reports per-tool failure rates and latency without an
// external model.
type HeuristicSummarizer struct{}

func NewHeuristic() *HeuristicSummarizer { return &HeuristicSummarizer{} }

type toolStats struct {
	calls    int
	failures int
	totalMs  int64
	lastFail string
}

// Summarize produces one line per tool, e.g.
// "web_search: 2/5 calls failed (last: timeout), avg 840ms".
func (h *HeuristicSummarizer) Summarize(_ context.Context, records []model.ToolMemoryRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	stats := make(map[string]*toolStats)
	for _, rec := range records {
		st, ok := stats[rec.ToolName]
		if !ok {
			st = &toolStats{}
			stats[rec.ToolName] = st
		}
		st.calls++
		st.totalMs += rec.TimeCostMs
		if rec.Status == model.ToolFailure {
			st.failures++
			st.lastFail = strings.TrimSpace(rec.Output)
		}
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	var lines []string
	for _, name := range names {
		st := stats[name]
		avg := st.totalMs / int64(st.calls)
		line := fmt.Sprintf("%s: %d/%d calls failed, avg %dms", name, st.failures, st.calls, avg)
		if st.lastFail != "" {
			if len(st.lastFail) > 80 {
				st.lastFail = st.lastFail[:80]
			}
			line += fmt.Sprintf(" (last failure: %s)", st.lastFail)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

var _ Summarizer = (*HeuristicSummarizer)(nil)
