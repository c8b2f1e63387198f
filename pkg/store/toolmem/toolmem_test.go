package toolmem

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mnemo-ai/mnemo/pkg/model"
	"github.com/mnemo-ai/mnemo/pkg/store/sqlite"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.New(ctx, sqlite.Config{Path: filepath.Join(t.TempDir(), "mnemo.db")})
	if err != nil {
		t.Fatalf("sqlite.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db.DB(), nil, cfg)
}

func record(tool string, status model.ToolStatus) model.ToolMemoryRecord {
	return model.ToolMemoryRecord{
		ToolName:   tool,
		Input:      "{}",
		Output:     "ok",
		Status:     status,
		TimeCostMs: 120,
	}
}

func TestAppendValidation(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	if err := s.Append(ctx, "", record("web_search", model.ToolSuccess)); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("empty user should be rejected, got %v", err)
	}
	rec := record("", model.ToolSuccess)
	if err := s.Append(ctx, "u1", rec); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("empty tool name should be rejected, got %v", err)
	}
	rec = record("web_search", model.ToolStatus("maybe"))
	if err := s.Append(ctx, "u1", rec); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("unknown status should be rejected, got %v", err)
	}
}

// The count trigger fires when unsummarized records exceed the threshold:
// five appends stay buffered, the sixth triggers a pass and resets the count.
func TestCountThresholdTrigger(t *testing.T) {
	s := newTestStore(t, Config{TimeThreshold: time.Hour})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, "u1", record("web_search", model.ToolSuccess)); err != nil {
			t.Fatalf("append #%d: %v", i+1, err)
		}
	}
	if n, _ := s.UnsummarizedCount(ctx, "u1"); n != 5 {
		t.Fatalf("expected 5 buffered records, got %d", n)
	}
	guidance, err := s.RetrieveGuidance(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(guidance) != 0 {
		t.Fatalf("no pass should have run yet, got %d guidance entries", len(guidance))
	}

	if err := s.Append(ctx, "u1", record("web_search", model.ToolFailure)); err != nil {
		t.Fatalf("append #6: %v", err)
	}
	if n, _ := s.UnsummarizedCount(ctx, "u1"); n != 0 {
		t.Fatalf("count should reset after pass, got %d", n)
	}
	guidance, err = s.RetrieveGuidance(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("retrieve after pass: %v", err)
	}
	if len(guidance) != 1 {
		t.Fatalf("expected one guidance entry, got %d", len(guidance))
	}
	if !strings.Contains(guidance[0].Text, "web_search") {
		t.Fatalf("guidance does not mention the tool: %q", guidance[0].Text)
	}

	// Source records survive the pass; only the mark advanced.
	if n, _ := s.RecordCount(ctx, "u1"); n != 6 {
		t.Fatalf("summarization must not delete records, got %d", n)
	}
}

// The time trigger fires once the elapsed time since the last pass exceeds
// the threshold, even with few records.
func TestTimeThresholdTrigger(t *testing.T) {
	s := newTestStore(t, Config{TimeThreshold: 300 * time.Second})
	ctx := context.Background()

	if err := s.Append(ctx, "u1", record("code_exec", model.ToolFailure)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if g, _ := s.RetrieveGuidance(ctx, "u1", nil); len(g) != 0 {
		t.Fatalf("pass ran before the time threshold, got %d entries", len(g))
	}

	s.now = func() time.Time { return time.Now().Add(301 * time.Second) }
	ran, err := s.SummarizeIfDue(ctx, "u1")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !ran {
		t.Fatal("time threshold should have triggered a pass")
	}
	if g, _ := s.RetrieveGuidance(ctx, "u1", nil); len(g) != 1 {
		t.Fatalf("expected one guidance entry, got %d", len(g))
	}
	if n, _ := s.UnsummarizedCount(ctx, "u1"); n != 0 {
		t.Fatalf("mark did not advance, %d unsummarized", n)
	}

	// Timer reset: immediately re-checking does nothing.
	ran, err = s.SummarizeIfDue(ctx, "u1")
	if err != nil {
		t.Fatalf("recheck: %v", err)
	}
	if ran {
		t.Fatal("pass should not re-run right after a flush")
	}
}

func TestSweepDueCoversIdleUsers(t *testing.T) {
	s := newTestStore(t, Config{TimeThreshold: 300 * time.Second})
	ctx := context.Background()

	if err := s.Append(ctx, "u1", record("web_search", model.ToolFailure)); err != nil {
		t.Fatalf("append u1: %v", err)
	}
	if err := s.Append(ctx, "u2", record("code_exec", model.ToolSuccess)); err != nil {
		t.Fatalf("append u2: %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	if err := s.SweepDue(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	for _, u := range []string{"u1", "u2"} {
		if g, _ := s.RetrieveGuidance(ctx, u, nil); len(g) != 1 {
			t.Fatalf("sweep missed user %s, got %d entries", u, len(g))
		}
	}
}

type flakySummarizer struct {
	fail bool
}

func (f *flakySummarizer) Summarize(context.Context, []model.ToolMemoryRecord) (string, error) {
	if f.fail {
		return "", errors.New("summarizer offline")
	}
	return "guidance", nil
}

// A summarizer failure must not fail the append: the record is already
// durable, and failing the caller would make a resubmit duplicate it. The
// sweep retries the pass once the summarizer recovers.
func TestAppendSurvivesSummarizerFailure(t *testing.T) {
	s := newTestStore(t, Config{TimeThreshold: time.Hour, CountThreshold: 1})
	flaky := &flakySummarizer{fail: true}
	s.summarizer = flaky
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.Append(ctx, "u1", record("web_search", model.ToolFailure)); err != nil {
			t.Fatalf("append #%d: %v", i+1, err)
		}
	}
	if n, _ := s.RecordCount(ctx, "u1"); n != 2 {
		t.Fatalf("expected both records despite failing summarizer, got %d", n)
	}
	if g, _ := s.RetrieveGuidance(ctx, "u1", nil); len(g) != 0 {
		t.Fatalf("failed pass must not store guidance, got %d entries", len(g))
	}
	if n, _ := s.UnsummarizedCount(ctx, "u1"); n != 2 {
		t.Fatalf("failed pass must not advance the mark, %d unsummarized", n)
	}

	flaky.fail = false
	if err := s.SweepDue(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if g, _ := s.RetrieveGuidance(ctx, "u1", nil); len(g) != 1 {
		t.Fatalf("sweep should retry the pass, got %d entries", len(g))
	}
}

func TestRetrieveGuidanceRanking(t *testing.T) {
	s := newTestStore(t, Config{TimeThreshold: time.Hour, CountThreshold: 1})
	ctx := context.Background()

	// Two passes over different tools: threshold 1 means the second append of
	// a batch triggers.
	for i := 0; i < 2; i++ {
		if err := s.Append(ctx, "u1", record("web_search", model.ToolFailure)); err != nil {
			t.Fatalf("append web_search: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := s.Append(ctx, "u1", record("code_exec", model.ToolSuccess)); err != nil {
			t.Fatalf("append code_exec: %v", err)
		}
	}

	all, err := s.RetrieveGuidance(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("retrieve all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected two guidance entries, got %d", len(all))
	}

	matched, err := s.RetrieveGuidance(ctx, "u1", []string{"code_exec"})
	if err != nil {
		t.Fatalf("retrieve by tool: %v", err)
	}
	if len(matched) != 1 {
		t.Fatalf("expected one matching entry, got %d", len(matched))
	}
	if !strings.Contains(matched[0].Text, "code_exec") {
		t.Fatalf("wrong entry ranked first: %q", matched[0].Text)
	}
}
