package profile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mnemo-ai/mnemo/pkg/model"
	"github.com/mnemo-ai/mnemo/pkg/store/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.New(ctx, sqlite.Config{Path: filepath.Join(t.TempDir(), "mnemo.db")})
	if err != nil {
		t.Fatalf("sqlite.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db.DB())
}

func TestAddAllowsDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Add(ctx, "u1", "speaks French", "sess-1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	second, err := s.Add(ctx, "u1", "speaks French", "")
	if err != nil {
		t.Fatalf("duplicate add: %v", err)
	}
	if first.PID == second.PID {
		t.Fatal("duplicate add must create a distinct entry")
	}
	if first.IsConfirmed || second.IsConfirmed {
		t.Fatal("direct adds start unconfirmed")
	}

	list, err := s.ListAll(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list))
	}
	if list[0].SessionID != "sess-1" || list[1].SessionID != "" {
		t.Fatalf("session ids not preserved: %q %q", list[0].SessionID, list[1].SessionID)
	}
}

func TestAddValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Add(ctx, "u1", "  ", ""); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("empty content should be rejected, got %v", err)
	}
	if _, err := s.Add(ctx, "", "a fact", ""); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("empty user should be rejected, got %v", err)
	}
}

func TestUpdateOptimisticGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.Add(ctx, "u1", "lives in Berlin", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// Stale previous content: no mutation applied.
	err = s.Update(ctx, "u1", entry.PID, "lives in Munich", "lives in Hamburg")
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("stale guard should conflict, got %v", err)
	}
	got, err := s.Get(ctx, "u1", entry.PID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "lives in Berlin" {
		t.Fatalf("conflicting update mutated content: %q", got.Content)
	}

	// Matching guard succeeds and preserves the pid.
	if err := s.Update(ctx, "u1", entry.PID, "lives in Berlin", "lives in Hamburg"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = s.Get(ctx, "u1", entry.PID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Content != "lives in Hamburg" || got.PID != entry.PID {
		t.Fatalf("update result wrong: %+v", got)
	}

	// Unknown pid and wrong owner are NotFound, not Conflict.
	if err := s.Update(ctx, "u1", "missing-pid", "x", "y"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown pid should be not found, got %v", err)
	}
	if err := s.Update(ctx, "u2", entry.PID, "lives in Hamburg", "y"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("foreign pid should be not found, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.Add(ctx, "u1", "vegetarian", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Delete(ctx, "u1", entry.PID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "u1", entry.PID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestConfirmIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.Add(ctx, "u1", "prefers trains over planes", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	confirmed, err := s.Confirm(ctx, "u1", entry.PID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !confirmed.IsConfirmed {
		t.Fatal("entry not confirmed")
	}

	again, err := s.Confirm(ctx, "u1", entry.PID)
	if err != nil {
		t.Fatalf("second confirm should be a no-op success, got %v", err)
	}
	if !again.IsConfirmed {
		t.Fatal("entry lost confirmation")
	}

	if _, err := s.Confirm(ctx, "u1", "missing-pid"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("confirming unknown pid should be not found, got %v", err)
	}

	list, err := s.ListConfirmed(ctx, "u1")
	if err != nil {
		t.Fatalf("list confirmed: %v", err)
	}
	if len(list) != 1 || list[0].PID != entry.PID {
		t.Fatalf("confirmed list wrong: %+v", list)
	}
}
