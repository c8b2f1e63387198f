package candidate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mnemo-ai/mnemo/pkg/engine/score"
	"github.com/mnemo-ai/mnemo/pkg/model"
	"github.com/mnemo-ai/mnemo/pkg/store/sqlite"
)

func newTestStore(t *testing.T) (*Store, *sqlite.Database) {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.New(ctx, sqlite.Config{Path: filepath.Join(t.TempDir(), "mnemo.db")})
	if err != nil {
		t.Fatalf("sqlite.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db.DB(), score.DefaultConfig(), nil), db
}

// seedPool inserts filler candidates so the promotion threshold is high enough
// for observation tests to exercise visit/score behavior without promotion.
func seedPool(t *testing.T, s *Store, userID string, n, topVisits int) {
	t.Helper()
	ctx := context.Background()
	base := s.now().UTC().Add(-time.Minute)
	for i := 0; i < n; i++ {
		visits := 1
		if i == 0 {
			visits = topVisits
		}
		content := "filler fact " + string(rune('a'+i))
		_, err := s.db.ExecContext(ctx, `
            INSERT INTO candidates(id, user_id, content, content_hash, created_at, last_accessed, visit_count, score)
            VALUES(?, ?, ?, ?, ?, ?, ?, 0);
        `, userID+"-"+content+"-id", userID, content, Hash(content), base, base, visits)
		if err != nil {
			t.Fatalf("seed candidate: %v", err)
		}
	}
}

func TestObserveValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.Observe(ctx, "u1", "   "); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("empty content should be a validation error, got %v", err)
	}
	if _, _, err := s.Observe(ctx, "", "likes jazz"); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("empty user should be a validation error, got %v", err)
	}

	if n, err := s.PoolSize(ctx, "u1"); err != nil || n != 0 {
		t.Fatalf("validation failure must be a no-op, pool=%d err=%v", n, err)
	}
}

// Repeated observations of identical content increase visit_count on one
// record instead of creating duplicates, and the score rises monotonically
// within a half-life. Mirrors the "likes sci-fi" scenario.
func TestObserveDedupAndMonotonicScore(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedPool(t, s, "u1", 7, 10)

	prevScore := -1.0
	var id string
	for i := 1; i <= 3; i++ {
		mem, promoted, err := s.Observe(ctx, "u1", "likes sci-fi")
		if err != nil {
			t.Fatalf("observe #%d: %v", i, err)
		}
		if promoted != nil {
			t.Fatalf("observe #%d should not promote (score=%v)", i, mem.Score)
		}
		if mem.VisitCount != i {
			t.Fatalf("observe #%d visit count = %d", i, mem.VisitCount)
		}
		if mem.Score <= prevScore {
			t.Fatalf("observe #%d score not increasing: %v <= %v", i, mem.Score, prevScore)
		}
		if id == "" {
			id = mem.ID
		} else if mem.ID != id {
			t.Fatalf("observe #%d created a second record: %s != %s", i, mem.ID, id)
		}
		prevScore = mem.Score
	}

	n, err := s.PoolSize(ctx, "u1")
	if err != nil {
		t.Fatalf("pool size: %v", err)
	}
	if n != 8 {
		t.Fatalf("expected 8 live candidates (7 filler + 1), got %d", n)
	}
}

// The source threshold formula yields 0 for a pool of size 1, so the first
// fact observed for a fresh user is promoted immediately. Kept deliberately;
// this test flags the behavior.
func TestSingletonObservationPromotesImmediately(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mem, promoted, err := s.Observe(ctx, "fresh-user", "prefers dark mode")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if promoted == nil {
		t.Fatalf("singleton candidate should promote at threshold 0, score=%v", mem.Score)
	}
	if promoted.IsConfirmed {
		t.Fatal("auto-promoted entry must start unconfirmed")
	}
	if n, _ := s.PoolSize(ctx, "fresh-user"); n != 0 {
		t.Fatalf("promoted candidate still in pool, size=%d", n)
	}
}

// Promotion is exactly-once: the promoted candidate lands in the profile pool
// once and is absent from the candidate pool; a later observation of the same
// content starts a fresh candidate.
func TestPromotionExactlyOnce(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	seedPool(t, s, "u1", 7, 10)

	// Drive one candidate's visits to the pool max so a fresh observation
	// composes to 1.0 and crosses threshold(9) ~ 0.844.
	var promoted *model.ProfileEntry
	for i := 0; i < 12 && promoted == nil; i++ {
		var err error
		_, promoted, err = s.Observe(ctx, "u1", "works in fintech")
		if err != nil {
			t.Fatalf("observe #%d: %v", i, err)
		}
	}
	if promoted == nil {
		t.Fatal("candidate never crossed the promotion threshold")
	}

	var count int
	if err := db.DB().QueryRowContext(ctx, `
        SELECT COUNT(*) FROM profiles WHERE user_id = ? AND content = ?;
    `, "u1", "works in fintech").Scan(&count); err != nil {
		t.Fatalf("count profiles: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one promoted profile entry, got %d", count)
	}

	list, err := s.ListAll(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, m := range list {
		if m.Content == "works in fintech" {
			t.Fatal("promoted candidate still visible in candidate pool")
		}
	}

	// Re-observing starts over with visit_count 1.
	mem, _, err := s.Observe(ctx, "u1", "works in fintech")
	if err != nil {
		t.Fatalf("re-observe: %v", err)
	}
	if mem.VisitCount != 1 {
		t.Fatalf("re-observed candidate should restart at visit 1, got %d", mem.VisitCount)
	}
}

func TestListAllOrderedByScore(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedPool(t, s, "u1", 6, 20)

	if _, _, err := s.Observe(ctx, "u1", "recently seen fact"); err != nil {
		t.Fatalf("observe: %v", err)
	}

	list, err := s.ListAll(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 7 {
		t.Fatalf("expected 7 candidates, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].Score > list[i-1].Score {
			t.Fatalf("list not ordered by descending score at %d: %v > %v", i, list[i].Score, list[i-1].Score)
		}
	}

	// Restartable: a second query reflects current state with no cursor.
	again, err := s.ListAll(ctx, "u1")
	if err != nil {
		t.Fatalf("second list: %v", err)
	}
	if len(again) != len(list) {
		t.Fatalf("second list size changed: %d != %d", len(again), len(list))
	}
}

func TestDecayLowersScore(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedPool(t, s, "u1", 6, 20)

	if _, _, err := s.Observe(ctx, "u1", "stale fact"); err != nil {
		t.Fatalf("observe: %v", err)
	}
	fresh, err := s.ListAll(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	freshScore := scoreOf(t, fresh, "stale fact")

	// Jump the clock two half-lives forward.
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	later, err := s.ListAll(ctx, "u1")
	if err != nil {
		t.Fatalf("list after decay: %v", err)
	}
	if got := scoreOf(t, later, "stale fact"); got >= freshScore {
		t.Fatalf("score should decay over time: %v >= %v", got, freshScore)
	}
}

func TestClear(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedPool(t, s, "u1", 5, 10)
	seedPool(t, s, "u2", 3, 10)

	if err := s.Clear(ctx, "u1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := s.PoolSize(ctx, "u1"); n != 0 {
		t.Fatalf("u1 pool not cleared, size=%d", n)
	}
	if n, _ := s.PoolSize(ctx, "u2"); n != 3 {
		t.Fatalf("clear must not touch other users, u2 size=%d", n)
	}
}

func scoreOf(t *testing.T, list []model.CandidateMemory, content string) float64 {
	t.Helper()
	for _, m := range list {
		if m.Content == content {
			return m.Score
		}
	}
	t.Fatalf("candidate %q not found", content)
	return 0
}
