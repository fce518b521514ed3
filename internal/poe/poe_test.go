package poe

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/synapsenet/synapsenet/internal/annindex"
	"github.com/synapsenet/synapsenet/internal/crypto"
	"github.com/synapsenet/synapsenet/internal/grain"
	"github.com/synapsenet/synapsenet/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synapsenet.db")
	db, err := store.Open(path, annindex.New(0, 0, 0, 0))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newScoredGrain(t *testing.T, vec []float32, tags []string) *grain.Grain {
	t.Helper()
	key, err := crypto.GenerateSigningKey(crypto.BackendClassical)
	if err != nil {
		t.Fatalf("GenerateSigningKey failed: %v", err)
	}
	g, err := grain.New(vec, grain.Meta{MIME: "text/plain", Tags: tags}, key)
	if err != nil {
		t.Fatalf("grain.New failed: %v", err)
	}
	return g
}

func TestNoveltyIsOneOnEmptyStore(t *testing.T) {
	db := openTestDB(t)
	engine := New(db, Weights{}, 0)

	g := newScoredGrain(t, []float32{1, 0, 0}, []string{"rust"})
	score, ngt, err := engine.Score(g)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score.Novelty != 1.0 {
		t.Errorf("expected novelty 1.0 on an empty store, got %f", score.Novelty)
	}
	if ngt <= 1 {
		t.Errorf("expected reward above the floor for a novel grain, got %f", ngt)
	}
}

func TestNoveltyIsLowForNearDuplicate(t *testing.T) {
	db := openTestDB(t)
	engine := New(db, Weights{}, 0)

	for i := 0; i < 10; i++ {
		unrelated := newScoredGrain(t, []float32{0, 1, 0}, []string{"go"})
		if err := db.Insert(unrelated, false); err != nil {
			t.Fatalf("Insert unrelated failed: %v", err)
		}
	}

	original := newScoredGrain(t, []float32{1, 0, 0}, []string{"rust"})
	if err := db.Insert(original, false); err != nil {
		t.Fatalf("Insert original failed: %v", err)
	}

	duplicate := newScoredGrain(t, []float32{1, 0, 0}, []string{"rust"})
	score, ngt, err := engine.Score(duplicate)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score.Novelty >= noveltySpamThreshold {
		t.Errorf("expected novelty below the spam threshold %f for a near-duplicate, got %f", noveltySpamThreshold, score.Novelty)
	}
	if ngt != 0 {
		t.Errorf("expected zero reward for a near-duplicate, got %f", ngt)
	}
}

func TestCoherenceRewardsTagOverlapAmongNeighbors(t *testing.T) {
	db := openTestDB(t)
	engine := New(db, Weights{}, 0)

	for i := 0; i < 5; i++ {
		neighbor := newScoredGrain(t, []float32{0.9, 0.1, 0}, []string{"rust", "systems"})
		if err := db.Insert(neighbor, false); err != nil {
			t.Fatalf("Insert neighbor failed: %v", err)
		}
	}

	g := newScoredGrain(t, []float32{1, 0, 0}, []string{"rust"})
	score, _, err := engine.Score(g)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score.Coherence <= 0 {
		t.Errorf("expected positive coherence with overlapping-tag neighbors, got %f", score.Coherence)
	}
}

func TestReuseIsZeroForUnaccessedGrain(t *testing.T) {
	db := openTestDB(t)
	engine := New(db, Weights{}, 0)

	g := newScoredGrain(t, []float32{0.3, 0.3, 0.3}, nil)
	if err := db.Insert(g, false); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	score, _, err := engine.Score(g)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score.Reuse != 0 {
		t.Errorf("expected zero reuse for a grain with no access events, got %f", score.Reuse)
	}
}

func TestReuseGrowsWithDiversePeerAccess(t *testing.T) {
	db := openTestDB(t)
	engine := New(db, Weights{}, 0)

	g := newScoredGrain(t, []float32{0.5, 0.5, 0}, nil)
	if err := db.Insert(g, false); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	peers := []string{"peer-a", "peer-b", "peer-c", "peer-d"}
	for _, p := range peers {
		if err := db.RecordAccess(g.ID, p, grain.AccessRetrieve); err != nil {
			t.Fatalf("RecordAccess failed: %v", err)
		}
	}

	score, _, err := engine.Score(g)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score.Reuse <= 0 {
		t.Errorf("expected positive reuse after accesses from distinct peers, got %f", score.Reuse)
	}
}

func TestRewardRespectsPerAuthorRateLimit(t *testing.T) {
	db := openTestDB(t)
	engine := New(db, Weights{}, 1)

	key, err := crypto.GenerateSigningKey(crypto.BackendClassical)
	if err != nil {
		t.Fatalf("GenerateSigningKey failed: %v", err)
	}

	g1, err := grain.New([]float32{1, 0, 0}, grain.Meta{MIME: "text/plain"}, key)
	if err != nil {
		t.Fatalf("grain.New g1 failed: %v", err)
	}
	g2, err := grain.New([]float32{0, 1, 0}, grain.Meta{MIME: "text/plain"}, key)
	if err != nil {
		t.Fatalf("grain.New g2 failed: %v", err)
	}

	if err := db.Insert(g1, false); err != nil {
		t.Fatalf("Insert g1 failed: %v", err)
	}
	if err := db.Insert(g2, false); err != nil {
		t.Fatalf("Insert g2 failed: %v", err)
	}

	_, ngt1, err := engine.Score(g1)
	if err != nil {
		t.Fatalf("Score g1 failed: %v", err)
	}
	if ngt1 <= 0 {
		t.Errorf("expected nonzero reward for the first grain within the author's rate cap, got %f", ngt1)
	}

	_, ngt2, err := engine.Score(g2)
	if err != nil {
		t.Fatalf("Score g2 failed: %v", err)
	}
	if ngt2 != 0 {
		t.Errorf("expected zero reward once the author exceeds the per-minute cap, got %f", ngt2)
	}
}

func TestRecomputeQueueAppliesScoreAsynchronously(t *testing.T) {
	db := openTestDB(t)
	engine := New(db, Weights{}, 0)

	g := newScoredGrain(t, []float32{0.2, 0.4, 0.1}, []string{"go"})
	if err := db.Insert(g, false); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewRecomputeQueue(ctx, engine, db)
	q.Enqueue(g.ID)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, ok, err := db.Get(g.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if ok && got.Meta.PoEScore != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected recompute queue to apply a PoE score within the deadline")
}
