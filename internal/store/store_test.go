package store

import (
	"path/filepath"
	"testing"

	"github.com/synapsenet/synapsenet/internal/annindex"
	"github.com/synapsenet/synapsenet/internal/crypto"
	"github.com/synapsenet/synapsenet/internal/grain"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synapsenet.db")
	db, err := Open(path, annindex.New(0, 0, 0, 0))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestGrain(t *testing.T, vec []float32, tags []string) *grain.Grain {
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

func TestInsertAndGet(t *testing.T) {
	db := openTestDB(t)
	g := newTestGrain(t, []float32{0.1, 0.2, 0.3}, []string{"rust"})

	if err := db.Insert(g, true); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, ok, err := db.Get(g.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected grain to be found after insert")
	}
	if got.ID != g.ID {
		t.Errorf("got id %x, want %x", got.ID, g.ID)
	}
}

func TestInsertDuplicateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	g := newTestGrain(t, []float32{0.4, 0.5, 0.6}, nil)

	if err := db.Insert(g, false); err != nil {
		t.Fatalf("first Insert failed: %v", err)
	}
	err := db.Insert(g, false)
	if err != ErrAlreadyPresent {
		t.Errorf("expected ErrAlreadyPresent on duplicate insert, got %v", err)
	}
}

func TestInsertRejectsInvalidGrain(t *testing.T) {
	db := openTestDB(t)
	g := newTestGrain(t, []float32{0.1, 0.1}, nil)
	g.ID[0] ^= 0xFF

	if err := db.Insert(g, false); err == nil {
		t.Error("expected Insert to reject a grain with a tampered id")
	}
}

func TestSearchLocalReturnsInsertedGrainAndRecordsAccess(t *testing.T) {
	db := openTestDB(t)
	g := newTestGrain(t, []float32{1, 0, 0}, []string{"rust", "systems"})
	if err := db.Insert(g, false); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	results, err := db.SearchLocal([]float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("SearchLocal failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].ID != g.ID {
		t.Errorf("expected matching id, got %x", results[0].ID)
	}

	events, err := db.AccessEventsFor(g.ID)
	if err != nil {
		t.Fatalf("AccessEventsFor failed: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Type == grain.AccessSearch {
			found = true
		}
	}
	if !found {
		t.Error("expected a Search access event after SearchLocal")
	}
}

func TestSearchLocalOnEmptyStoreReturnsEmpty(t *testing.T) {
	db := openTestDB(t)
	results, err := db.SearchLocal([]float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("SearchLocal failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results from an empty store, got %d", len(results))
	}
}

func TestRecordAccessIsMonotonic(t *testing.T) {
	db := openTestDB(t)
	g := newTestGrain(t, []float32{0.2, 0.2, 0.2}, nil)
	if err := db.Insert(g, false); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := db.RecordAccess(g.ID, "peer-1", grain.AccessReference); err != nil {
			t.Fatalf("RecordAccess failed: %v", err)
		}
	}

	got, _, err := db.Get(g.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Meta.AccessCount != 3 {
		t.Errorf("expected access_count 3, got %d", got.Meta.AccessCount)
	}
}

func TestRebuildIndexProducesEquivalentSearch(t *testing.T) {
	db := openTestDB(t)
	g1 := newTestGrain(t, []float32{1, 0, 0}, nil)
	g2 := newTestGrain(t, []float32{0, 1, 0}, nil)
	if err := db.Insert(g1, false); err != nil {
		t.Fatalf("Insert g1 failed: %v", err)
	}
	if err := db.Insert(g2, false); err != nil {
		t.Fatalf("Insert g2 failed: %v", err)
	}

	if err := db.RebuildIndex(); err != nil {
		t.Fatalf("RebuildIndex failed: %v", err)
	}

	results, err := db.SearchLocal([]float32{1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("SearchLocal after rebuild failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != g1.ID {
		t.Errorf("expected g1 as the top match after rebuild, got %+v", results)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("first Migrate failed: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate should be a no-op, got: %v", err)
	}
}

func TestClusterMembersTracksTopic(t *testing.T) {
	db := openTestDB(t)
	if err := db.UpsertClusterMember("rust", "peer-a"); err != nil {
		t.Fatalf("UpsertClusterMember failed: %v", err)
	}
	if err := db.UpsertClusterMember("rust", "peer-b"); err != nil {
		t.Fatalf("UpsertClusterMember failed: %v", err)
	}
	if err := db.UpsertClusterMember("go", "peer-c"); err != nil {
		t.Fatalf("UpsertClusterMember failed: %v", err)
	}

	members, err := db.ClusterMembers("rust")
	if err != nil {
		t.Fatalf("ClusterMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("expected 2 members of topic \"rust\", got %d", len(members))
	}
}
