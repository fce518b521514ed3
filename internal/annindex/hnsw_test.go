package annindex

import (
	"testing"
)

func idFromByte(b byte) ID {
	var id ID
	id[0] = b
	return id
}

func TestAddAndSearchFindsExactMatch(t *testing.T) {
	idx := New(DefaultM, DefaultEfConstruction, DefaultEfSearch, DefaultMaxElements)

	vectors := map[byte][]float32{
		1: {1, 0, 0},
		2: {0, 1, 0},
		3: {0, 0, 1},
		4: {0.9, 0.1, 0},
	}
	for b, v := range vectors {
		if err := idx.Add(idFromByte(b), v); err != nil {
			t.Fatalf("Add(%d) failed: %v", b, err)
		}
	}

	results, err := idx.Search([]float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].ID != idFromByte(1) {
		t.Errorf("expected closest match to be id 1, got %v (sim %f)", results[0].ID, results[0].Similarity)
	}
}

func TestSizeTracksInsertions(t *testing.T) {
	idx := New(DefaultM, DefaultEfConstruction, DefaultEfSearch, DefaultMaxElements)
	if idx.Size() != 0 {
		t.Fatalf("expected empty index, got size %d", idx.Size())
	}
	for i := byte(1); i <= 5; i++ {
		if err := idx.Add(idFromByte(i), []float32{float32(i), 0, 0}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if idx.Size() != 5 {
		t.Errorf("expected size 5, got %d", idx.Size())
	}
}

func TestAddRejectsDuplicateID(t *testing.T) {
	idx := New(DefaultM, DefaultEfConstruction, DefaultEfSearch, DefaultMaxElements)
	id := idFromByte(9)
	if err := idx.Add(id, []float32{1, 2, 3}); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	if err := idx.Add(id, []float32{4, 5, 6}); err == nil {
		t.Error("expected an error inserting a duplicate id")
	}
}

func TestAddRejectsDimensionMismatch(t *testing.T) {
	idx := New(DefaultM, DefaultEfConstruction, DefaultEfSearch, DefaultMaxElements)
	if err := idx.Add(idFromByte(1), []float32{1, 2, 3}); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	if err := idx.Add(idFromByte(2), []float32{1, 2}); err == nil {
		t.Error("expected a dimension mismatch error")
	}
}

func TestSearchOnEmptyIndexReturnsEmpty(t *testing.T) {
	idx := New(DefaultM, DefaultEfConstruction, DefaultEfSearch, DefaultMaxElements)
	results, err := idx.Search([]float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("Search on empty index failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results from an empty index, got %d", len(results))
	}
}

func TestKLargerThanStoreReturnsAll(t *testing.T) {
	idx := New(DefaultM, DefaultEfConstruction, DefaultEfSearch, DefaultMaxElements)
	for i := byte(1); i <= 3; i++ {
		if err := idx.Add(idFromByte(i), []float32{float32(i), 0, 0}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	results, err := idx.Search([]float32{1, 0, 0}, 100)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("expected all 3 grains returned when k exceeds store size, got %d", len(results))
	}
}

func TestRebuildProducesFunctionallyEquivalentIndex(t *testing.T) {
	idx := New(DefaultM, DefaultEfConstruction, DefaultEfSearch, DefaultMaxElements)
	entries := []Entry{
		{ID: idFromByte(1), Vec: []float32{1, 0, 0}},
		{ID: idFromByte(2), Vec: []float32{0, 1, 0}},
		{ID: idFromByte(3), Vec: []float32{0.9, 0.1, 0}},
	}
	for _, e := range entries {
		if err := idx.Add(e.ID, e.Vec); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	before, err := idx.Search([]float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search before rebuild failed: %v", err)
	}

	if err := idx.Rebuild(entries); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	after, err := idx.Search([]float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search after rebuild failed: %v", err)
	}

	if len(before) != len(after) {
		t.Fatalf("expected same result count before/after rebuild, got %d vs %d", len(before), len(after))
	}
	if before[0].ID != after[0].ID {
		t.Errorf("expected same top result before/after rebuild, got %v vs %v", before[0].ID, after[0].ID)
	}
}

func TestCosineSimilarityRange(t *testing.T) {
	sim := cosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if sim < -1 || sim > 1 {
		t.Errorf("cosine similarity out of range: %f", sim)
	}
	if sim > 0.001 || sim < -0.001 {
		t.Errorf("expected orthogonal vectors to have ~0 similarity, got %f", sim)
	}
}
