package store

import (
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/synapsenet/synapsenet/internal/annindex"
	"github.com/synapsenet/synapsenet/internal/grain"
	"github.com/synapsenet/synapsenet/internal/synapseerr"
)

// storedGrain is the JSON envelope persisted in the grains bucket: the
// canonical wire bytes plus the two node-local fields the wire format
// omits, per §3.1's invariant.
type storedGrain struct {
	Wire        []byte          `json:"wire"`
	PoEScore    *grain.PoEScore `json:"poe_score,omitempty"`
	AccessCount uint64          `json:"access_count"`
}

// modelRecord tracks one embedding model's dimensionality and how many
// grains reference it, backing the embedding_models table of §4.3.
type modelRecord struct {
	Dimensions uint32 `json:"dimensions"`
	GrainCount uint64 `json:"grain_count"`
}

// ErrAlreadyPresent is returned by Insert when the grain's id is
// already stored, per the idempotent-insert contract in §4.3.
var ErrAlreadyPresent = fmt.Errorf("grain already present")

// Insert verifies g, rejects a duplicate id as a no-op (AlreadyPresent),
// and on success atomically persists it and adds it to the ANN index
// within the same write transaction, per §4.3's concurrency guarantee.
// If isLocal is true, an initial Retrieve access event is appended.
func (d *DB) Insert(g *grain.Grain, isLocal bool) error {
	if err := grain.Verify(g); err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	var skippedDuplicate bool
	var skippedIndex bool

	err := d.bdb.Update(func(tx *bolt.Tx) error {
		grains := tx.Bucket([]byte(bucketGrains))
		if grains.Get(g.ID[:]) != nil {
			skippedDuplicate = true
			return nil
		}

		rec := storedGrain{Wire: grain.WireEncode(g), PoEScore: g.Meta.PoEScore, AccessCount: g.Meta.AccessCount}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal grain: %w", err)
		}
		if err := grains.Put(g.ID[:], data); err != nil {
			return fmt.Errorf("put grain: %w", err)
		}

		if err := d.recordModelUsage(tx, g.Meta); err != nil {
			return err
		}

		matchesActive := !d.activeDimSet || len(g.Vec) == d.activeDim
		if matchesActive {
			if err := d.index.Add(annindex.ID(g.ID), g.Vec); err != nil {
				return fmt.Errorf("index add: %w", err)
			}
			d.activeDim = len(g.Vec)
			d.activeDimSet = true
		} else {
			skippedIndex = true
		}

		if isLocal {
			return d.appendAccessLocked(tx, grain.AccessEvent{GrainID: g.ID, PeerID: "", Type: grain.AccessRetrieve})
		}
		return nil
	})
	if err != nil {
		return synapseerr.New(synapseerr.KindStorage, "store.Insert", err)
	}
	if skippedDuplicate {
		return ErrAlreadyPresent
	}
	_ = skippedIndex // cross-dimension grains are stored but intentionally excluded from the index, per §4.4
	return nil
}

func (d *DB) recordModelUsage(tx *bolt.Tx, meta grain.Meta) error {
	if !meta.EmbeddingModelPresent {
		return nil
	}
	models := tx.Bucket([]byte(bucketEmbeddingModels))
	key := []byte(meta.EmbeddingModel)

	var rec modelRecord
	if existing := models.Get(key); existing != nil {
		if err := json.Unmarshal(existing, &rec); err != nil {
			return fmt.Errorf("unmarshal model record: %w", err)
		}
	} else if meta.EmbeddingDimensionsPresent {
		rec.Dimensions = meta.EmbeddingDimensions
	}
	rec.GrainCount++

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal model record: %w", err)
	}
	return models.Put(key, data)
}

// Get returns the grain for id, or (nil, false) if absent.
func (d *DB) Get(id [grain.IDLen]byte) (*grain.Grain, bool, error) {
	var rec storedGrain
	var found bool

	err := d.bdb.View(func(tx *bolt.Tx) error {
		grains := tx.Bucket([]byte(bucketGrains))
		data := grains.Get(id[:])
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, false, synapseerr.New(synapseerr.KindStorage, "store.Get", err)
	}
	if !found {
		return nil, false, nil
	}

	g, err := grain.WireDecode(rec.Wire)
	if err != nil {
		return nil, false, err
	}
	g.Meta.PoEScore = rec.PoEScore
	g.Meta.AccessCount = rec.AccessCount
	return g, true, nil
}

// SearchResult pairs a grain id with its similarity to the query.
type SearchResult struct {
	ID         [grain.IDLen]byte
	Similarity float32
}

// SearchLocal delegates to the ANN index and records a Search access
// event for every returned id, per §4.3.
func (d *DB) SearchLocal(queryVec []float32, k int) ([]SearchResult, error) {
	hits, err := d.index.Search(queryVec, k)
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, len(hits))
	for i, h := range hits {
		out[i] = SearchResult{ID: [grain.IDLen]byte(h.ID), Similarity: h.Similarity}
	}

	for _, r := range out {
		if err := d.RecordAccess(r.ID, "", grain.AccessSearch); err != nil {
			return out, err
		}
	}
	return out, nil
}

// SearchLocalNoAccessLog is SearchLocal without the access-event side
// effect, for internal callers (the PoE engine's novelty/coherence
// neighbor lookups) that must not count as user-facing queries.
func (d *DB) SearchLocalNoAccessLog(queryVec []float32, k int) ([]SearchResult, error) {
	hits, err := d.index.Search(queryVec, k)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, len(hits))
	for i, h := range hits {
		out[i] = SearchResult{ID: [grain.IDLen]byte(h.ID), Similarity: h.Similarity}
	}
	return out, nil
}

// RebuildIndex clears the ANN index and re-adds every grain matching
// the first dimension encountered, per §4.3/R4. It is run at Open and
// may be re-run after bulk import.
func (d *DB) RebuildIndex() error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	var entries []annindex.Entry
	var dim int
	var dimSet bool

	err := d.bdb.View(func(tx *bolt.Tx) error {
		grains := tx.Bucket([]byte(bucketGrains))
		return grains.ForEach(func(k, v []byte) error {
			var rec storedGrain
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal grain %x: %w", k, err)
			}
			g, err := grain.WireDecode(rec.Wire)
			if err != nil {
				return fmt.Errorf("decode grain %x: %w", k, err)
			}
			if !dimSet {
				dim = len(g.Vec)
				dimSet = true
			}
			if len(g.Vec) != dim {
				return nil // cross-dimension grains are excluded from the index, per §4.4
			}
			entries = append(entries, annindex.Entry{ID: annindex.ID(g.ID), Vec: g.Vec})
			return nil
		})
	})
	if err != nil {
		return synapseerr.New(synapseerr.KindStorage, "store.RebuildIndex", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		for b := 0; b < len(entries[i].ID); b++ {
			if entries[i].ID[b] != entries[j].ID[b] {
				return entries[i].ID[b] < entries[j].ID[b]
			}
		}
		return false
	})

	if err := d.index.Rebuild(entries); err != nil {
		return synapseerr.New(synapseerr.KindIndex, "store.RebuildIndex", err)
	}
	if dimSet {
		d.activeDim = dim
		d.activeDimSet = true
	}
	return nil
}

// ForEachGrain streams every stored grain through fn in bucket (id)
// order, inside a single read-only transaction, for bulk export. fn
// must not call back into d; doing so would deadlock on bbolt's
// single-writer/multiple-reader lock.
func (d *DB) ForEachGrain(fn func(*grain.Grain) error) error {
	err := d.bdb.View(func(tx *bolt.Tx) error {
		grains := tx.Bucket([]byte(bucketGrains))
		return grains.ForEach(func(k, v []byte) error {
			var rec storedGrain
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal grain %x: %w", k, err)
			}
			g, err := grain.WireDecode(rec.Wire)
			if err != nil {
				return fmt.Errorf("decode grain %x: %w", k, err)
			}
			g.Meta.PoEScore = rec.PoEScore
			g.Meta.AccessCount = rec.AccessCount
			return fn(g)
		})
	})
	if err != nil {
		return synapseerr.New(synapseerr.KindStorage, "store.ForEachGrain", err)
	}
	return nil
}

// GrainCount returns the number of grains currently stored, for the
// orchestrator's stats() boundary operation.
func (d *DB) GrainCount() (int, error) {
	var n int
	err := d.bdb.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketGrains)).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, synapseerr.New(synapseerr.KindStorage, "store.GrainCount", err)
	}
	return n, nil
}

// UpdatePoEScore caches a recomputed PoE score against a stored grain,
// per §4.5's "cache the result on the grain" design note.
func (d *DB) UpdatePoEScore(id [grain.IDLen]byte, score grain.PoEScore) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	err := d.bdb.Update(func(tx *bolt.Tx) error {
		grains := tx.Bucket([]byte(bucketGrains))
		data := grains.Get(id[:])
		if data == nil {
			return fmt.Errorf("grain %x not found", id)
		}
		var rec storedGrain
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshal grain: %w", err)
		}
		rec.PoEScore = &score
		newData, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal grain: %w", err)
		}
		return grains.Put(id[:], newData)
	})
	if err != nil {
		return synapseerr.New(synapseerr.KindStorage, "store.UpdatePoEScore", err)
	}
	return nil
}
