package store

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/synapsenet/synapsenet/internal/grain"
	"github.com/synapsenet/synapsenet/internal/synapseerr"
)

// accessKey builds a sortable key: a fixed-width UTC RFC3339 timestamp
// with all nine fractional digits kept, so byte lexicographic ordering is
// also chronological ordering, the same trick the teacher's ledger keys use.
func accessKey(t time.Time, grainID [grain.IDLen]byte) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), hex.EncodeToString(grainID[:])))
}

// RecordAccess appends an access event and increments the grain's
// local access_count, per §4.3's record_access contract. Access-event
// counts are monotonic non-decreasing per grain id (invariant 5 of §8).
func (d *DB) RecordAccess(id [grain.IDLen]byte, peerID string, accessType grain.AccessType) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	err := d.bdb.Update(func(tx *bolt.Tx) error {
		return d.appendAccessLocked(tx, grain.AccessEvent{GrainID: id, PeerID: peerID, Type: accessType})
	})
	if err != nil {
		return synapseerr.New(synapseerr.KindStorage, "store.RecordAccess", err)
	}
	return nil
}

// appendAccessLocked writes the access event and bumps access_count,
// assuming the caller already holds writeMu and an open write tx.
func (d *DB) appendAccessLocked(tx *bolt.Tx, event grain.AccessEvent) error {
	now := time.Now()
	if event.TSUnixMS == 0 {
		event.TSUnixMS = now.UnixMilli()
	}

	access := tx.Bucket([]byte(bucketGrainAccess))
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal access event: %w", err)
	}
	if err := access.Put(accessKey(now, event.GrainID), data); err != nil {
		return fmt.Errorf("put access event: %w", err)
	}

	grains := tx.Bucket([]byte(bucketGrains))
	existing := grains.Get(event.GrainID[:])
	if existing == nil {
		return nil // grain not yet stored locally (e.g. a query-only access); nothing to bump
	}
	var rec storedGrain
	if err := json.Unmarshal(existing, &rec); err != nil {
		return fmt.Errorf("unmarshal grain for access count: %w", err)
	}
	rec.AccessCount++
	newData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal grain for access count: %w", err)
	}
	return grains.Put(event.GrainID[:], newData)
}

// AccessEventsFor returns every access event recorded against id, in
// chronological order, for the PoE engine's reuse computation.
func (d *DB) AccessEventsFor(id [grain.IDLen]byte) ([]grain.AccessEvent, error) {
	var events []grain.AccessEvent
	suffix := "_" + hex.EncodeToString(id[:])

	err := d.bdb.View(func(tx *bolt.Tx) error {
		access := tx.Bucket([]byte(bucketGrainAccess))
		return access.ForEach(func(k, v []byte) error {
			if len(k) < len(suffix) || string(k[len(k)-len(suffix):]) != suffix {
				return nil
			}
			var event grain.AccessEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("unmarshal access event: %w", err)
			}
			events = append(events, event)
			return nil
		})
	})
	if err != nil {
		return nil, synapseerr.New(synapseerr.KindStorage, "store.AccessEventsFor", err)
	}
	return events, nil
}
