// Package store is the durable semantic store (C3): a BoltDB-backed
// relational schema of four tables plus a schema_version entry, with the
// in-memory ANN index kept inside the same critical section as every
// store mutation so external observers never see a grain in one without
// the other.
//
// Schema (BoltDB bucket layout):
//
//	/grains
//	    key:   grain id (32 bytes)
//	    value: JSON-encoded storedGrain{wire, poe_score, access_count}
//
//	/grain_access
//	    key:   fixed-width RFC3339 nanosecond timestamp + "_" + grain id hex [sortable]
//	    value: JSON-encoded grain.AccessEvent
//
//	/embedding_models
//	    key:   model name
//	    value: JSON-encoded modelRecord{dimensions, grain_count}
//
//	/peer_clusters
//	    key:   topic + "\x00" + peer id  [sortable by topic, per §6.3]
//	    value: JSON-encoded clusterMember{topic, peer_id, last_updated}
//
//	/meta
//	    key:   "schema_version"
//	    value: big-endian uint32, current version 4
//
// Consistency model: single-process, single-writer (BoltDB serializes
// writers); reads use read-only snapshot transactions. The ANN index
// update for insert happens inside the bbolt write transaction, and
// insert and rebuild both run under the DB's writeMu lock, per §4.3/§5.
package store

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/synapsenet/synapsenet/internal/annindex"
	"github.com/synapsenet/synapsenet/internal/synapseerr"
)

const (
	// CurrentSchemaVersion is the schema version this build expects, per §6.3.
	CurrentSchemaVersion = 4

	bucketGrains          = "grains"
	bucketGrainAccess     = "grain_access"
	bucketEmbeddingModels = "embedding_models"
	bucketPeerClusters    = "peer_clusters"
	bucketMeta            = "meta"

	metaSchemaVersionKey = "schema_version"
)

// DB wraps a BoltDB instance plus the in-memory ANN index it keeps
// synchronized with the grains table. Insert performs the index
// mutation inside its bbolt write transaction, and a second lock,
// writeMu, serializes the write paths on top of bbolt's own writer lock,
// per §4.3's "same critical section" requirement.
type DB struct {
	bdb *bolt.DB

	// writeMu serializes Insert, RebuildIndex, RecordAccess and
	// UpdatePoEScore so the bbolt commit and the index mutation are
	// never observed in a torn state, even though bbolt's own writer
	// lock already serializes the Update calls themselves.
	writeMu sync.Mutex

	index        *annindex.Index
	activeDim    int
	activeDimSet bool
}

// Open opens (or creates) the BoltDB database at path, initializes all
// required buckets, runs schema migrations to CurrentSchemaVersion, and
// rebuilds the ANN index from the grains table.
func Open(path string, idx *annindex.Index) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, synapseerr.New(synapseerr.KindStorage, "store.Open", err)
	}

	d := &DB{bdb: bdb, index: idx}

	if err := d.bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketGrains, bucketGrainAccess, bucketEmbeddingModels, bucketPeerClusters, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, synapseerr.New(synapseerr.KindStorage, "store.Open", err)
	}

	version, err := d.readSchemaVersion()
	if err != nil {
		_ = bdb.Close()
		return nil, err
	}
	if version < CurrentSchemaVersion {
		if err := d.migrate(version); err != nil {
			_ = bdb.Close()
			return nil, err
		}
	}

	if err := d.RebuildIndex(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.bdb.Close()
}

func (d *DB) readSchemaVersion() (int, error) {
	var version int
	err := d.bdb.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte(metaSchemaVersionKey))
		if v == nil {
			version = 0
			return nil
		}
		if len(v) != 4 {
			return fmt.Errorf("malformed schema_version value (want 4 bytes, got %d)", len(v))
		}
		version = int(binary.BigEndian.Uint32(v))
		return nil
	})
	if err != nil {
		return 0, synapseerr.New(synapseerr.KindStorage, "store.readSchemaVersion", err)
	}
	return version, nil
}

func (d *DB) writeSchemaVersion(tx *bolt.Tx, version int) error {
	meta := tx.Bucket([]byte(bucketMeta))
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], uint32(version))
	return meta.Put([]byte(metaSchemaVersionKey), v[:])
}
