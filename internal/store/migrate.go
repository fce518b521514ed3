package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/synapsenet/synapsenet/internal/synapseerr"
)

// migration is one forward-only, idempotent schema step. All four
// buckets are already created by Open before migrate runs, so the
// migrations here exist to document schema evolution and to give
// future versions (v5+) a place to add real transformations; today
// each step is a no-op confirmation that its bucket exists.
type migration struct {
	version int
	apply   func(tx *bolt.Tx) error
}

var migrations = []migration{
	{version: 1, apply: func(tx *bolt.Tx) error { return ensureBucket(tx, bucketGrains) }},
	{version: 2, apply: func(tx *bolt.Tx) error { return ensureBucket(tx, bucketGrainAccess) }},
	{version: 3, apply: func(tx *bolt.Tx) error { return ensureBucket(tx, bucketEmbeddingModels) }},
	{version: 4, apply: func(tx *bolt.Tx) error { return ensureBucket(tx, bucketPeerClusters) }},
}

func ensureBucket(tx *bolt.Tx, name string) error {
	_, err := tx.CreateBucketIfNotExists([]byte(name))
	return err
}

// migrate applies every migration after fromVersion in order, per
// §4.3's "migrate(from_version)" contract.
func (d *DB) migrate(fromVersion int) error {
	return d.bdb.Update(func(tx *bolt.Tx) error {
		version := fromVersion
		for _, m := range migrations {
			if m.version <= fromVersion {
				continue
			}
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("migration to v%d failed: %w", m.version, err)
			}
			version = m.version
		}
		if err := d.writeSchemaVersion(tx, version); err != nil {
			return fmt.Errorf("writing schema_version=%d: %w", version, err)
		}
		return nil
	})
}

// Migrate runs pending migrations to CurrentSchemaVersion, matching the
// orchestrator's standalone migrate() operation in §4.8.
func (d *DB) Migrate() error {
	version, err := d.readSchemaVersion()
	if err != nil {
		return err
	}
	if version >= CurrentSchemaVersion {
		return nil
	}
	if err := d.migrate(version); err != nil {
		return synapseerr.New(synapseerr.KindStorage, "store.Migrate", err)
	}
	return nil
}
