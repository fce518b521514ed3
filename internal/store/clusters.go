package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/synapsenet/synapsenet/internal/synapseerr"
)

// clusterMember is the persisted form of one peer's membership in one
// topic cluster, per §3.4.
type clusterMember struct {
	Topic       string    `json:"topic"`
	PeerID      string    `json:"peer_id"`
	LastUpdated time.Time `json:"last_updated"`
}

func clusterKey(topic, peerID string) []byte {
	return []byte(topic + "\x00" + peerID)
}

// UpsertClusterMember records (or refreshes) a peer's membership in a
// topic cluster, keyed so that iteration naturally groups by topic, per
// the index described in §6.3.
func (d *DB) UpsertClusterMember(topic, peerID string) error {
	rec := clusterMember{Topic: topic, PeerID: peerID, LastUpdated: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return synapseerr.New(synapseerr.KindStorage, "store.UpsertClusterMember", err)
	}

	err = d.bdb.Update(func(tx *bolt.Tx) error {
		clusters := tx.Bucket([]byte(bucketPeerClusters))
		return clusters.Put(clusterKey(topic, peerID), data)
	})
	if err != nil {
		return synapseerr.New(synapseerr.KindStorage, "store.UpsertClusterMember", err)
	}
	return nil
}

// RemoveClusterMember evicts a peer from a topic cluster, used when the
// peer's tag similarity falls below the clustering threshold (§4.7);
// inactivity eviction goes through EvictInactiveClusterMembers.
func (d *DB) RemoveClusterMember(topic, peerID string) error {
	err := d.bdb.Update(func(tx *bolt.Tx) error {
		clusters := tx.Bucket([]byte(bucketPeerClusters))
		return clusters.Delete(clusterKey(topic, peerID))
	})
	if err != nil {
		return synapseerr.New(synapseerr.KindStorage, "store.RemoveClusterMember", err)
	}
	return nil
}

// ClusterMembers returns every peer id currently recorded as a member
// of topic.
func (d *DB) ClusterMembers(topic string) ([]string, error) {
	var peers []string
	prefix := topic + "\x00"

	err := d.bdb.View(func(tx *bolt.Tx) error {
		clusters := tx.Bucket([]byte(bucketPeerClusters))
		c := clusters.Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			var rec clusterMember
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal cluster member: %w", err)
			}
			peers = append(peers, rec.PeerID)
		}
		return nil
	})
	if err != nil {
		return nil, synapseerr.New(synapseerr.KindStorage, "store.ClusterMembers", err)
	}
	return peers, nil
}

// EvictInactiveClusterMembers removes every cluster membership whose
// LastUpdated is older than timeout, per the cluster_timeout rule in §4.7.
func (d *DB) EvictInactiveClusterMembers(timeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-timeout)
	var evicted int

	err := d.bdb.Update(func(tx *bolt.Tx) error {
		clusters := tx.Bucket([]byte(bucketPeerClusters))
		var stale [][]byte
		if err := clusters.ForEach(func(k, v []byte) error {
			var rec clusterMember
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal cluster member: %w", err)
			}
			if rec.LastUpdated.Before(cutoff) {
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				stale = append(stale, keyCopy)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := clusters.Delete(k); err != nil {
				return err
			}
			evicted++
		}
		return nil
	})
	if err != nil {
		return 0, synapseerr.New(synapseerr.KindStorage, "store.EvictInactiveClusterMembers", err)
	}
	return evicted, nil
}
