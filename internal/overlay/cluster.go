package overlay

import (
	"time"

	"github.com/synapsenet/synapsenet/internal/meshstate"
	"github.com/synapsenet/synapsenet/internal/store"
)

// JaccardThreshold is the default tag-similarity cutoff for cluster
// membership, per §3.4.
const JaccardThreshold = 0.7

// DefaultClusterTimeout evicts a cluster member that hasn't been
// refreshed within this window, per §4.7.
const DefaultClusterTimeout = 5 * time.Minute

// DefaultFanout is the number of best-clustered peers a forwarded
// message is re-broadcast to, per §4.6's "up to F (default 3)" rule.
const DefaultFanout = 3

// ClusterManager maintains topic membership by tag-Jaccard similarity
// and biases forwarding toward the best-clustered, best-reputed peers.
// Membership itself is persisted through db; ranking uses the
// in-memory meshstate.Store.
type ClusterManager struct {
	db    *store.DB
	peers *meshstate.Store
}

// NewClusterManager builds a manager over db's cluster table and the
// shared peer reputation/proximity store.
func NewClusterManager(db *store.DB, peers *meshstate.Store) *ClusterManager {
	return &ClusterManager{db: db, peers: peers}
}

// JaccardSimilarity computes |a ∩ b| / |a ∪ b| over two tag sets.
func JaccardSimilarity(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	union := make(map[string]bool, len(a)+len(b))
	for _, t := range a {
		union[t] = true
	}
	var intersection int
	for _, t := range b {
		union[t] = true
		if set[t] {
			intersection++
		}
	}
	if len(union) == 0 {
		return 0
	}
	return float64(intersection) / float64(len(union))
}

// ConsiderPeer evaluates whether peerTags qualifies peerID for
// membership in topic (whose identity is its own tag set, per §3.4's
// "Jaccard similarity of its advertised tags to the cluster topic").
// A peer already below threshold is removed from the cluster; the
// membership is refreshed (or created) otherwise.
func (cm *ClusterManager) ConsiderPeer(topic string, topicTags []string, peerID meshstate.PeerID, peerTags []string) (bool, error) {
	if JaccardSimilarity(topicTags, peerTags) < JaccardThreshold {
		if err := cm.db.RemoveClusterMember(topic, string(peerID)); err != nil {
			return false, err
		}
		return false, nil
	}
	if err := cm.db.UpsertClusterMember(topic, string(peerID)); err != nil {
		return false, err
	}
	return true, nil
}

// EvictInactive removes cluster memberships untouched for longer than
// timeout (DefaultClusterTimeout if timeout <= 0).
func (cm *ClusterManager) EvictInactive(timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = DefaultClusterTimeout
	}
	return cm.db.EvictInactiveClusterMembers(timeout)
}

// ForwardTargets returns up to fanout (DefaultFanout if fanout <= 0)
// peer ids for topic, biased toward the cluster's best-proximity,
// best-reputation peers, per §4.6/§4.7.
func (cm *ClusterManager) ForwardTargets(topic string, fanout int) ([]meshstate.PeerID, error) {
	if fanout <= 0 {
		fanout = DefaultFanout
	}

	members, err := cm.db.ClusterMembers(topic)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	memberSet := make(map[meshstate.PeerID]bool, len(members))
	for _, m := range members {
		memberSet[meshstate.PeerID(m)] = true
	}

	ranked := cm.peers.BestPeers(len(memberSet))
	out := make([]meshstate.PeerID, 0, fanout)
	for _, id := range ranked {
		if !memberSet[id] {
			continue
		}
		out = append(out, id)
		if len(out) >= fanout {
			break
		}
	}

	if len(out) < fanout {
		for id := range memberSet {
			if len(out) >= fanout {
				break
			}
			already := false
			for _, o := range out {
				if o == id {
					already = true
					break
				}
			}
			if !already {
				out = append(out, id)
			}
		}
	}

	return out, nil
}
