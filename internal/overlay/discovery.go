package overlay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"

	"github.com/synapsenet/synapsenet/internal/observability"
)

// topicPrefix namespaces per-topic DHT rendezvous strings away from
// the mesh package's single general-purpose discovery topic.
const topicPrefix = "synapsenet-topic:"

// TopicAdvertiser advertises and discovers peers under individual
// subscribed topics (§3.4/§4.7), layered on top of the DHT routing
// discovery the mesh transport already bootstraps. It is a no-op in
// local mode, where Discovery() is nil.
type TopicAdvertiser struct {
	discovery *routing.RoutingDiscovery
}

// NewTopicAdvertiser wraps d; d may be nil (local mode / no DHT).
func NewTopicAdvertiser(d *routing.RoutingDiscovery) *TopicAdvertiser {
	return &TopicAdvertiser{discovery: d}
}

// Advertise announces this node as a provider for topic.
func (t *TopicAdvertiser) Advertise(ctx context.Context, topic string) error {
	if t.discovery == nil {
		return nil
	}
	_, err := t.discovery.Advertise(ctx, topicPrefix+topic)
	if err != nil {
		return fmt.Errorf("advertise topic %q: %w", topic, err)
	}
	return nil
}

// FindPeers returns up to limit peers advertising topic, or nil
// immediately in local mode.
func (t *TopicAdvertiser) FindPeers(ctx context.Context, topic string, limit int) ([]peer.AddrInfo, error) {
	if t.discovery == nil {
		return nil, nil
	}
	start := time.Now()
	defer func() { observability.DHTLookupLatency.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	peerChan, err := t.discovery.FindPeers(ctx, topicPrefix+topic)
	if err != nil {
		return nil, fmt.Errorf("find peers for topic %q: %w", topic, err)
	}

	out := make([]peer.AddrInfo, 0, limit)
	for pi := range peerChan {
		out = append(out, pi)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// RefreshLoop periodically re-advertises every topic in topics until
// ctx is cancelled, keeping this node's DHT provider records fresh.
func (t *TopicAdvertiser) RefreshLoop(ctx context.Context, topics func() []string, interval time.Duration) {
	if t.discovery == nil {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, topic := range topics() {
				if err := t.Advertise(ctx, topic); err != nil {
					log.Printf("overlay: topic advertise refresh failed: %v", err)
				}
			}
		}
	}
}
