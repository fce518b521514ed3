// Package observability exposes the counters and histograms this node
// emits, adapted from the sibling orchestrator's pkg/metrics package:
// package-level promauto-registered collectors rather than an
// injected registry, the same module-global style.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GrainsInserted counts successful store inserts of grains received
	// over gossip (origin "remote"); locally added grains are not counted.
	GrainsInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapsenet_grains_inserted_total",
			Help: "Total number of grains inserted into the local store.",
		},
		[]string{"origin"},
	)

	// GossipMessagesSent counts outbound gossip stream writes, both
	// grains.put announcements and grains.ack receipts.
	GossipMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "synapsenet_gossip_messages_sent_total",
			Help: "Total number of grains.put and grains.ack gossip messages sent.",
		},
	)

	// GossipMessagesReceived counts inbound gossip stream reads, split
	// by result: accepted, rejected or duplicate for grains.put, and ack
	// for grains.ack.
	GossipMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapsenet_gossip_messages_received_total",
			Help: "Total number of grains.put and grains.ack gossip messages received.",
		},
		[]string{"result"},
	)

	// PoEScoresComputed counts PoE recomputations performed by the
	// background queue.
	PoEScoresComputed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "synapsenet_poe_scores_computed_total",
			Help: "Total number of PoE scores recomputed.",
		},
	)

	// QueryLatency records wall-clock time from Query() call to
	// merged-result return, per §4.6's bounded collection window.
	QueryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "synapsenet_query_latency_seconds",
			Help:    "Distributed query latency from dispatch to merged result.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// DHTLookupLatency records Kademlia lookup duration for
	// find_peers_for_topic operations (overlay.TopicAdvertiser.FindPeers).
	DHTLookupLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "synapsenet_dht_lookup_latency_seconds",
			Help:    "DHT lookup latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ConnectedPeers tracks the current connected-peer count.
	ConnectedPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "synapsenet_connected_peers",
			Help: "Number of currently connected mesh peers.",
		},
	)

	// BannedPeers tracks the current count of reputation-banned peers;
	// the guard's short local rate-limit bans are not counted.
	BannedPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "synapsenet_banned_peers",
			Help: "Number of currently banned peers.",
		},
	)
)
