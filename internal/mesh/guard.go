package mesh

import (
	"fmt"
	"sync"
	"time"

	"github.com/synapsenet/synapsenet/internal/meshstate"
)

// RequestKind distinguishes the two independently rate-limited traffic
// classes §4.6 names: grain publications (gossip announce and fetch)
// and distributed queries.
type RequestKind int

const (
	GuardKindGrain RequestKind = iota
	GuardKindQuery
)

// GuardConfig controls the Guard's rate limiting and ban behavior.
type GuardConfig struct {
	MaxGrainsPerMin  int // default 100, per §4.6
	MaxQueriesPerMin int // default 60, per §4.6
	BanTimeout       time.Duration
}

type peerStats struct {
	grainCount    int
	grainWindowAt time.Time
	queryCount    int
	queryWindowAt time.Time

	bannedUntil time.Time
	failedAuth  int
}

// Guard gates incoming gossip/fetch/query streams with separate
// per-peer fixed one-minute rate windows (a window's count restarts once
// it is more than a minute old) for grain traffic and query traffic,
// per §4.6's "100 grain publications/minute, 60 queries/minute",
// tracking bans in-memory and feeding confirmed abuse back into the
// shared meshstate reputation table.
type Guard struct {
	cfg   GuardConfig
	peers *meshstate.Store

	mu    sync.Mutex
	stats map[meshstate.PeerID]*peerStats

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewGuard builds a Guard backed by peers for reputation feedback.
func NewGuard(cfg GuardConfig, peers *meshstate.Store) *Guard {
	if cfg.MaxGrainsPerMin <= 0 {
		cfg.MaxGrainsPerMin = 100
	}
	if cfg.MaxQueriesPerMin <= 0 {
		cfg.MaxQueriesPerMin = 60
	}
	if cfg.BanTimeout <= 0 {
		cfg.BanTimeout = meshstate.ReputationBanCooldown
	}
	g := &Guard{
		cfg:      cfg,
		peers:    peers,
		stats:    make(map[meshstate.PeerID]*peerStats),
		stopChan: make(chan struct{}),
	}
	go g.cleanupLoop()
	return g
}

// CheckRateLimit enforces the per-minute request cap for id in the
// given traffic class, per §4.6's "excessive traffic" penalty.
// Exceeding it applies a small per-violation reputation decay
// (meshstate.ReputationRateLimitPenalty) rather than an instant ban;
// repeated violations accumulate toward meshstate.ReputationBanThreshold
// the same way any other penalty does. The peer is also briefly
// locally rate-banned for BanTimeout to stop the immediate flood.
func (g *Guard) CheckRateLimit(id meshstate.PeerID, kind RequestKind) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	s, ok := g.stats[id]
	if !ok {
		s = &peerStats{}
		g.stats[id] = s
	}

	if now.Before(s.bannedUntil) {
		return fmt.Errorf("peer banned until %v", s.bannedUntil)
	}

	var count *int
	var windowAt *time.Time
	var max int
	switch kind {
	case GuardKindQuery:
		count, windowAt, max = &s.queryCount, &s.queryWindowAt, g.cfg.MaxQueriesPerMin
	default:
		count, windowAt, max = &s.grainCount, &s.grainWindowAt, g.cfg.MaxGrainsPerMin
	}

	if windowAt.IsZero() || now.Sub(*windowAt) > time.Minute {
		*count = 1
		*windowAt = now
		return nil
	}

	*count++
	if *count > max {
		s.bannedUntil = now.Add(g.cfg.BanTimeout)
		g.peers.Penalize(id, meshstate.ReputationRateLimitPenalty)
		return fmt.Errorf("rate limit exceeded")
	}
	return nil
}

// RecordFailedAuth records a bad signature or malformed payload from
// id, per §4.6; repeated failures drive a reputation penalty.
func (g *Guard) RecordFailedAuth(id meshstate.PeerID) {
	g.mu.Lock()
	s, ok := g.stats[id]
	if !ok {
		s = &peerStats{}
		g.stats[id] = s
	}
	s.failedAuth++
	bad := s.failedAuth >= 5
	if bad {
		s.bannedUntil = time.Now().Add(g.cfg.BanTimeout)
	}
	g.mu.Unlock()

	g.peers.Penalize(id, meshstate.ReputationFailedAuthPenalty)
}

// RecordSuccess rewards id's reputation for a successful grain or
// query exchange, per §4.6.
func (g *Guard) RecordSuccess(id meshstate.PeerID) {
	g.peers.Reward(id, meshstate.ReputationSuccessReward)
}

// IsBanned reports whether id is locally rate-banned or banned in the
// shared reputation table.
func (g *Guard) IsBanned(id meshstate.PeerID) bool {
	g.mu.Lock()
	s, ok := g.stats[id]
	var locallyBanned bool
	if ok {
		locallyBanned = time.Now().Before(s.bannedUntil)
	}
	g.mu.Unlock()
	return locallyBanned || g.peers.IsBanned(id)
}

func (g *Guard) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopChan:
			return
		case <-ticker.C:
			now := time.Now()
			g.mu.Lock()
			for id, s := range g.stats {
				idle := now.Sub(s.grainWindowAt) > time.Hour && now.Sub(s.queryWindowAt) > time.Hour
				if idle && now.After(s.bannedUntil) {
					delete(g.stats, id)
				}
			}
			g.mu.Unlock()
		}
	}
}

// Close stops the guard's cleanup goroutine.
func (g *Guard) Close() {
	g.stopOnce.Do(func() { close(g.stopChan) })
}
