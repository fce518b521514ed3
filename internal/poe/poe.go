// Package poe implements the Proof-of-Emergence engine (C5): a pure,
// local, advisory scoring function over (grain vector, ANN neighbors,
// access log), per §4.5. Scores are never authoritative across nodes.
package poe

import (
	"math"
	"time"

	"github.com/synapsenet/synapsenet/internal/grain"
	"github.com/synapsenet/synapsenet/internal/store"
)

// Weights are the configurable novelty/coherence/reuse weights behind
// the reward total; they must sum to 1, per §3.2/§4.5.
type Weights struct {
	Novelty   float32
	Coherence float32
	Reuse     float32
}

// DefaultWeights are the §4.5 defaults.
var DefaultWeights = Weights{Novelty: 0.4, Coherence: 0.3, Reuse: 0.3}

const (
	noveltyNeighborCount       = 10
	coherenceMaxNeighbors      = 20
	coherenceSimilarityFloor   = 0.6
	coherenceMinRelated        = 2
	reuseDecayHalflifeDays     = 30.0
	noveltySpamThreshold       = 0.3
)

// Engine computes PoE scores against a semantic store and its ANN
// index, per §4.5.
type Engine struct {
	db      *store.DB
	weights Weights
	limiter *RateLimiter
}

// New builds a PoE engine over db, using w as the reward weights (pass
// a zero Weights to take DefaultWeights) and ratePerMinute as the
// per-author grains/minute cap (0 uses the §4.6 default of 100,
// matching the gossip layer's own cap).
func New(db *store.DB, w Weights, ratePerMinute int) *Engine {
	if w == (Weights{}) {
		w = DefaultWeights
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 100
	}
	return &Engine{db: db, weights: w, limiter: NewRateLimiter(ratePerMinute)}
}

// clamp01 clamps f to [0, 1].
func clamp01(f float32) float32 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Score computes g's novelty, coherence, and reuse against db, returns
// the combined PoEScore, and the bounded NGT reward, per §4.5.
func (e *Engine) Score(g *grain.Grain) (grain.PoEScore, float64, error) {
	novelty, err := e.novelty(g)
	if err != nil {
		return grain.PoEScore{}, 0, err
	}

	coherence, err := e.coherence(g)
	if err != nil {
		return grain.PoEScore{}, 0, err
	}

	reuse, err := e.reuse(g)
	if err != nil {
		return grain.PoEScore{}, 0, err
	}

	total := e.weights.Novelty*novelty + e.weights.Coherence*coherence + e.weights.Reuse*reuse
	score := grain.PoEScore{Novelty: novelty, Coherence: coherence, Reuse: reuse, Total: total}

	ngt := e.reward(g, novelty, total)
	return score, ngt, nil
}

// reward applies the §4.5 anti-gaming rules on top of the raw total:
// novelty below the spam threshold zeroes the reward, and an author
// exceeding the per-minute rate cap is scored zero for the excess.
func (e *Engine) reward(g *grain.Grain, novelty, total float32) float64 {
	if novelty < noveltySpamThreshold {
		return 0
	}
	if !e.limiter.Allow(string(g.Meta.AuthorPK)) {
		return 0
	}
	ngt := 1 + 10*float64(total)
	if ngt < 1 {
		ngt = 1
	}
	if ngt > 11 {
		ngt = 11
	}
	return ngt
}

func (e *Engine) novelty(g *grain.Grain) (float32, error) {
	hits, err := e.db.SearchLocalNoAccessLog(g.Vec, noveltyNeighborCount+1)
	if err != nil {
		return 0, err
	}
	hits = excludeSelf(hits, g.ID)
	if len(hits) == 0 {
		return 1.0, nil
	}
	if len(hits) > noveltyNeighborCount {
		hits = hits[:noveltyNeighborCount]
	}

	var sum float32
	for _, h := range hits {
		sum += h.Similarity
	}
	mean := sum / float32(len(hits))
	return clamp01(1 - mean), nil
}

func (e *Engine) coherence(g *grain.Grain) (float32, error) {
	hits, err := e.db.SearchLocalNoAccessLog(g.Vec, coherenceMaxNeighbors+1)
	if err != nil {
		return 0, err
	}
	hits = excludeSelf(hits, g.ID)

	var related []store.SearchResult
	for _, h := range hits {
		if h.Similarity > coherenceSimilarityFloor {
			related = append(related, h)
		}
	}
	if len(related) > coherenceMaxNeighbors {
		related = related[:coherenceMaxNeighbors]
	}
	if len(related) < coherenceMinRelated {
		return 0, nil
	}

	uniqueTags := make(map[string]bool)
	var totalTagOccurrences int
	for _, h := range related {
		neighbor, ok, err := e.db.Get(h.ID)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		for _, tag := range neighbor.Meta.Tags {
			uniqueTags[tag] = true
			totalTagOccurrences++
		}
	}

	connectionScore := float32(len(related)) / float32(coherenceMaxNeighbors)
	if connectionScore > 1 {
		connectionScore = 1
	}

	var topicDiversity float32
	if totalTagOccurrences > 0 {
		topicDiversity = clamp01(float32(len(uniqueTags)) / float32(totalTagOccurrences))
	}

	return connectionScore * topicDiversity, nil
}

func (e *Engine) reuse(g *grain.Grain) (float32, error) {
	events, err := e.db.AccessEventsFor(g.ID)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	now := time.Now()
	var weightedCount float64
	peerWeight := make(map[string]float64)

	for _, ev := range events {
		ts := time.UnixMilli(ev.TSUnixMS)
		ageDays := now.Sub(ts).Hours() / 24
		weight := 1.0
		if ageDays > reuseDecayHalflifeDays {
			weight = math.Exp(-ageDays / reuseDecayHalflifeDays)
		}
		weightedCount += weight
		if w, ok := peerWeight[ev.PeerID]; !ok || weight > w {
			peerWeight[ev.PeerID] = weight
		}
	}

	var weightedPeers float64
	for _, w := range peerWeight {
		weightedPeers += w
	}

	frequencyScore := clamp01(float32(math.Log10(weightedCount+1) / 3.0))
	diversityScore := clamp01(float32(math.Log10(weightedPeers+1) / 2.0))

	reuse := frequencyScore + diversityScore
	if reuse > 1 {
		reuse = 1
	}
	return reuse, nil
}

func excludeSelf(hits []store.SearchResult, self [grain.IDLen]byte) []store.SearchResult {
	out := hits[:0]
	for _, h := range hits {
		if h.ID != self {
			out = append(out, h)
		}
	}
	return out
}
