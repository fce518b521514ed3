package poe

import (
	"context"
	"log"
	"sync"

	"github.com/synapsenet/synapsenet/internal/grain"
	"github.com/synapsenet/synapsenet/internal/observability"
	"github.com/synapsenet/synapsenet/internal/store"
)

// RecomputeQueueCapacity bounds the background PoE recompute queue, per
// §9's "short queue" design note: PoE is never on the hot insert path.
const RecomputeQueueCapacity = 256

// RecomputeQueue defers PoE scoring to a background worker so that
// significant new access events can trigger a rescoring without
// blocking the caller that recorded the event.
type RecomputeQueue struct {
	engine *Engine
	db     *store.DB

	mu      sync.Mutex
	pending map[[grain.IDLen]byte]bool
	work    chan [grain.IDLen]byte
}

// NewRecomputeQueue starts a single background worker draining a
// bounded channel of grain ids awaiting rescoring.
func NewRecomputeQueue(ctx context.Context, engine *Engine, db *store.DB) *RecomputeQueue {
	q := &RecomputeQueue{
		engine:  engine,
		db:      db,
		pending: make(map[[grain.IDLen]byte]bool),
		work:    make(chan [grain.IDLen]byte, RecomputeQueueCapacity),
	}
	go q.run(ctx)
	return q
}

// Enqueue schedules id for opportunistic rescoring. Duplicate
// enqueues of the same id while one is already pending are dropped.
func (q *RecomputeQueue) Enqueue(id [grain.IDLen]byte) {
	q.mu.Lock()
	if q.pending[id] {
		q.mu.Unlock()
		return
	}
	q.pending[id] = true
	q.mu.Unlock()

	select {
	case q.work <- id:
	default:
		// Queue full: this id is dropped and the already-queued ids are
		// kept; the pending flag is cleared so a future event can requeue it.
		q.mu.Lock()
		delete(q.pending, id)
		q.mu.Unlock()
	}
}

func (q *RecomputeQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.work:
			q.recompute(id)
			q.mu.Lock()
			delete(q.pending, id)
			q.mu.Unlock()
		}
	}
}

func (q *RecomputeQueue) recompute(id [grain.IDLen]byte) {
	g, ok, err := q.db.Get(id)
	if err != nil {
		log.Printf("poe: recompute lookup failed for %x: %v", id, err)
		return
	}
	if !ok {
		return
	}

	score, _, err := q.engine.Score(g)
	if err != nil {
		log.Printf("poe: recompute scoring failed for %x: %v", id, err)
		return
	}

	if err := q.db.UpdatePoEScore(id, score); err != nil {
		log.Printf("poe: caching recomputed score failed for %x: %v", id, err)
		return
	}
	observability.PoEScoresComputed.Inc()
}
