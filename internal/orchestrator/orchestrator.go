// Package orchestrator binds the semantic store, PoE engine, mesh
// transport, and embedding bridge behind the synchronous boundary of
// §4.8/§6.4: add_local, query, get, stats, import, export, migrate.
// spec.md §6.4 explicitly does not mandate an IPC mechanism, and the
// teacher's own Cap'n Proto boundary depends on generated code this
// exercise cannot reproduce, so the boundary here is a plain Go
// interface consumed in-process by whatever CLI/REST/IPC shell wraps
// it.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/synapsenet/synapsenet/internal/crypto"
	"github.com/synapsenet/synapsenet/internal/embedder"
	"github.com/synapsenet/synapsenet/internal/grain"
	"github.com/synapsenet/synapsenet/internal/mesh"
	"github.com/synapsenet/synapsenet/internal/poe"
	"github.com/synapsenet/synapsenet/internal/snapshot"
	"github.com/synapsenet/synapsenet/internal/store"
	"github.com/synapsenet/synapsenet/internal/synapseerr"
)

// DefaultQueryK is used when a caller passes k <= 0 to Query.
const DefaultQueryK = 10

// QueryResult pairs a resolved grain with its similarity to the query,
// per §4.8's query(text, k) -> [(Grain, similarity)].
type QueryResult struct {
	Grain      *grain.Grain
	Similarity float32
}

// Stats is the orchestrator's stats() boundary return value.
type Stats struct {
	GrainCount     int
	ConnectedPeers int
	BannedPeers    int
	Reachability   string
}

// Orchestrator implements the C8 event-loop boundary over one node's
// subsystems.
type Orchestrator struct {
	db        *store.DB
	node      *mesh.Node
	engine    *poe.Engine
	recompute *poe.RecomputeQueue
	embedder  embedder.Embedder

	queryWindow time.Duration
}

// New binds db, node, engine, recompute, and emb into a single
// orchestrator. queryWindow <= 0 uses mesh.DefaultQueryWindow.
func New(db *store.DB, node *mesh.Node, engine *poe.Engine, recompute *poe.RecomputeQueue, emb embedder.Embedder, queryWindow time.Duration) *Orchestrator {
	if queryWindow <= 0 {
		queryWindow = mesh.DefaultQueryWindow
	}
	return &Orchestrator{db: db, node: node, engine: engine, recompute: recompute, embedder: emb, queryWindow: queryWindow}
}

// AddLocal embeds text, mints and signs a grain over it tagged with
// tags, stores it, scores it with the PoE engine, and broadcasts it to
// the mesh, per §4.8's add_local contract.
func (o *Orchestrator) AddLocal(ctx context.Context, text string, tags []string, signingKey *crypto.UnifiedSigningKey) ([grain.IDLen]byte, error) {
	var zero [grain.IDLen]byte

	vec, err := o.embedder.Embed(ctx, text)
	if err != nil {
		return zero, synapseerr.New(synapseerr.KindNetwork, "orchestrator.AddLocal", err)
	}

	meta := grain.Meta{
		Tags:     tags,
		MIME:     "text/plain",
		TSUnixMS: time.Now().UnixMilli(),
	}
	g, err := grain.New(vec, meta, signingKey)
	if err != nil {
		return zero, err
	}

	if err := o.db.Insert(g, true); err != nil && err != store.ErrAlreadyPresent {
		return zero, err
	}

	score, _, err := o.engine.Score(g)
	if err != nil {
		return g.ID, err
	}
	if err := o.db.UpdatePoEScore(g.ID, score); err != nil {
		return g.ID, err
	}

	o.node.Protocol().Broadcast(ctx, g)
	return g.ID, nil
}

// Query embeds text, runs the distributed §4.6 KNN search (local index
// searched first, then the query flooded to peers), and resolves
// each hit to a full grain. A hit whose content isn't already held
// locally is fetched on demand from a connected peer, mirroring the
// existing announce-then-fetch split between Broadcast and
// FetchRemote; a hit that no connected peer returns is dropped
// rather than failing the whole call, per
// §5/§7's partial-success model.
func (o *Orchestrator) Query(ctx context.Context, text string, k int) ([]QueryResult, error) {
	if k <= 0 {
		k = DefaultQueryK
	}

	vec, err := o.embedder.Embed(ctx, text)
	if err != nil {
		return nil, synapseerr.New(synapseerr.KindNetwork, "orchestrator.Query", err)
	}

	hits, err := o.node.Protocol().Query(ctx, vec, k, o.queryWindow)
	if err != nil {
		return nil, err
	}

	results := make([]QueryResult, 0, len(hits))
	for _, h := range hits {
		g, ok, err := o.db.Get(h.ID)
		if err != nil {
			return results, err
		}
		if !ok {
			g = o.fetchFromAnyPeer(ctx, h.ID)
			if g == nil {
				continue
			}
		}
		results = append(results, QueryResult{Grain: g, Similarity: h.Similarity})
		o.recompute.Enqueue(h.ID)
	}
	return results, nil
}

// fetchFromAnyPeer tries every currently connected peer in turn until
// one returns id, or none do.
func (o *Orchestrator) fetchFromAnyPeer(ctx context.Context, id [grain.IDLen]byte) *grain.Grain {
	for _, pid := range o.node.Host().Network().Peers() {
		g, err := o.node.Protocol().FetchRemote(ctx, pid, id)
		if err == nil && g != nil {
			if insertErr := o.db.Insert(g, false); insertErr != nil && insertErr != store.ErrAlreadyPresent {
				continue
			}
			return g
		}
	}
	return nil
}

// Get returns the grain stored locally for id, per §4.3's get(id).
func (o *Orchestrator) Get(id [grain.IDLen]byte) (*grain.Grain, bool, error) {
	return o.db.Get(id)
}

// Stats reports node-local counters for the stats() boundary call.
func (o *Orchestrator) Stats() (Stats, error) {
	count, err := o.db.GrainCount()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		GrainCount:     count,
		ConnectedPeers: len(o.node.ConnectedPeers()),
		BannedPeers:    o.node.Peers().BannedCount(),
		Reachability:   string(o.node.Reachability()),
	}, nil
}

// Import bulk-loads grains from the Parquet file at path, per §6.2.
func (o *Orchestrator) Import(path string) (snapshot.Result, error) {
	return snapshot.Import(o.db, path)
}

// Export writes every locally stored grain to a Parquet file at path,
// per §6.2.
func (o *Orchestrator) Export(path string) error {
	return snapshot.Export(o.db, path)
}

// Migrate runs any pending C3 schema migrations to the current
// version, per §4.3's migrate(from_version) and §4.8's migrate().
func (o *Orchestrator) Migrate() error {
	return o.db.Migrate()
}

// String renders a one-line human summary, used by CLI shells.
func (s Stats) String() string {
	return fmt.Sprintf("grains=%d peers=%d banned=%d reachability=%s", s.GrainCount, s.ConnectedPeers, s.BannedPeers, s.Reachability)
}
