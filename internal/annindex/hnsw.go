// Package annindex implements the in-memory approximate-nearest-neighbor
// index described in §4.4: a Hierarchical Navigable Small World (HNSW)
// graph over cosine similarity, with deterministic tie-breaking by id
// byte order so tests stay reproducible despite the algorithm's
// approximate nature.
//
// No HNSW library exists anywhere in the retrieval corpus, so this is a
// from-scratch implementation; vector arithmetic (dot product, norm)
// is delegated to gonum/floats rather than hand-rolled loops.
package annindex

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/synapsenet/synapsenet/internal/synapseerr"
)

// Default parameters per §4.4.
const (
	DefaultM              = 16
	DefaultEfConstruction = 200
	DefaultEfSearch       = 50
	DefaultMaxElements    = 1_000_000
)

// ID is a grain id, the stable 32-byte key this index is built over.
type ID [32]byte

// Result is one hit from Search, sorted by descending similarity and
// tie-broken by id byte order.
type Result struct {
	ID         ID
	Similarity float32
}

// Entry is an (id, vec) pair used by Rebuild.
type Entry struct {
	ID  ID
	Vec []float32
}

type hnswNode struct {
	id        ID
	vec       []float32
	level     int
	neighbors [][]ID // neighbors[layer] = neighbor ids at that layer
}

// Index is a single HNSW graph over vectors of one fixed dimension. Per
// §4.4's invariant, vectors of more than one embedding dimension must
// never coexist in the same Index; the caller (the semantic store)
// keeps one Index per active model dimension.
type Index struct {
	mu sync.RWMutex

	m              int
	efConstruction int
	efSearch       int
	maxElements    int
	levelMult      float64

	dim        int
	dimSet     bool
	nodes      map[ID]*hnswNode
	entryPoint ID
	hasEntry   bool
	maxLevel   int

	rng *rand.Rand
}

// New constructs an empty index with the given parameters. Pass zero
// values to take the §4.4 defaults.
func New(m, efConstruction, efSearch, maxElements int) *Index {
	if m <= 0 {
		m = DefaultM
	}
	if efConstruction <= 0 {
		efConstruction = DefaultEfConstruction
	}
	if efSearch <= 0 {
		efSearch = DefaultEfSearch
	}
	if maxElements <= 0 {
		maxElements = DefaultMaxElements
	}
	return &Index{
		m:              m,
		efConstruction: efConstruction,
		efSearch:       efSearch,
		maxElements:    maxElements,
		levelMult:      1.0 / math.Log(float64(m)),
		nodes:          make(map[ID]*hnswNode),
		rng:            rand.New(rand.NewSource(1)),
	}
}

// Size returns the number of vectors currently in the index.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

func cosineSimilarity(a, b []float32) float32 {
	af := make([]float64, len(a))
	bf := make([]float64, len(b))
	for i, v := range a {
		af[i] = float64(v)
	}
	for i, v := range b {
		bf[i] = float64(v)
	}
	na := floats.Norm(af, 2)
	nb := floats.Norm(bf, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	dot := floats.Dot(af, bf)
	return float32(dot / (na * nb))
}

func (idx *Index) randomLevel() int {
	level := int(math.Floor(-math.Log(idx.rng.Float64()) * idx.levelMult))
	return level
}

// Add inserts vec under id. id must be unique within the index and
// len(vec) must match the dimension of all previously added vectors.
func (idx *Index) Add(id ID, vec []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !idx.dimSet {
		idx.dim = len(vec)
		idx.dimSet = true
	} else if len(vec) != idx.dim {
		return synapseerr.New(synapseerr.KindIndex, "annindex.Add",
			fmt.Errorf("vector dimension %d does not match index dimension %d", len(vec), idx.dim))
	}
	if _, exists := idx.nodes[id]; exists {
		return synapseerr.New(synapseerr.KindIndex, "annindex.Add", fmt.Errorf("id already present in index"))
	}
	if len(idx.nodes) >= idx.maxElements {
		return synapseerr.New(synapseerr.KindIndex, "annindex.Add", fmt.Errorf("index is full (max_elements=%d)", idx.maxElements))
	}

	level := idx.randomLevel()
	n := &hnswNode{id: id, vec: append([]float32(nil), vec...), level: level, neighbors: make([][]ID, level+1)}
	idx.nodes[id] = n

	if !idx.hasEntry {
		idx.entryPoint = id
		idx.hasEntry = true
		idx.maxLevel = level
		return nil
	}

	curID := idx.entryPoint
	for lc := idx.maxLevel; lc > level; lc-- {
		curID = idx.greedyClosest(curID, vec, lc)
	}

	for lc := min(level, idx.maxLevel); lc >= 0; lc-- {
		candidates := idx.searchLayer(curID, vec, idx.efConstruction, lc)
		neighbors := selectNeighbors(candidates, idx.m, vec)
		n.neighbors[lc] = neighbors

		maxConn := idx.m
		if lc == 0 {
			maxConn = idx.m * 2
		}
		for _, nb := range neighbors {
			nbNode := idx.nodes[nb]
			nbNode.neighbors[lc] = append(nbNode.neighbors[lc], id)
			if len(nbNode.neighbors[lc]) > maxConn {
				nbNode.neighbors[lc] = pruneNeighbors(nbNode.neighbors[lc], maxConn, nbNode.vec, idx.nodes)
			}
		}
		if len(candidates) > 0 {
			curID = candidates[0].id
		}
	}

	if level > idx.maxLevel {
		idx.maxLevel = level
		idx.entryPoint = id
	}
	return nil
}

// greedyClosest walks layer lc from curID toward query, returning the
// single closest node found (the standard HNSW upper-layer descent).
func (idx *Index) greedyClosest(curID ID, query []float32, lc int) ID {
	cur := idx.nodes[curID]
	curDist := cosineSimilarity(cur.vec, query)
	improved := true
	for improved {
		improved = false
		if lc >= len(cur.neighbors) {
			break
		}
		for _, nbID := range cur.neighbors[lc] {
			nb := idx.nodes[nbID]
			d := cosineSimilarity(nb.vec, query)
			if d > curDist {
				curDist = d
				cur = nb
				improved = true
			}
		}
	}
	return cur.id
}

type candidate struct {
	id  ID
	sim float32
}

// maxHeap / minHeap on similarity, with a deterministic id-byte-order
// tie-break per §4.4.
type simHeap struct {
	items []candidate
	less  func(a, b candidate) bool
}

func (h simHeap) Len() int { return len(h.items) }
func (h simHeap) Less(i, j int) bool {
	return h.less(h.items[i], h.items[j])
}
func (h simHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *simHeap) Push(x any)   { h.items = append(h.items, x.(candidate)) }
func (h *simHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

func idLess(a, b ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func minHeapLess(a, b candidate) bool {
	if a.sim != b.sim {
		return a.sim < b.sim
	}
	return idLess(b.id, a.id) // invert so the smallest-id wins ties at the top of a min-heap-by-sim
}

func maxHeapLess(a, b candidate) bool {
	if a.sim != b.sim {
		return a.sim > b.sim
	}
	return idLess(a.id, b.id)
}

// searchLayer is the HNSW beam search at a single layer: maintains a
// candidate max-heap (highest similarity explored first) and a result
// min-heap (worst kept result on top) bounded to ef entries.
func (idx *Index) searchLayer(entryID ID, query []float32, ef int, lc int) []candidate {
	visited := map[ID]bool{entryID: true}
	entrySim := cosineSimilarity(idx.nodes[entryID].vec, query)

	candidates := &simHeap{less: maxHeapLess} // explore highest similarity first
	heap.Push(candidates, candidate{id: entryID, sim: entrySim})

	results := &simHeap{less: minHeapLess} // keep the ef best seen so far
	heap.Push(results, candidate{id: entryID, sim: entrySim})

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(candidate)
		worstResult := results.items[0]
		if c.sim < worstResult.sim && results.Len() >= ef {
			break
		}

		node := idx.nodes[c.id]
		if lc >= len(node.neighbors) {
			continue
		}
		for _, nbID := range node.neighbors[lc] {
			if visited[nbID] {
				continue
			}
			visited[nbID] = true
			nb := idx.nodes[nbID]
			sim := cosineSimilarity(nb.vec, query)
			worst := results.items[0]
			if results.Len() < ef || sim > worst.sim {
				heap.Push(candidates, candidate{id: nbID, sim: sim})
				heap.Push(results, candidate{id: nbID, sim: sim})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidate, len(results.items))
	copy(out, results.items)
	sort.Slice(out, func(i, j int) bool { return maxHeapLess(out[i], out[j]) })
	return out
}

// selectNeighbors picks up to m candidates closest to vec, simplest
// heuristic variant (no diversity heuristic beyond the similarity
// ranking already computed by searchLayer).
func selectNeighbors(candidates []candidate, m int, vec []float32) []ID {
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]ID, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

// pruneNeighbors keeps the maxConn ids closest to center's vector.
func pruneNeighbors(ids []ID, maxConn int, center []float32, nodes map[ID]*hnswNode) []ID {
	cands := make([]candidate, len(ids))
	for i, id := range ids {
		cands[i] = candidate{id: id, sim: cosineSimilarity(nodes[id].vec, center)}
	}
	sort.Slice(cands, func(i, j int) bool { return maxHeapLess(cands[i], cands[j]) })
	if len(cands) > maxConn {
		cands = cands[:maxConn]
	}
	out := make([]ID, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

// Search returns up to k nearest neighbors of query, sorted by
// descending cosine similarity and tie-broken by id byte order.
func (idx *Index) Search(query []float32, k int) ([]Result, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.hasEntry {
		return nil, nil
	}
	if idx.dimSet && len(query) != idx.dim {
		return nil, synapseerr.New(synapseerr.KindIndex, "annindex.Search",
			fmt.Errorf("query dimension %d does not match index dimension %d", len(query), idx.dim))
	}

	curID := idx.entryPoint
	for lc := idx.maxLevel; lc > 0; lc-- {
		curID = idx.greedyClosest(curID, query, lc)
	}

	ef := idx.efSearch
	if k > ef {
		ef = k
	}
	candidates := idx.searchLayer(curID, query, ef, 0)

	if k > len(candidates) {
		k = len(candidates)
	}
	results := make([]Result, k)
	for i := 0; i < k; i++ {
		results[i] = Result{ID: candidates[i].id, Similarity: candidates[i].sim}
	}
	return results, nil
}

// Rebuild clears the index and re-adds every entry, per §4.3's
// rebuild_index contract. Entries are added in the order given; callers
// that want reproducible graphs should sort by id first.
func (idx *Index) Rebuild(entries []Entry) error {
	idx.mu.Lock()
	idx.nodes = make(map[ID]*hnswNode)
	idx.hasEntry = false
	idx.dimSet = false
	idx.maxLevel = 0
	idx.rng = rand.New(rand.NewSource(1))
	idx.mu.Unlock()

	for _, e := range entries {
		if err := idx.Add(e.ID, e.Vec); err != nil {
			return err
		}
	}
	return nil
}

// Dimension reports the fixed vector dimension of this index, or
// (0, false) if nothing has been added yet.
func (idx *Index) Dimension() (int, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dim, idx.dimSet
}
