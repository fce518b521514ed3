package mesh

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/synapsenet/synapsenet/internal/grain"
	"github.com/synapsenet/synapsenet/internal/meshstate"
	"github.com/synapsenet/synapsenet/internal/observability"
)

// QueryProtocolID carries the distributed `query.knn`/`query.resp`
// exchange of §4.6, multiplexed over a single stream protocol by a
// leading message-kind byte, the same framing discipline the gossip
// and fetch protocols use.
const QueryProtocolID = protocol.ID("/synapsenet/query/1.0.0")

const (
	queryKindRequest byte = iota
	queryKindResponse
)

// DefaultQueryTTL bounds how many times a query is re-forwarded.
const DefaultQueryTTL = 3

// DefaultQueryFanout is the number of peers a query is forwarded to
// when its TTL has not expired.
const DefaultQueryFanout = 3

// DefaultQueryWindow is how long a requester waits for query.resp
// messages before returning a (possibly partial) merged result.
const DefaultQueryWindow = 2 * time.Second

const maxQueryVecLen = 1 << 16

// QueryHit is one (grain id, similarity) pair returned by a distributed
// query, merged by max-observed similarity across responders.
type QueryHit struct {
	ID         [grain.IDLen]byte
	Similarity float32
}

// ForwardSelector chooses up to n peers a query should be re-forwarded
// to. Overlay-level cluster/proximity biasing (§4.7) is injected via
// SetForwardSelector; with none set, Protocol forwards to an arbitrary
// subset of currently connected peers.
type ForwardSelector func(n int) []peer.ID

type queryRequest struct {
	id        [16]byte
	requester peer.ID
	vec       []float32
	k         int
	ttl       int
}

type queryResponse struct {
	id   [16]byte
	hits []QueryHit
}

// pendingQuery collects incoming query.resp messages for one in-flight
// local query until its window closes or it is cancelled.
type pendingQuery struct {
	mu   sync.Mutex
	best map[[grain.IDLen]byte]float32
	done chan struct{}
	once sync.Once
}

func newPendingQuery() *pendingQuery {
	return &pendingQuery{best: make(map[[grain.IDLen]byte]float32), done: make(chan struct{})}
}

func (p *pendingQuery) merge(hits []QueryHit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hits {
		if cur, ok := p.best[h.ID]; !ok || h.Similarity > cur {
			p.best[h.ID] = h.Similarity
		}
	}
}

func (p *pendingQuery) close() {
	p.once.Do(func() { close(p.done) })
}

// Query runs a distributed k-nearest-neighbor search per §4.6: the
// local ANN index is searched immediately, the query is flooded to up
// to DefaultQueryFanout peers with a decrementing TTL, and responses
// are merged for up to window (DefaultQueryWindow if <= 0) before
// returning. A cancelled ctx returns whatever was merged so far;
// partial results are never an error.
func (p *Protocol) Query(ctx context.Context, vec []float32, k int, window time.Duration) ([]QueryHit, error) {
	if window <= 0 {
		window = DefaultQueryWindow
	}
	start := time.Now()
	defer func() { observability.QueryLatency.Observe(time.Since(start).Seconds()) }()

	var id [16]byte
	copy(id[:], uuid.New()[:])

	pq := newPendingQuery()
	p.queryMu.Lock()
	p.pending[id] = pq
	p.queryMu.Unlock()
	defer func() {
		p.queryMu.Lock()
		delete(p.pending, id)
		p.queryMu.Unlock()
	}()

	local, err := p.db.SearchLocal(vec, k)
	if err != nil {
		return nil, fmt.Errorf("local search for distributed query: %w", err)
	}
	hits := make([]QueryHit, len(local))
	for i, r := range local {
		hits[i] = QueryHit{ID: r.ID, Similarity: r.Similarity}
	}
	pq.merge(hits)

	req := queryRequest{id: id, requester: p.host.ID(), vec: vec, k: k, ttl: DefaultQueryTTL}
	p.markSeen(id)
	p.floodQuery(ctx, req)

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-pq.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	pq.mu.Lock()
	defer pq.mu.Unlock()
	out := make([]QueryHit, 0, len(pq.best))
	for id, sim := range pq.best {
		out = append(out, QueryHit{ID: id, Similarity: sim})
	}
	if len(out) > k {
		out = topKBySimilarity(out, k)
	}
	return out, nil
}

func topKBySimilarity(hits []QueryHit, k int) []QueryHit {
	for i := 0; i < len(hits); i++ {
		best := i
		for j := i + 1; j < len(hits); j++ {
			if hits[j].Similarity > hits[best].Similarity {
				best = j
			}
		}
		hits[i], hits[best] = hits[best], hits[i]
	}
	return hits[:k]
}

func (p *Protocol) markSeen(id [16]byte) bool {
	p.queryMu.Lock()
	defer p.queryMu.Unlock()
	if p.seenQueries[id] {
		return false
	}
	p.seenQueries[id] = true
	p.seenAt[id] = time.Now()
	return true
}

func (p *Protocol) floodQuery(ctx context.Context, req queryRequest) {
	n := DefaultQueryFanout
	var targets []peer.ID
	if p.forwardSelector != nil {
		targets = p.forwardSelector(n)
	} else {
		targets = p.host.Network().Peers()
		if len(targets) > n {
			targets = targets[:n]
		}
	}
	for _, id := range targets {
		go p.sendQueryRequest(ctx, id, req)
	}
}

func (p *Protocol) sendQueryRequest(ctx context.Context, id peer.ID, req queryRequest) {
	s, err := p.host.NewStream(ctx, id, QueryProtocolID)
	if err != nil {
		return
	}
	defer s.Close()
	if _, err := s.Write(encodeQueryRequest(req)); err != nil {
		log.Printf("mesh: query send to %s failed: %v", id, err)
	}
}

func (p *Protocol) handleQuery(s network.Stream) {
	defer s.Close()

	from := meshstate.PeerID(s.Conn().RemotePeer().String())
	if p.guard.IsBanned(from) {
		return
	}
	if err := p.guard.CheckRateLimit(from, GuardKindQuery); err != nil {
		return
	}

	kind, body, err := readQueryMessage(s)
	if err != nil {
		return
	}

	switch kind {
	case queryKindRequest:
		req, err := decodeQueryRequest(body)
		if err != nil {
			p.guard.RecordFailedAuth(from)
			return
		}
		p.handleQueryRequest(s.Conn().RemotePeer(), req)
	case queryKindResponse:
		resp, err := decodeQueryResponse(body)
		if err != nil {
			p.guard.RecordFailedAuth(from)
			return
		}
		p.queryMu.Lock()
		pq := p.pending[resp.id]
		p.queryMu.Unlock()
		if pq != nil {
			pq.merge(resp.hits)
			p.guard.RecordSuccess(from)
		}
	}
}

func (p *Protocol) handleQueryRequest(from peer.ID, req queryRequest) {
	if !p.markSeen(req.id) {
		return
	}

	local, err := p.db.SearchLocal(req.vec, req.k)
	if err != nil {
		log.Printf("mesh: local search for remote query failed: %v", err)
		local = nil
	}
	hits := make([]QueryHit, len(local))
	for i, r := range local {
		hits[i] = QueryHit{ID: r.ID, Similarity: r.Similarity}
	}
	go p.sendQueryResponse(context.Background(), req.requester, req.id, hits)

	if req.ttl > 0 {
		forwarded := req
		forwarded.ttl--
		p.floodQuery(context.Background(), forwarded)
	}
}

func (p *Protocol) sendQueryResponse(ctx context.Context, to peer.ID, id [16]byte, hits []QueryHit) {
	s, err := p.host.NewStream(ctx, to, QueryProtocolID)
	if err != nil {
		return
	}
	defer s.Close()
	resp := queryResponse{id: id, hits: hits}
	if _, err := s.Write(encodeQueryResponse(resp)); err != nil {
		log.Printf("mesh: query response send to %s failed: %v", to, err)
	}
}

func readQueryMessage(r io.Reader) (byte, []byte, error) {
	var kind [1]byte
	if _, err := io.ReadFull(r, kind[:]); err != nil {
		return 0, nil, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxGossipGrainBytes {
		return 0, nil, fmt.Errorf("query message too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return kind[0], body, nil
}

func encodeQueryRequest(req queryRequest) []byte {
	var body bytes.Buffer
	body.Write(req.id[:])
	idBytes := []byte(req.requester)
	writeQLP(&body, idBytes)
	var kBuf [4]byte
	binary.LittleEndian.PutUint32(kBuf[:], uint32(req.k))
	body.Write(kBuf[:])
	var ttlBuf [4]byte
	binary.LittleEndian.PutUint32(ttlBuf[:], uint32(req.ttl))
	body.Write(ttlBuf[:])
	var vecLenBuf [4]byte
	binary.LittleEndian.PutUint32(vecLenBuf[:], uint32(len(req.vec)))
	body.Write(vecLenBuf[:])
	for _, f := range req.vec {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
		body.Write(b[:])
	}
	return frameQueryMessage(queryKindRequest, body.Bytes())
}

func decodeQueryRequest(data []byte) (queryRequest, error) {
	var req queryRequest
	r := bytes.NewReader(data)
	if _, err := io.ReadFull(r, req.id[:]); err != nil {
		return req, err
	}
	idBytes, err := readQLP(r)
	if err != nil {
		return req, err
	}
	req.requester = peer.ID(idBytes)

	k, err := readQU32(r)
	if err != nil {
		return req, err
	}
	req.k = int(k)

	ttl, err := readQU32(r)
	if err != nil {
		return req, err
	}
	req.ttl = int(ttl)

	vecLen, err := readQU32(r)
	if err != nil {
		return req, err
	}
	if vecLen > maxQueryVecLen {
		return req, fmt.Errorf("query vector too large: %d", vecLen)
	}
	req.vec = make([]float32, vecLen)
	for i := range req.vec {
		bits, err := readQU32(r)
		if err != nil {
			return req, err
		}
		req.vec[i] = math.Float32frombits(bits)
	}
	return req, nil
}

func encodeQueryResponse(resp queryResponse) []byte {
	var body bytes.Buffer
	body.Write(resp.id[:])
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(resp.hits)))
	body.Write(countBuf[:])
	for _, h := range resp.hits {
		body.Write(h.ID[:])
		var simBuf [4]byte
		binary.LittleEndian.PutUint32(simBuf[:], math.Float32bits(h.Similarity))
		body.Write(simBuf[:])
	}
	return frameQueryMessage(queryKindResponse, body.Bytes())
}

func decodeQueryResponse(data []byte) (queryResponse, error) {
	var resp queryResponse
	r := bytes.NewReader(data)
	if _, err := io.ReadFull(r, resp.id[:]); err != nil {
		return resp, err
	}
	count, err := readQU32(r)
	if err != nil {
		return resp, err
	}
	resp.hits = make([]QueryHit, count)
	for i := range resp.hits {
		if _, err := io.ReadFull(r, resp.hits[i].ID[:]); err != nil {
			return resp, err
		}
		bits, err := readQU32(r)
		if err != nil {
			return resp, err
		}
		resp.hits[i].Similarity = math.Float32frombits(bits)
	}
	return resp, nil
}

func frameQueryMessage(kind byte, body []byte) []byte {
	var out bytes.Buffer
	out.WriteByte(kind)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	out.Write(lenBuf[:])
	out.Write(body)
	return out.Bytes()
}

func writeQLP(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func readQLP(r *bytes.Reader) ([]byte, error) {
	n, err := readQU32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func readQU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
