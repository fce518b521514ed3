package mesh

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/synapsenet/synapsenet/internal/grain"
	"github.com/synapsenet/synapsenet/internal/meshstate"
	"github.com/synapsenet/synapsenet/internal/observability"
	"github.com/synapsenet/synapsenet/internal/store"
)

// querySeenTTL bounds how long a query id or gossiped grain id is
// remembered for dedup purposes before its entry is swept, per §4.6's
// "If query-id already seen, drop" and "re-broadcast ... once per
// grain (de-duplicated by id)".
const querySeenTTL = 10 * time.Minute

const (
	// GossipProtocolID carries both `grains.put` announcements and
	// their `grains.ack` receipts between peers, per §4.6's flood-
	// gossip distribution model, multiplexed by a leading message-kind
	// byte the same way the query protocol multiplexes its two kinds.
	GossipProtocolID = protocol.ID("/synapsenet/gossip/1.0.0")

	// FetchProtocolID is a simple request/response protocol for pulling
	// a specific grain by id from a peer that announced it.
	FetchProtocolID = protocol.ID("/synapsenet/fetch/1.0.0")

	// maxGossipGrainBytes bounds a single gossiped grain's wire size,
	// guarding against a misbehaving peer streaming unbounded data.
	maxGossipGrainBytes = 16 << 20
)

const (
	gossipKindPut byte = iota
	gossipKindAck
)

// DefaultGossipTTL bounds how many times a grain announcement is
// re-forwarded after its first acceptance, per §4.6's "default TTL=3".
const DefaultGossipTTL = 3

// Protocol implements the gossip and fetch wire protocols over a
// libp2p host, persisting received grains into db and gating senders
// through guard.
type Protocol struct {
	host  host.Host
	db    *store.DB
	guard *Guard

	forwardSelector ForwardSelector

	queryMu     sync.Mutex // guards every map below, gossip and query dedup alike
	pending     map[[16]byte]*pendingQuery
	seenQueries map[[16]byte]bool
	seenAt      map[[16]byte]time.Time
	seenGrains  map[[grain.IDLen]byte]bool
	seenGrainAt map[[grain.IDLen]byte]time.Time

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewProtocol registers the gossip, fetch, and distributed-query
// stream handlers on h.
func NewProtocol(h host.Host, db *store.DB, guard *Guard) *Protocol {
	p := &Protocol{
		host:        h,
		db:          db,
		guard:       guard,
		pending:     make(map[[16]byte]*pendingQuery),
		seenQueries: make(map[[16]byte]bool),
		seenAt:      make(map[[16]byte]time.Time),
		seenGrains:  make(map[[grain.IDLen]byte]bool),
		seenGrainAt: make(map[[grain.IDLen]byte]time.Time),
		stopChan:    make(chan struct{}),
	}
	h.SetStreamHandler(GossipProtocolID, p.handleGossip)
	h.SetStreamHandler(FetchProtocolID, p.handleFetch)
	h.SetStreamHandler(QueryProtocolID, p.handleQuery)
	go p.cleanupDedupState()
	return p
}

// Close stops the dedup-state cleanup goroutine. Safe to call more
// than once.
func (p *Protocol) Close() {
	p.stopOnce.Do(func() { close(p.stopChan) })
}

// SetForwardSelector installs an overlay-provided peer-selection
// strategy (e.g. cluster/proximity biased) for distributed query
// forwarding. Safe to call once during wiring, before traffic starts.
func (p *Protocol) SetForwardSelector(f ForwardSelector) {
	p.forwardSelector = f
}

func (p *Protocol) cleanupDedupState() {
	ticker := time.NewTicker(querySeenTTL)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-querySeenTTL)
			p.queryMu.Lock()
			for id, at := range p.seenAt {
				if at.Before(cutoff) {
					delete(p.seenAt, id)
					delete(p.seenQueries, id)
				}
			}
			for id, at := range p.seenGrainAt {
				if at.Before(cutoff) {
					delete(p.seenGrainAt, id)
					delete(p.seenGrains, id)
				}
			}
			p.queryMu.Unlock()
		}
	}
}

// markSeenGrain reports whether id has not yet been seen, marking it
// seen as a side effect. Used to re-forward a given grain id at most
// once, per §4.6's "once per grain (de-duplicated by id)".
func (p *Protocol) markSeenGrain(id [grain.IDLen]byte) bool {
	p.queryMu.Lock()
	defer p.queryMu.Unlock()
	if p.seenGrains[id] {
		return false
	}
	p.seenGrains[id] = true
	p.seenGrainAt[id] = time.Now()
	return true
}

func (p *Protocol) handleGossip(s network.Stream) {
	defer s.Close()

	remote := s.Conn().RemotePeer()
	from := meshstate.PeerID(remote.String())
	if p.guard.IsBanned(from) {
		return
	}
	if err := p.guard.CheckRateLimit(from, GuardKindGrain); err != nil {
		return
	}

	raw, err := io.ReadAll(io.LimitReader(s, maxGossipGrainBytes+5))
	if err != nil {
		log.Printf("mesh: gossip read failed from %s: %v", from, err)
		return
	}
	if len(raw) == 0 {
		return
	}

	switch raw[0] {
	case gossipKindAck:
		p.handleGossipAck(from, raw[1:])
	case gossipKindPut:
		p.handleGossipPut(from, remote, raw[1:])
	}
}

// handleGossipAck processes a `grains.ack` receipt: the sender
// successfully inserted a grain we announced, so its reputation is
// rewarded, per §4.6's "successful grain ... exchanges are rewarded".
func (p *Protocol) handleGossipAck(from meshstate.PeerID, body []byte) {
	if len(body) != grain.IDLen {
		return
	}
	observability.GossipMessagesReceived.WithLabelValues("ack").Inc()
	p.guard.RecordSuccess(from)
}

// handleGossipPut implements the five `grains.put` receipt steps of
// §4.6: signature/id verification (inside db.Insert via grain.Verify),
// duplicate discard, rate limiting (checked by the caller), insert plus
// `grains.ack`, and TTL-bounded, de-duplicated re-broadcast.
func (p *Protocol) handleGossipPut(from meshstate.PeerID, remote peer.ID, body []byte) {
	if len(body) < 4 {
		p.guard.RecordFailedAuth(from)
		observability.GossipMessagesReceived.WithLabelValues("rejected").Inc()
		return
	}
	ttl := int(binary.LittleEndian.Uint32(body[:4]))
	wire := body[4:]
	if len(wire) > maxGossipGrainBytes {
		p.guard.RecordFailedAuth(from)
		observability.GossipMessagesReceived.WithLabelValues("rejected").Inc()
		return
	}

	g, err := grain.WireDecode(wire)
	if err != nil {
		p.guard.RecordFailedAuth(from)
		observability.GossipMessagesReceived.WithLabelValues("rejected").Inc()
		return
	}

	if err := p.db.Insert(g, false); err != nil {
		if err == store.ErrAlreadyPresent {
			observability.GossipMessagesReceived.WithLabelValues("duplicate").Inc()
			return
		}
		log.Printf("mesh: gossip insert failed from %s: %v", from, err)
		p.guard.RecordFailedAuth(from)
		observability.GossipMessagesReceived.WithLabelValues("rejected").Inc()
		return
	}

	observability.GossipMessagesReceived.WithLabelValues("accepted").Inc()
	observability.GrainsInserted.WithLabelValues("remote").Inc()
	p.guard.RecordSuccess(from)

	go p.sendGossipAck(context.Background(), remote, g.ID)

	if ttl > 0 && p.markSeenGrain(g.ID) {
		p.broadcast(context.Background(), g, ttl-1, remote)
	}
}

func (p *Protocol) handleFetch(s network.Stream) {
	defer s.Close()

	from := meshstate.PeerID(s.Conn().RemotePeer().String())
	if p.guard.IsBanned(from) {
		return
	}
	if err := p.guard.CheckRateLimit(from, GuardKindGrain); err != nil {
		return
	}

	idBuf := make([]byte, grain.IDLen)
	if _, err := io.ReadFull(s, idBuf); err != nil {
		return
	}
	var id [grain.IDLen]byte
	copy(id[:], idBuf)

	g, ok, err := p.db.Get(id)
	if err != nil || !ok {
		_, _ = s.Write([]byte{})
		return
	}
	if _, err := s.Write(grain.WireEncode(g)); err != nil {
		log.Printf("mesh: fetch response write failed to %s: %v", from, err)
		return
	}
	p.guard.RecordSuccess(from)
}

// Broadcast announces g to every currently connected peer with a fresh
// DefaultGossipTTL, per §4.6's flood-gossip model. A peer whose stream
// fails is skipped, not retried; gossip is best-effort.
func (p *Protocol) Broadcast(ctx context.Context, g *grain.Grain) {
	p.broadcast(ctx, g, DefaultGossipTTL, "")
}

// broadcast sends g, framed with the given ttl, to every connected peer
// except exclude (the peer a re-broadcast was received from).
func (p *Protocol) broadcast(ctx context.Context, g *grain.Grain, ttl int, exclude peer.ID) {
	wire := encodeGossipPut(g, ttl)
	for _, id := range p.host.Network().Peers() {
		if id == exclude {
			continue
		}
		go p.sendGossip(ctx, id, wire)
	}
}

func (p *Protocol) sendGossip(ctx context.Context, id peer.ID, wire []byte) {
	s, err := p.host.NewStream(ctx, id, GossipProtocolID)
	if err != nil {
		return
	}
	defer s.Close()
	if _, err := s.Write(wire); err != nil {
		log.Printf("mesh: gossip send to %s failed: %v", id, err)
		return
	}
	observability.GossipMessagesSent.Inc()
}

func (p *Protocol) sendGossipAck(ctx context.Context, to peer.ID, id [grain.IDLen]byte) {
	s, err := p.host.NewStream(ctx, to, GossipProtocolID)
	if err != nil {
		return
	}
	defer s.Close()
	if _, err := s.Write(encodeGossipAck(id)); err != nil {
		log.Printf("mesh: gossip ack send to %s failed: %v", to, err)
		return
	}
	observability.GossipMessagesSent.Inc()
}

func encodeGossipPut(g *grain.Grain, ttl int) []byte {
	wire := grain.WireEncode(g)
	out := make([]byte, 0, 5+len(wire))
	out = append(out, gossipKindPut)
	var ttlBuf [4]byte
	binary.LittleEndian.PutUint32(ttlBuf[:], uint32(ttl))
	out = append(out, ttlBuf[:]...)
	out = append(out, wire...)
	return out
}

func encodeGossipAck(id [grain.IDLen]byte) []byte {
	out := make([]byte, 0, 1+grain.IDLen)
	out = append(out, gossipKindAck)
	out = append(out, id[:]...)
	return out
}

// FetchRemote requests grain id from a specific peer over the fetch
// protocol, returning the decoded grain or an error if the peer has
// none.
func (p *Protocol) FetchRemote(ctx context.Context, id peer.ID, grainID [grain.IDLen]byte) (*grain.Grain, error) {
	s, err := p.host.NewStream(ctx, id, FetchProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open fetch stream to %s: %w", id, err)
	}
	defer s.Close()

	if _, err := s.Write(grainID[:]); err != nil {
		return nil, fmt.Errorf("send fetch request: %w", err)
	}

	wire, err := io.ReadAll(io.LimitReader(s, maxGossipGrainBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read fetch response: %w", err)
	}
	if len(wire) == 0 {
		return nil, fmt.Errorf("peer %s does not have grain %x", id, grainID)
	}

	return grain.WireDecode(wire)
}
