// Package mesh implements the P2P overlay (C6): a libp2p host carrying
// grain gossip and fetch protocols, mDNS and Kademlia peer discovery,
// and the per-peer guard that feeds reputation back into meshstate.
package mesh

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	quic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"

	"github.com/synapsenet/synapsenet/internal/meshstate"
	"github.com/synapsenet/synapsenet/internal/observability"
	"github.com/synapsenet/synapsenet/internal/store"
)

// DiscoveryTopic is the rendezvous string nodes advertise and search
// for on both mDNS and the Kademlia DHT, per §3.6/§6.
const DiscoveryTopic = "synapsenet"

// Config controls how a Node binds and discovers peers.
type Config struct {
	LocalMode        bool // bind only to localhost, skip DHT (single-box testing)
	Port             int  // fixed port for WAN mode; 0 picks randomly in local mode
	MaxGrainsPerMin  int  // per-peer grain publication cap, default 100 (§4.6)
	MaxQueriesPerMin int  // per-peer query cap, default 60 (§4.6)
	BanTimeout       time.Duration
}

// Node is a single SynapseNet mesh participant: a libp2p host plus the
// gossip/fetch protocol handlers and peer bookkeeping wired to it.
type Node struct {
	host      host.Host
	dht       *dht.IpfsDHT
	ping      *ping.PingService
	discovery *routing.RoutingDiscovery
	mdns      mdns.Service

	ctx    context.Context
	cancel context.CancelFunc

	localMode bool
	cfg       Config

	peers *meshstate.Store
	guard *Guard
	proto *Protocol

	reachabilityMu sync.RWMutex
	reachability   ReachabilityStatus
}

// ReachabilityStatus mirrors the coarse NAT classification a node can
// observe about itself from its own advertised addresses, per §6.
type ReachabilityStatus string

const (
	ReachabilityUnknown ReachabilityStatus = "unknown"
	ReachabilityPublic  ReachabilityStatus = "public"
	ReachabilityPrivate ReachabilityStatus = "private"
	ReachabilityRelay   ReachabilityStatus = "relay"
)

// NewNode builds and wires a mesh Node over db, ready to Start.
func NewNode(cfg Config, db *store.DB, peers *meshstate.Store) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	connMgr, err := connmgr.NewConnManager(100, 400, connmgr.WithGracePeriod(2*time.Second))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(quic.NewTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.ConnectionManager(connMgr),
		libp2p.ResourceManager(&network.NullResourceManager{}),
		libp2p.AddrsFactory(func(addrs []multiaddr.Multiaddr) []multiaddr.Multiaddr {
			filtered := make([]multiaddr.Multiaddr, 0, len(addrs))
			for _, addr := range addrs {
				s := addr.String()
				if !strings.Contains(s, "127.0.0.1") && !strings.Contains(s, "::1") {
					filtered = append(filtered, addr)
				}
			}
			return filtered
		}),
	}

	if cfg.LocalMode {
		opts = append(opts, libp2p.ListenAddrStrings(
			"/ip4/127.0.0.1/tcp/0",
			"/ip4/127.0.0.1/udp/0/quic",
		))
	} else {
		opts = append(opts,
			libp2p.ListenAddrStrings(
				fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port),
				fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic", cfg.Port),
			),
			libp2p.EnableNATService(),
			libp2p.EnableHolePunching(),
		)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	var kadDHT *dht.IpfsDHT
	var rd *routing.RoutingDiscovery
	if !cfg.LocalMode {
		kadDHT, err = dht.New(ctx, h, dht.Mode(dht.ModeServer))
		if err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("kademlia dht: %w", err)
		}
		if err := kadDHT.Bootstrap(ctx); err != nil {
			log.Printf("mesh: dht bootstrap failed, continuing without it: %v", err)
		}
		rd = routing.NewRoutingDiscovery(kadDHT)
	}

	pingService := ping.NewPingService(h)

	if peers == nil {
		peers = meshstate.NewStore()
	}
	if cfg.MaxGrainsPerMin <= 0 {
		cfg.MaxGrainsPerMin = 100
	}
	if cfg.MaxQueriesPerMin <= 0 {
		cfg.MaxQueriesPerMin = 60
	}
	if cfg.BanTimeout <= 0 {
		cfg.BanTimeout = meshstate.ReputationBanCooldown
	}

	n := &Node{
		host:         h,
		dht:          kadDHT,
		ping:         pingService,
		discovery:    rd,
		ctx:          ctx,
		cancel:       cancel,
		localMode:    cfg.LocalMode,
		cfg:          cfg,
		peers:        peers,
		reachability: ReachabilityUnknown,
	}
	n.guard = NewGuard(GuardConfig{MaxGrainsPerMin: cfg.MaxGrainsPerMin, MaxQueriesPerMin: cfg.MaxQueriesPerMin, BanTimeout: cfg.BanTimeout}, peers)
	n.proto = NewProtocol(h, db, n.guard)

	notifee := &discoveryNotifee{node: n}
	mdnsService := mdns.NewMdnsService(h, DiscoveryTopic, notifee)
	n.mdns = mdnsService

	h.Network().Notify(&networkNotifee{node: n})

	return n, nil
}

// Protocol exposes the gossip/fetch handler so callers can broadcast
// newly inserted grains.
func (n *Node) Protocol() *Protocol { return n.proto }

// Guard exposes the per-peer rate limiter and reputation gate.
func (n *Node) Guard() *Guard { return n.guard }

// Peers exposes the shared peer reputation/proximity store.
func (n *Node) Peers() *meshstate.Store { return n.peers }

// Host exposes the underlying libp2p host for overlay-level discovery
// and routing built on top of the mesh transport.
func (n *Node) Host() host.Host { return n.host }

// Discovery exposes the DHT-backed routing discovery, or nil in local
// mode where no DHT is running.
func (n *Node) Discovery() *routing.RoutingDiscovery { return n.discovery }

// ID returns this node's libp2p peer id as an opaque meshstate.PeerID.
func (n *Node) ID() meshstate.PeerID { return meshstate.PeerID(n.host.ID().String()) }

// ConnectToPeer dials a single bootstrap or manually-configured peer
// given as a full multiaddr (".../p2p/<id>"), per §4.7's bootstrap
// list.
func (n *Node) ConnectToPeer(addr string) error {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid peer address %q: %w", addr, err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("invalid peer address %q: %w", addr, err)
	}
	if _, err := n.connectPeerInfo(*pi); err != nil {
		return fmt.Errorf("connect to %q: %w", addr, err)
	}
	return nil
}

// Start begins discovery and monitoring goroutines.
func (n *Node) Start() error {
	log.Printf("mesh: starting node %s", n.host.ID())
	for _, addr := range n.LocalMultiaddrs(true) {
		log.Printf("mesh: listening on %s", addr)
	}

	if n.mdns != nil {
		if err := n.mdns.Start(); err != nil {
			log.Printf("mesh: mdns start failed: %v", err)
		}
	}

	go n.discoverPeers()
	go n.monitorReachability()

	return nil
}

// Stop shuts the node down, closing the DHT and libp2p host.
func (n *Node) Stop() error {
	n.cancel()
	n.guard.Close()
	n.proto.Close()

	if n.mdns != nil {
		if err := n.mdns.Close(); err != nil {
			log.Printf("mesh: mdns close failed: %v", err)
		}
	}
	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			log.Printf("mesh: dht close failed: %v", err)
		}
	}
	return n.host.Close()
}

// LocalMultiaddrs returns this node's listen addresses with its peer
// id appended; includeLocal controls whether localhost addresses are
// included.
func (n *Node) LocalMultiaddrs(includeLocal bool) []string {
	out := make([]string, 0, len(n.host.Addrs()))
	for _, addr := range n.host.Addrs() {
		s := addr.String()
		if includeLocal || (!strings.Contains(s, "127.0.0.1") && !strings.Contains(s, "::1")) {
			out = append(out, fmt.Sprintf("%s/p2p/%s", addr, n.host.ID()))
		}
	}
	return out
}

// ConnectedPeers returns the peer ids currently connected.
func (n *Node) ConnectedPeers() []meshstate.PeerID {
	ids := n.host.Network().Peers()
	out := make([]meshstate.PeerID, len(ids))
	for i, id := range ids {
		out[i] = meshstate.PeerID(id.String())
	}
	return out
}

func (n *Node) discoverPeers() {
	if n.discovery == nil {
		return
	}

	if _, err := n.discovery.Advertise(n.ctx, DiscoveryTopic); err != nil {
		log.Printf("mesh: dht advertise failed: %v", err)
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.findAndConnectPeers()
		}
	}
}

func (n *Node) findAndConnectPeers() {
	if n.discovery == nil {
		return
	}
	peerChan, err := n.discovery.FindPeers(n.ctx, DiscoveryTopic)
	if err != nil {
		log.Printf("mesh: find peers failed: %v", err)
		return
	}
	connected := 0
	for pi := range peerChan {
		ok, err := n.connectPeerInfo(pi)
		if err != nil {
			continue
		}
		if ok {
			connected++
		}
		if connected >= 5 {
			break
		}
	}
}

func (n *Node) connectPeerInfo(pi peer.AddrInfo) (bool, error) {
	if pi.ID == "" || pi.ID == n.host.ID() {
		return false, nil
	}
	if n.host.Network().Connectedness(pi.ID) == network.Connected {
		return false, nil
	}
	if n.guard.IsBanned(meshstate.PeerID(pi.ID.String())) {
		return false, fmt.Errorf("peer is banned")
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		timeout := time.Duration(5*attempt) * time.Second
		ctx, cancel := context.WithTimeout(n.ctx, timeout)
		err := n.host.Connect(ctx, pi)
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if attempt < 3 {
			time.Sleep(time.Second)
		}
	}
	if lastErr != nil {
		return false, lastErr
	}

	n.peers.Seen(meshstate.PeerID(pi.ID.String()), nil)
	go n.testConnection(pi.ID)
	return true, nil
}

func (n *Node) testConnection(id peer.ID) {
	ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
	defer cancel()

	result := <-n.ping.Ping(ctx, id)
	if result.Error != nil {
		return
	}
	n.peers.UpdateRTT(meshstate.PeerID(id.String()), result.RTT)
}

func (n *Node) monitorReachability() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	if !n.localMode {
		n.detectReachability()
	}
	n.reportMetrics()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if !n.localMode {
				n.detectReachability()
			}
			n.reportMetrics()
		}
	}
}

func (n *Node) reportMetrics() {
	observability.ConnectedPeers.Set(float64(len(n.ConnectedPeers())))
	observability.BannedPeers.Set(float64(n.peers.BannedCount()))
}

func (n *Node) detectReachability() {
	if n.localMode {
		n.reachabilityMu.Lock()
		n.reachability = ReachabilityPrivate
		n.reachabilityMu.Unlock()
		return
	}

	hasPublic, hasPrivate, usingRelay := false, false, false
	for _, addr := range n.host.Addrs() {
		s := addr.String()
		switch {
		case strings.Contains(s, "/p2p-circuit/"):
			usingRelay = true
		case strings.Contains(s, "127.0.0.1"), strings.Contains(s, "192.168."), strings.Contains(s, "10."), strings.Contains(s, "172.16."):
			hasPrivate = true
		case strings.Contains(s, "/ip4/"), strings.Contains(s, "/ip6/"):
			hasPublic = true
		}
	}

	n.reachabilityMu.Lock()
	defer n.reachabilityMu.Unlock()
	switch {
	case hasPublic && !hasPrivate:
		n.reachability = ReachabilityPublic
	case hasPrivate && !hasPublic:
		n.reachability = ReachabilityPrivate
	case usingRelay:
		n.reachability = ReachabilityRelay
	default:
		n.reachability = ReachabilityUnknown
	}
}

// Reachability returns the last-detected reachability status.
func (n *Node) Reachability() ReachabilityStatus {
	n.reachabilityMu.RLock()
	defer n.reachabilityMu.RUnlock()
	return n.reachability
}

type discoveryNotifee struct{ node *Node }

func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if d.node.host.Network().Connectedness(pi.ID) == network.Connected {
		return
	}
	go func() {
		if _, err := d.node.connectPeerInfo(pi); err != nil {
			log.Printf("mesh: mdns auto-connect to %s failed: %v", pi.ID, err)
		}
	}()
}

type networkNotifee struct{ node *Node }

func (nn *networkNotifee) Listen(network.Network, multiaddr.Multiaddr)      {}
func (nn *networkNotifee) ListenClose(network.Network, multiaddr.Multiaddr) {}
func (nn *networkNotifee) Disconnected(_ network.Network, conn network.Conn) {}
func (nn *networkNotifee) Connected(_ network.Network, conn network.Conn) {
	nn.node.peers.Seen(meshstate.PeerID(conn.RemotePeer().String()), nil)
}
