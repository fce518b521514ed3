package mesh

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/synapsenet/synapsenet/internal/annindex"
	"github.com/synapsenet/synapsenet/internal/crypto"
	"github.com/synapsenet/synapsenet/internal/grain"
	"github.com/synapsenet/synapsenet/internal/meshstate"
	"github.com/synapsenet/synapsenet/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synapsenet.db")
	db, err := store.Open(path, annindex.New(0, 0, 0, 0))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestNode(t *testing.T) (*Node, *store.DB) {
	t.Helper()
	db := openTestDB(t)
	n, err := NewNode(Config{LocalMode: true}, db, meshstate.NewStore())
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	t.Cleanup(func() { _ = n.Stop() })
	return n, db
}

func TestLocalModeSkipsDHT(t *testing.T) {
	n, _ := newTestNode(t)
	if n.dht != nil {
		t.Error("expected dht to be nil in local mode")
	}
}

func TestLocalModeReportsPrivateReachability(t *testing.T) {
	n, _ := newTestNode(t)
	n.detectReachability()
	if got := n.Reachability(); got != ReachabilityPrivate {
		t.Errorf("expected private reachability in local mode, got %s", got)
	}
}

func TestGossipBroadcastDeliversGrainToConnectedPeer(t *testing.T) {
	n1, _ := newTestNode(t)
	n2, db2 := newTestNode(t)

	addrInfo := n2.host.Peerstore().PeerInfo(n2.host.ID())
	addrInfo.Addrs = n2.host.Addrs()
	if err := n1.host.Connect(context.Background(), addrInfo); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	key, err := crypto.GenerateSigningKey(crypto.BackendClassical)
	if err != nil {
		t.Fatalf("GenerateSigningKey failed: %v", err)
	}
	g, err := grain.New([]float32{0.1, 0.2, 0.3}, grain.Meta{MIME: "text/plain"}, key)
	if err != nil {
		t.Fatalf("grain.New failed: %v", err)
	}

	n1.Protocol().Broadcast(context.Background(), g)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := db2.Get(g.ID); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected broadcast grain to arrive at the connected peer's store")
}

func TestGossipBroadcastSenderReceivesAckAndReputationCredit(t *testing.T) {
	n1, _ := newTestNode(t)
	n2, db2 := newTestNode(t)

	addrInfo := n2.host.Peerstore().PeerInfo(n2.host.ID())
	addrInfo.Addrs = n2.host.Addrs()
	if err := n1.host.Connect(context.Background(), addrInfo); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	key, err := crypto.GenerateSigningKey(crypto.BackendClassical)
	if err != nil {
		t.Fatalf("GenerateSigningKey failed: %v", err)
	}
	g, err := grain.New([]float32{0.5, 0.5, 0.1}, grain.Meta{MIME: "text/plain"}, key)
	if err != nil {
		t.Fatalf("grain.New failed: %v", err)
	}

	n1.Protocol().Broadcast(context.Background(), g)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := db2.Get(g.ID); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, ok := n1.Peers().Get(meshstate.PeerID(n2.host.ID().String()))
		if ok && rec.Successes > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the gossip ack to credit n2 with a successful interaction in n1's peer record")
}

func TestFetchRemoteReturnsKnownGrain(t *testing.T) {
	n1, db1 := newTestNode(t)
	n2, _ := newTestNode(t)

	addrInfo := n2.host.Peerstore().PeerInfo(n2.host.ID())
	addrInfo.Addrs = n2.host.Addrs()
	if err := n1.host.Connect(context.Background(), addrInfo); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	key, err := crypto.GenerateSigningKey(crypto.BackendClassical)
	if err != nil {
		t.Fatalf("GenerateSigningKey failed: %v", err)
	}
	g, err := grain.New([]float32{0.4, 0.1, 0.2}, grain.Meta{MIME: "text/plain"}, key)
	if err != nil {
		t.Fatalf("grain.New failed: %v", err)
	}
	if err := db1.Insert(g, false); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := n2.Protocol().FetchRemote(context.Background(), n1.host.ID(), g.ID)
	if err != nil {
		t.Fatalf("FetchRemote failed: %v", err)
	}
	if got.ID != g.ID {
		t.Errorf("expected fetched grain id %x, got %x", g.ID, got.ID)
	}
}

func TestFetchRemoteErrorsForUnknownGrain(t *testing.T) {
	n1, _ := newTestNode(t)
	n2, _ := newTestNode(t)

	addrInfo := n2.host.Peerstore().PeerInfo(n2.host.ID())
	addrInfo.Addrs = n2.host.Addrs()
	if err := n1.host.Connect(context.Background(), addrInfo); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	var missing [grain.IDLen]byte
	if _, err := n2.Protocol().FetchRemote(context.Background(), n1.host.ID(), missing); err == nil {
		t.Error("expected an error fetching an unknown grain id")
	}
}
