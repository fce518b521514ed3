package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/synapsenet/synapsenet/internal/crypto"
	"github.com/synapsenet/synapsenet/internal/grain"
)

func TestQueryReturnsLocalResultsWithNoPeers(t *testing.T) {
	n, db := newTestNode(t)

	key, err := crypto.GenerateSigningKey(crypto.BackendClassical)
	if err != nil {
		t.Fatalf("GenerateSigningKey failed: %v", err)
	}
	g, err := grain.New([]float32{1, 0, 0}, grain.Meta{MIME: "text/plain"}, key)
	if err != nil {
		t.Fatalf("grain.New failed: %v", err)
	}
	if err := db.Insert(g, true); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	hits, err := n.Protocol().Query(context.Background(), []float32{1, 0, 0}, 5, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != g.ID {
		t.Fatalf("expected local grain in query results, got %+v", hits)
	}
}

func TestQueryMergesRemotePeerResults(t *testing.T) {
	n1, db1 := newTestNode(t)
	n2, _ := newTestNode(t)

	addrInfo := n1.host.Peerstore().PeerInfo(n1.host.ID())
	addrInfo.Addrs = n1.host.Addrs()
	if err := n2.host.Connect(context.Background(), addrInfo); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	key, err := crypto.GenerateSigningKey(crypto.BackendClassical)
	if err != nil {
		t.Fatalf("GenerateSigningKey failed: %v", err)
	}
	g, err := grain.New([]float32{0, 1, 0}, grain.Meta{MIME: "text/plain"}, key)
	if err != nil {
		t.Fatalf("grain.New failed: %v", err)
	}
	if err := db1.Insert(g, true); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	hits, err := n2.Protocol().Query(context.Background(), []float32{0, 1, 0}, 5, time.Second)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	found := false
	for _, h := range hits {
		if h.ID == g.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("expected query to find peer's grain %x, got %+v", g.ID, hits)
	}
}
