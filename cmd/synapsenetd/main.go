// Command synapsenetd runs a single SynapseNet mesh node: semantic
// store, PoE engine, mesh transport, and the embedding bridge, bound
// behind the orchestrator boundary. Adapted from the teacher's root
// main.go flag set and shutdown sequence, minus the Cap'n Proto server
// (see DESIGN.md for why).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/synapsenet/synapsenet/internal/annindex"
	"github.com/synapsenet/synapsenet/internal/config"
	"github.com/synapsenet/synapsenet/internal/embedder"
	"github.com/synapsenet/synapsenet/internal/mesh"
	"github.com/synapsenet/synapsenet/internal/meshstate"
	"github.com/synapsenet/synapsenet/internal/orchestrator"
	"github.com/synapsenet/synapsenet/internal/overlay"
	"github.com/synapsenet/synapsenet/internal/poe"
	"github.com/synapsenet/synapsenet/internal/store"
)

// proximitySelector adapts meshstate.Store.BestPeers (reputation/RTT
// ranked, per §4.7) to the mesh.ForwardSelector shape, skipping any
// peer id that doesn't parse back to a libp2p peer.ID.
func proximitySelector(peers *meshstate.Store) mesh.ForwardSelector {
	return func(n int) []peer.ID {
		best := peers.BestPeers(n)
		out := make([]peer.ID, 0, len(best))
		for _, id := range best {
			pid, err := peer.Decode(string(id))
			if err != nil {
				continue
			}
			out = append(out, pid)
		}
		return out
	}
}

func main() {
	var (
		dataDir   = flag.String("data-dir", "", "node data directory (default .synapsenet)")
		port      = flag.Int("port", 0, "fixed P2P listen port (0 = random, local mode only)")
		localMode = flag.Bool("local", false, "local testing mode: mDNS discovery only, no DHT")
		peerAddrs = flag.String("peers", "", "comma-separated bootstrap peer multiaddrs")
		embedName = flag.String("embedder-ring", "synapsenet", "shared-memory ring name for the embedding bridge")
		testMode  = flag.Bool("test", false, "enable periodic status logging")
	)
	flag.Parse()

	if *testMode {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		log.Printf("🧪 test mode enabled")
	}

	log.Printf("🚀 starting synapsenetd")

	cfgMgr, err := config.NewManager(*dataDir)
	if err != nil {
		log.Fatalf("❌ config: %v", err)
	}
	cfg, err := cfgMgr.Load()
	if err != nil {
		log.Fatalf("❌ config: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *localMode {
		cfg.LocalMode = true
	}
	for _, addr := range strings.Split(*peerAddrs, ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			cfgMgr.AddBootstrapPeer(addr)
		}
	}
	cfg = cfgMgr.Get()
	if err := cfgMgr.Save(cfg); err != nil {
		log.Fatalf("❌ config: %v", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "synapsenet.db")
	db, err := store.Open(dbPath, annindex.New(annindex.DefaultM, annindex.DefaultEfConstruction, annindex.DefaultEfSearch, annindex.DefaultMaxElements))
	if err != nil {
		log.Fatalf("❌ store: %v", err)
	}
	defer db.Close()
	log.Printf("✅ store opened at %s", dbPath)

	peerStore := meshstate.NewStore()
	node, err := mesh.NewNode(mesh.Config{
		LocalMode:        cfg.LocalMode,
		Port:             cfg.Port,
		MaxGrainsPerMin:  cfg.MaxRequestsPerMin,
		MaxQueriesPerMin: cfg.MaxQueriesPerMin,
		BanTimeout:       time.Duration(cfg.BanTimeoutSeconds) * time.Second,
	}, db, peerStore)
	if err != nil {
		log.Fatalf("❌ mesh: %v", err)
	}
	if err := node.Start(); err != nil {
		log.Fatalf("❌ mesh: failed to start: %v", err)
	}
	defer node.Stop()
	log.Printf("🌐 mesh node up, peer id %s", node.ID())

	node.Protocol().SetForwardSelector(proximitySelector(peerStore))

	bootstrapAddrs := append([]string(nil), cfg.BootstrapPeers...)
	if cfg.DirectoryPath != "" {
		trusted, err := overlay.LoadDirectoryFile(cfg.DirectoryPath, cfg.DirectoryMinQuorum)
		if err != nil {
			log.Printf("⚠️  bootstrap directory %s: %v", cfg.DirectoryPath, err)
		} else {
			log.Printf("📜 bootstrap directory: %d quorum-endorsed entries accepted", len(trusted))
			bootstrapAddrs = append(bootstrapAddrs, trusted...)
		}
	}
	for _, addr := range bootstrapAddrs {
		log.Printf("🔗 connecting to bootstrap peer %s", addr)
		if err := node.ConnectToPeer(addr); err != nil {
			log.Printf("⚠️  bootstrap connect to %s failed: %v", addr, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clusterTimeout := time.Duration(cfg.ClusterTimeoutSec) * time.Second
	if clusterTimeout <= 0 {
		clusterTimeout = overlay.DefaultClusterTimeout
	}
	clusters := overlay.NewClusterManager(db, peerStore)
	natDetector := overlay.NewDetector(node.Host(), cfg.LocalMode)
	go func() {
		ticker := time.NewTicker(clusterTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := clusters.EvictInactive(clusterTimeout); err != nil {
					log.Printf("⚠️  cluster eviction: %v", err)
				} else if n > 0 {
					log.Printf("🧹 evicted %d inactive cluster peers", n)
				}
				natDetector.Refresh()
			}
		}
	}()

	advertiser := overlay.NewTopicAdvertiser(node.Discovery())
	if err := advertiser.Advertise(ctx, mesh.DiscoveryTopic); err != nil {
		log.Printf("⚠️  topic advertise: %v", err)
	}
	go advertiser.RefreshLoop(ctx, func() []string { return []string{mesh.DiscoveryTopic} }, 10*time.Minute)

	engine := poe.New(db, poe.DefaultWeights, cfg.MaxRequestsPerMin)
	recompute := poe.NewRecomputeQueue(ctx, engine, db)

	emb, err := embedder.NewSharedMemoryEmbedder(*embedName, embedder.DefaultRingBytes)
	if err != nil {
		log.Fatalf("❌ embedder: %v", err)
	}
	defer emb.Close()

	// orch is the boundary the (out-of-scope) CLI/REST/IPC shell binds
	// to; this daemon only exercises it directly for test-mode status
	// logging.
	orch := orchestrator.New(db, node, engine, recompute, emb, time.Duration(cfg.QueryWindowMillis)*time.Millisecond)

	if *testMode {
		go func() {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				stats, err := orch.Stats()
				if err != nil {
					log.Printf("⚠️  stats: %v", err)
					continue
				}
				log.Printf("📊 %s", stats)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	log.Println("🌐 node running, press Ctrl+C to stop")
	<-sigChan

	log.Println("🛑 shutting down")
	cancel()
	log.Println("✅ shutdown complete")
}
