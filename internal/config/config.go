// Package config loads and persists a node's on-disk configuration,
// generalizing the teacher's NodeConfig/ConfigManager (config.go) from
// a single Cap'n Proto/libp2p toggle set to SynapseNet's mesh, rate
// limit, and data-directory settings.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/synapsenet/synapsenet/internal/synapseerr"
)

// DataDirName is the default data directory name under the working
// directory, per §6.5.
const DataDirName = ".synapsenet"

// NodeConfig is the persistent configuration for a node, per §6.5's
// environment/data directory layout plus the operational knobs §4.6/
// §4.7 call out as "default" (port, rate caps, ban timeout, bootstrap
// peers).
type NodeConfig struct {
	DataDir            string   `json:"data_dir"`
	Port               int      `json:"port"`
	LocalMode          bool     `json:"local_mode"`
	BootstrapPeers     []string `json:"bootstrap_peers"`
	MaxRequestsPerMin  int      `json:"max_requests_per_min"`
	MaxQueriesPerMin   int      `json:"max_queries_per_min"`
	BanTimeoutSeconds  int      `json:"ban_timeout_seconds"`
	ClusterTimeoutSec  int      `json:"cluster_timeout_seconds"`
	QueryFanout        int      `json:"query_fanout"`
	QueryWindowMillis  int      `json:"query_window_millis"`
	DirectoryPath      string   `json:"directory_path"`
	DirectoryMinQuorum int      `json:"directory_min_quorum"`
	LastSavedAt        string   `json:"last_saved_at"`
}

// DefaultConfig returns a NodeConfig populated with the spec's stated
// defaults, rooted at dataDir.
func DefaultConfig(dataDir string) *NodeConfig {
	return &NodeConfig{
		DataDir:           dataDir,
		Port:              0,
		MaxRequestsPerMin: 100,
		MaxQueriesPerMin:  60,
		BanTimeoutSeconds: 3600,
		ClusterTimeoutSec: 300,
		QueryFanout:       3,
		QueryWindowMillis: 2000,
	}
}

// Manager handles loading and saving a node's configuration, directly
// generalizing the teacher's ConfigManager.
type Manager struct {
	configPath string

	mu     sync.RWMutex
	config *NodeConfig
}

// NewManager builds a Manager whose config file lives under dataDir
// (DataDirName under the working directory if dataDir is empty).
func NewManager(dataDir string) (*Manager, error) {
	if dataDir == "" {
		dataDir = DataDirName
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, synapseerr.New(synapseerr.KindConfig, "config.NewManager", fmt.Errorf("create data dir %s: %w", dataDir, err))
	}

	return &Manager{
		configPath: filepath.Join(dataDir, "config.json"),
		config:     DefaultConfig(dataDir),
	}, nil
}

// Load reads the config file if present, otherwise returns the default
// configuration seeded in NewManager.
func (m *Manager) Load() (*NodeConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		log.Printf("config: no existing file at %s, using defaults", m.configPath)
		return m.config, nil
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return nil, synapseerr.New(synapseerr.KindConfig, "config.Load", fmt.Errorf("read %s: %w", m.configPath, err))
	}
	if err := json.Unmarshal(data, m.config); err != nil {
		return nil, synapseerr.New(synapseerr.KindConfig, "config.Load", fmt.Errorf("parse %s: %w", m.configPath, err))
	}

	log.Printf("config: loaded from %s (last saved %s)", m.configPath, m.config.LastSavedAt)
	return m.config, nil
}

// Save persists cfg to disk, stamping LastSavedAt.
func (m *Manager) Save(cfg *NodeConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg.LastSavedAt = time.Now().Format(time.RFC3339)

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return synapseerr.New(synapseerr.KindConfig, "config.Save", fmt.Errorf("marshal: %w", err))
	}
	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return synapseerr.New(synapseerr.KindConfig, "config.Save", fmt.Errorf("write %s: %w", m.configPath, err))
	}

	m.config = cfg
	log.Printf("config: saved to %s", m.configPath)
	return nil
}

// AddBootstrapPeer appends addr to the bootstrap list if not already
// present.
func (m *Manager) AddBootstrapPeer(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.config.BootstrapPeers {
		if existing == addr {
			return
		}
	}
	m.config.BootstrapPeers = append(m.config.BootstrapPeers, addr)
}

// Get returns a defensive copy of the current configuration.
func (m *Manager) Get() *NodeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp := *m.config
	cp.BootstrapPeers = append([]string(nil), m.config.BootstrapPeers...)
	return &cp
}
