package overlay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/sign/schnorr"

	kyberdkg "github.com/synapsenet/synapsenet/pkg/crypto/dkg/kyber"
)

// bootstrapSuite is the same curve/hash combination the teacher's DKG
// code uses for its long-term signing keys (pkg/crypto/dkg/kyber),
// reused here for bootstrap directory endorsement.
var bootstrapSuite = edwards25519.NewBlakeSHA256Ed25519()

// BootstrapEntry is a candidate bootstrap multiaddr awaiting quorum
// endorsement, per §3.7.
type BootstrapEntry struct {
	Addr       string
	ValidUntil time.Time
}

func (e BootstrapEntry) digest() []byte {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", e.Addr, e.ValidUntil.UnixNano())))
	return h[:]
}

// EndorserKey is one directory-signing participant's long-term
// keypair. It wraps the Priv/Pub2 fields of a kyberdkg.Node, the
// long-term signing keypair that package generates per node; no DKG
// threshold secret-share machinery is invoked here.
type EndorserKey struct {
	NodeID  int
	private kyber.Scalar
	Public  kyber.Point
}

// NewEndorserKey generates a fresh long-term endorser key by way of
// kyberdkg.NewNode, the same constructor pkg/crypto/dkg/kyber uses to
// seed a DKG participant's own long-term signing identity.
func NewEndorserKey(nodeID int) *EndorserKey {
	n := kyberdkg.NewNode(nodeID)
	return &EndorserKey{NodeID: n.ID, private: n.Priv, Public: n.Pub2}
}

// Endorsement is one endorser's signature over a bootstrap entry.
type Endorsement struct {
	NodeID int
	Sig    []byte
}

// Endorse signs entry's digest with k's long-term key.
func (k *EndorserKey) Endorse(entry BootstrapEntry) (*Endorsement, error) {
	sig, err := schnorr.Sign(bootstrapSuite, k.private, entry.digest())
	if err != nil {
		return nil, fmt.Errorf("sign bootstrap entry: %w", err)
	}
	return &Endorsement{NodeID: k.NodeID, Sig: sig}, nil
}

// Directory is the local view of trusted directory-signing keys and
// the threshold required to trust a bootstrap entry, per §3.7.
type Directory struct {
	threshold int

	mu        sync.RWMutex
	endorsers map[int]kyber.Point
}

// NewDirectory builds a Directory requiring threshold valid,
// distinct-endorser signatures before trusting an entry.
func NewDirectory(threshold int) *Directory {
	return &Directory{threshold: threshold, endorsers: make(map[int]kyber.Point)}
}

// RegisterEndorser adds or replaces a trusted directory-signing key.
func (d *Directory) RegisterEndorser(nodeID int, pub kyber.Point) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endorsers[nodeID] = pub
}

// Verify reports whether entry carries at least the configured
// threshold of valid, distinct endorser signatures. An entry past its
// ValidUntil is rejected regardless of endorsement count.
func (d *Directory) Verify(entry BootstrapEntry, endorsements []*Endorsement) error {
	if time.Now().After(entry.ValidUntil) {
		return fmt.Errorf("bootstrap entry for %q expired at %v", entry.Addr, entry.ValidUntil)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	digest := entry.digest()
	seen := make(map[int]bool, len(endorsements))
	valid := 0

	for _, e := range endorsements {
		if e == nil || seen[e.NodeID] {
			continue
		}
		pub, ok := d.endorsers[e.NodeID]
		if !ok {
			continue
		}
		if err := schnorr.Verify(bootstrapSuite, pub, digest, e.Sig); err != nil {
			continue
		}
		seen[e.NodeID] = true
		valid++
	}

	if valid < d.threshold {
		return fmt.Errorf("insufficient valid endorsements for %q: %d < %d", entry.Addr, valid, d.threshold)
	}
	return nil
}

// directoryFile is the on-disk JSON shape of a bootstrap directory:
// the trusted endorser public keys plus a set of candidate entries,
// each carrying whatever endorsement signatures it has collected so
// far. A node loads this once at startup rather than running the
// endorsement protocol itself.
type directoryFile struct {
	Endorsers []directoryEndorserFile `json:"endorsers"`
	Entries   []directoryEntryFile    `json:"entries"`
}

type directoryEndorserFile struct {
	NodeID       int    `json:"node_id"`
	PublicKeyHex string `json:"public_key_hex"`
}

type directoryEntryFile struct {
	Addr         string                     `json:"addr"`
	ValidUntil   time.Time                  `json:"valid_until"`
	Endorsements []directoryEndorsementFile `json:"endorsements"`
}

type directoryEndorsementFile struct {
	NodeID int    `json:"node_id"`
	SigHex string `json:"sig_hex"`
}

// LoadDirectoryFile reads a JSON bootstrap directory from path,
// registers its endorser keys against a fresh Directory requiring
// threshold valid signatures, and returns the addresses of every
// entry that already meets that threshold. A missing file yields no
// trusted addresses and no error, so a node with no configured
// directory simply falls back to its explicit bootstrap peer list.
func LoadDirectoryFile(path string, threshold int) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bootstrap directory %s: %w", path, err)
	}

	var file directoryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse bootstrap directory %s: %w", path, err)
	}

	dir := NewDirectory(threshold)
	for _, e := range file.Endorsers {
		raw, err := hex.DecodeString(e.PublicKeyHex)
		if err != nil {
			return nil, fmt.Errorf("endorser %d public key: %w", e.NodeID, err)
		}
		pub := bootstrapSuite.Point()
		if err := pub.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("endorser %d public key: %w", e.NodeID, err)
		}
		dir.RegisterEndorser(e.NodeID, pub)
	}

	var trusted []string
	for _, ent := range file.Entries {
		entry := BootstrapEntry{Addr: ent.Addr, ValidUntil: ent.ValidUntil}
		endorsements := make([]*Endorsement, 0, len(ent.Endorsements))
		for _, en := range ent.Endorsements {
			sig, err := hex.DecodeString(en.SigHex)
			if err != nil {
				continue
			}
			endorsements = append(endorsements, &Endorsement{NodeID: en.NodeID, Sig: sig})
		}
		if err := dir.Verify(entry, endorsements); err != nil {
			continue
		}
		trusted = append(trusted, entry.Addr)
	}
	return trusted, nil
}
