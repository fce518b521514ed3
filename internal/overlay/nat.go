// Package overlay builds topic clustering, NAT classification, and a
// threshold-endorsed bootstrap directory on top of the raw mesh
// transport (internal/mesh).
package overlay

import (
	"strings"
	"sync"

	"github.com/libp2p/go-libp2p/core/host"
)

// NATType classifies how hard this node is to reach from outside its
// local network, per §4.7's 6-state taxonomy (generalized from the
// teacher's 3-state Reachability model).
type NATType string

const (
	NATUnknown        NATType = "unknown"
	NATNone           NATType = "none"            // public IP, no NAT
	NATFullCone       NATType = "full_cone"        // easy to traverse
	NATRestricted     NATType = "restricted"       // moderate difficulty
	NATPortRestricted NATType = "port_restricted"  // harder to traverse
	NATSymmetric      NATType = "symmetric"        // very difficult, usually needs relay
)

// Detector tracks this node's current NAT classification from its own
// advertised multiaddrs and connection outcomes, mirroring the
// teacher's detectReachability but classifying into the full 6-state
// taxonomy instead of 3 reachability buckets.
type Detector struct {
	host      host.Host
	localMode bool

	mu      sync.RWMutex
	current NATType
}

// NewDetector builds a Detector over h. localMode forces NATNone,
// matching the behavior of a single-box test deployment.
func NewDetector(h host.Host, localMode bool) *Detector {
	return &Detector{host: h, localMode: localMode, current: NATUnknown}
}

// Refresh re-classifies the NAT type from the host's current listen
// addresses and connection set.
func (d *Detector) Refresh() NATType {
	if d.localMode {
		d.set(NATNone)
		return NATNone
	}

	hasPublic, hasPrivate, usingRelay := false, false, false
	for _, addr := range d.host.Addrs() {
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

	var natType NATType
	switch {
	case hasPublic && !hasPrivate:
		natType = NATNone
	case usingRelay:
		natType = NATSymmetric
	case hasPrivate:
		natType = d.classifyFromConnections()
	default:
		natType = NATUnknown
	}

	d.set(natType)
	return natType
}

// classifyFromConnections distinguishes full-cone/restricted/
// port-restricted/symmetric NATs by connection success, the same
// heuristic the teacher used for its coarser 2-state private
// classification: more successful inbound-capable connections implies
// a looser NAT.
func (d *Detector) classifyFromConnections() NATType {
	conns := d.host.Network().Conns()
	switch {
	case len(conns) == 0:
		return NATSymmetric
	case len(conns) < 3:
		return NATPortRestricted
	case len(conns) < 8:
		return NATRestricted
	default:
		return NATFullCone
	}
}

func (d *Detector) set(t NATType) {
	d.mu.Lock()
	d.current = t
	d.mu.Unlock()
}

// Current returns the last-computed NAT classification.
func (d *Detector) Current() NATType {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// Traversable reports whether this NAT type is expected to support
// direct hole punching, versus needing a relay.
func (t NATType) Traversable() bool {
	switch t {
	case NATNone, NATFullCone, NATRestricted:
		return true
	default:
		return false
	}
}
