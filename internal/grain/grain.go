// Package grain implements the content-addressed knowledge unit described
// in §3.1/§4.2: canonical binary framing, blake3 id derivation, and
// signature binding over the dual crypto backends of internal/crypto.
package grain

import (
	"fmt"

	"github.com/synapsenet/synapsenet/internal/crypto"
	"github.com/synapsenet/synapsenet/internal/synapseerr"
)

// IDLen is the fixed length of a grain id: a blake3 digest.
const IDLen = 32

// AccessType enumerates the kinds of access events recorded against a
// grain, per §3.3.
type AccessType uint8

const (
	AccessSearch AccessType = iota
	AccessRetrieve
	AccessReference
)

func (a AccessType) String() string {
	switch a {
	case AccessSearch:
		return "search"
	case AccessRetrieve:
		return "retrieve"
	case AccessReference:
		return "reference"
	default:
		return "unknown"
	}
}

// AccessEvent is an append-only record of one access to a grain, per
// §3.3. It feeds the PoE engine's reuse signal.
type AccessEvent struct {
	GrainID [IDLen]byte
	PeerID  string
	Type    AccessType
	TSUnixMS int64
}

// PoEScore is the cached, node-local Proof-of-Emergence score for a
// grain, per §3.2. It is advisory and never trusted when it arrives
// from a remote peer.
type PoEScore struct {
	Novelty   float32
	Coherence float32
	Reuse     float32
	Total     float32
}

// Meta is GrainMeta from §3.1. PoEScore and AccessCount are node-local
// fields: excluded from canonical framing, the id, and wire encoding.
type Meta struct {
	AuthorPK             []byte
	CryptoBackend        crypto.Backend
	CryptoBackendPresent bool // false => infer from len(AuthorPK) on verify
	TSUnixMS             int64
	Tags                 []string
	MIME                 string
	Lang                 string
	Title                string
	TitlePresent         bool
	Summary              string
	SummaryPresent       bool
	EmbeddingModel       string
	EmbeddingModelPresent bool
	EmbeddingDimensions  uint32
	EmbeddingDimensionsPresent bool

	// PoEScore and AccessCount are local-only per the invariant in
	// §3.1; they never participate in id derivation or wire framing.
	PoEScore    *PoEScore
	AccessCount uint64
}

// Grain is the atomic unit of shared knowledge, per §3.1.
type Grain struct {
	ID   [IDLen]byte
	Vec  []float32
	Meta Meta
	Sig  []byte
}

// New creates and signs a fresh grain. It fails if meta.EmbeddingDimensions
// is present and disagrees with len(vec), per §4.2's new() contract.
func New(vec []float32, meta Meta, signingKey *crypto.UnifiedSigningKey) (*Grain, error) {
	if meta.EmbeddingDimensionsPresent && int(meta.EmbeddingDimensions) != len(vec) {
		return nil, synapseerr.New(synapseerr.KindValidation, "grain.New",
			fmt.Errorf("embedding_dimensions=%d disagrees with vector length %d", meta.EmbeddingDimensions, len(vec)))
	}
	if !meta.EmbeddingDimensionsPresent && meta.EmbeddingModelPresent {
		meta.EmbeddingDimensions = uint32(len(vec))
		meta.EmbeddingDimensionsPresent = true
	}

	meta.AuthorPK = signingKey.PublicKey()
	meta.CryptoBackend = signingKey.Backend()
	meta.CryptoBackendPresent = true

	id, err := DeriveID(vec, meta)
	if err != nil {
		return nil, err
	}

	sig, err := signingKey.Sign(id[:])
	if err != nil {
		return nil, synapseerr.New(synapseerr.KindCrypto, "grain.New", err)
	}

	return &Grain{ID: id, Vec: append([]float32(nil), vec...), Meta: meta, Sig: sig}, nil
}

// Verify recomputes g's id from its fields and checks the signature
// against author_pk under the stated (or inferred) backend, per the
// invariant in §3.1 and the acceptance rule in §4.2.
func Verify(g *Grain) error {
	backend := g.Meta.CryptoBackend
	if !g.Meta.CryptoBackendPresent {
		inferred, err := crypto.InferBackend(len(g.Meta.AuthorPK))
		if err != nil {
			return synapseerr.New(synapseerr.KindValidation, "grain.Verify", err)
		}
		backend = inferred
	}

	recomputed, err := DeriveID(g.Vec, g.Meta)
	if err != nil {
		return synapseerr.New(synapseerr.KindValidation, "grain.Verify", err)
	}
	if recomputed != g.ID {
		return synapseerr.New(synapseerr.KindValidation, "grain.Verify",
			fmt.Errorf("recomputed id does not match stored id"))
	}

	vk, err := crypto.FromPublicBytes(g.Meta.AuthorPK, backend)
	if err != nil {
		return synapseerr.New(synapseerr.KindValidation, "grain.Verify", err)
	}
	if !vk.Verify(g.ID[:], g.Sig) {
		return synapseerr.New(synapseerr.KindValidation, "grain.Verify",
			fmt.Errorf("signature does not verify under %s backend", backend))
	}
	return nil
}
