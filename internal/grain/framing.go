package grain

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/synapsenet/synapsenet/internal/crypto"
	"github.com/synapsenet/synapsenet/internal/synapseerr"
	"lukechampine.com/blake3"
)

// Presence bitmap bits, fixed order per §4.2. CryptoBackend, Title,
// Summary, EmbeddingModel, and EmbeddingDimensions are the optional
// fields; everything else in Meta is always present on the wire.
const (
	presenceCryptoBackend = 1 << iota
	presenceTitle
	presenceSummary
	presenceEmbeddingModel
	presenceEmbeddingDimensions
)

// frameVec encodes vec as a u32 element count followed by little-endian
// IEEE-754 32-bit floats in index order, with no normalization or
// rounding, per §4.2.
func frameVec(buf *bytes.Buffer, vec []float32) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(vec)))
	buf.Write(lenBuf[:])
	for _, f := range vec {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
		buf.Write(b[:])
	}
}

// writeLP writes a length-prefixed (u32 little-endian length) byte
// string, the canonical framing primitive used for every present field.
func writeLP(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

// frameMeta produces the canonical byte representation of meta,
// excluding the node-local PoEScore and AccessCount fields, per the
// invariant in §3.1.
func frameMeta(meta Meta) []byte {
	var buf bytes.Buffer

	var presence byte
	if meta.CryptoBackendPresent {
		presence |= presenceCryptoBackend
	}
	if meta.TitlePresent {
		presence |= presenceTitle
	}
	if meta.SummaryPresent {
		presence |= presenceSummary
	}
	if meta.EmbeddingModelPresent {
		presence |= presenceEmbeddingModel
	}
	if meta.EmbeddingDimensionsPresent {
		presence |= presenceEmbeddingDimensions
	}
	buf.WriteByte(presence)

	writeLP(&buf, meta.AuthorPK)

	if meta.CryptoBackendPresent {
		buf.WriteByte(byte(meta.CryptoBackend))
	}

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(meta.TSUnixMS))
	buf.Write(tsBuf[:])

	var tagCount [4]byte
	binary.LittleEndian.PutUint32(tagCount[:], uint32(len(meta.Tags)))
	buf.Write(tagCount[:])
	for _, tag := range meta.Tags {
		writeLP(&buf, []byte(tag))
	}

	writeLP(&buf, []byte(meta.MIME))
	writeLP(&buf, []byte(meta.Lang))

	if meta.TitlePresent {
		writeLP(&buf, []byte(meta.Title))
	}
	if meta.SummaryPresent {
		writeLP(&buf, []byte(meta.Summary))
	}
	if meta.EmbeddingModelPresent {
		writeLP(&buf, []byte(meta.EmbeddingModel))
	}
	if meta.EmbeddingDimensionsPresent {
		var dimBuf [4]byte
		binary.LittleEndian.PutUint32(dimBuf[:], meta.EmbeddingDimensions)
		buf.Write(dimBuf[:])
	}

	return buf.Bytes()
}

// DeriveID computes blake3(framing(vec) ‖ framing(meta_canonical) ‖
// author_pk), per §4.2. The author_pk is folded into frameMeta as a
// field and then appended again raw, matching the id formula exactly.
func DeriveID(vec []float32, meta Meta) ([IDLen]byte, error) {
	var id [IDLen]byte
	var vecBuf bytes.Buffer
	frameVec(&vecBuf, vec)

	metaBytes := frameMeta(meta)

	h := blake3.New(IDLen, nil)
	h.Write(vecBuf.Bytes())
	h.Write(metaBytes)
	h.Write(meta.AuthorPK)

	sum := h.Sum(nil)
	if len(sum) != IDLen {
		return id, synapseerr.New(synapseerr.KindValidation, "grain.DeriveID",
			fmt.Errorf("unexpected digest length %d", len(sum)))
	}
	copy(id[:], sum)
	return id, nil
}

// WireEncode serializes g using the canonical framing, omitting the
// local-only PoEScore and AccessCount fields, per §4.2/§6.1.
func WireEncode(g *Grain) []byte {
	var buf bytes.Buffer
	buf.Write(g.ID[:])
	frameVec(&buf, g.Vec)
	metaBytes := frameMeta(g.Meta)
	writeLP(&buf, metaBytes)
	writeLP(&buf, g.Sig)
	return buf.Bytes()
}

// WireDecode parses bytes produced by WireEncode. It does not verify the
// signature or recompute the id; callers must call Verify separately,
// matching the store's insert-then-verify pipeline in §4.3.
func WireDecode(data []byte) (*Grain, error) {
	r := bytes.NewReader(data)

	g := &Grain{}
	if _, err := io.ReadFull(r, g.ID[:]); err != nil {
		return nil, synapseerr.New(synapseerr.KindValidation, "grain.WireDecode", fmt.Errorf("short id: %w", err))
	}

	vecLen, err := readU32(r)
	if err != nil {
		return nil, synapseerr.New(synapseerr.KindValidation, "grain.WireDecode", fmt.Errorf("vec length: %w", err))
	}
	g.Vec = make([]float32, vecLen)
	for i := range g.Vec {
		bits, err := readU32(r)
		if err != nil {
			return nil, synapseerr.New(synapseerr.KindValidation, "grain.WireDecode", fmt.Errorf("vec element %d: %w", i, err))
		}
		g.Vec[i] = math.Float32frombits(bits)
	}

	metaBytes, err := readLP(r)
	if err != nil {
		return nil, synapseerr.New(synapseerr.KindValidation, "grain.WireDecode", fmt.Errorf("meta: %w", err))
	}
	meta, err := parseMeta(metaBytes)
	if err != nil {
		return nil, err
	}
	g.Meta = meta

	sig, err := readLP(r)
	if err != nil {
		return nil, synapseerr.New(synapseerr.KindValidation, "grain.WireDecode", fmt.Errorf("sig: %w", err))
	}
	g.Sig = sig

	return g, nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readLP(r *bytes.Reader) ([]byte, error) {
	n, err := readU32(r)
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

func parseMeta(data []byte) (Meta, error) {
	var meta Meta
	r := bytes.NewReader(data)

	presenceByte, err := r.ReadByte()
	if err != nil {
		return meta, synapseerr.New(synapseerr.KindValidation, "grain.parseMeta", err)
	}
	meta.CryptoBackendPresent = presenceByte&presenceCryptoBackend != 0
	meta.TitlePresent = presenceByte&presenceTitle != 0
	meta.SummaryPresent = presenceByte&presenceSummary != 0
	meta.EmbeddingModelPresent = presenceByte&presenceEmbeddingModel != 0
	meta.EmbeddingDimensionsPresent = presenceByte&presenceEmbeddingDimensions != 0

	authorPK, err := readLP(r)
	if err != nil {
		return meta, synapseerr.New(synapseerr.KindValidation, "grain.parseMeta", fmt.Errorf("author_pk: %w", err))
	}
	meta.AuthorPK = authorPK

	if meta.CryptoBackendPresent {
		b, err := r.ReadByte()
		if err != nil {
			return meta, synapseerr.New(synapseerr.KindValidation, "grain.parseMeta", err)
		}
		meta.CryptoBackend = crypto.Backend(b)
	}

	ts, err := readU64(r)
	if err != nil {
		return meta, synapseerr.New(synapseerr.KindValidation, "grain.parseMeta", fmt.Errorf("ts_unix_ms: %w", err))
	}
	meta.TSUnixMS = int64(ts)

	tagCount, err := readU32(r)
	if err != nil {
		return meta, synapseerr.New(synapseerr.KindValidation, "grain.parseMeta", fmt.Errorf("tag count: %w", err))
	}
	meta.Tags = make([]string, tagCount)
	for i := range meta.Tags {
		tagBytes, err := readLP(r)
		if err != nil {
			return meta, synapseerr.New(synapseerr.KindValidation, "grain.parseMeta", fmt.Errorf("tag %d: %w", i, err))
		}
		meta.Tags[i] = string(tagBytes)
	}

	mimeBytes, err := readLP(r)
	if err != nil {
		return meta, synapseerr.New(synapseerr.KindValidation, "grain.parseMeta", fmt.Errorf("mime: %w", err))
	}
	meta.MIME = string(mimeBytes)

	langBytes, err := readLP(r)
	if err != nil {
		return meta, synapseerr.New(synapseerr.KindValidation, "grain.parseMeta", fmt.Errorf("lang: %w", err))
	}
	meta.Lang = string(langBytes)

	if meta.TitlePresent {
		b, err := readLP(r)
		if err != nil {
			return meta, synapseerr.New(synapseerr.KindValidation, "grain.parseMeta", fmt.Errorf("title: %w", err))
		}
		meta.Title = string(b)
	}
	if meta.SummaryPresent {
		b, err := readLP(r)
		if err != nil {
			return meta, synapseerr.New(synapseerr.KindValidation, "grain.parseMeta", fmt.Errorf("summary: %w", err))
		}
		meta.Summary = string(b)
	}
	if meta.EmbeddingModelPresent {
		b, err := readLP(r)
		if err != nil {
			return meta, synapseerr.New(synapseerr.KindValidation, "grain.parseMeta", fmt.Errorf("embedding_model: %w", err))
		}
		meta.EmbeddingModel = string(b)
	}
	if meta.EmbeddingDimensionsPresent {
		dims, err := readU32(r)
		if err != nil {
			return meta, synapseerr.New(synapseerr.KindValidation, "grain.parseMeta", fmt.Errorf("embedding_dimensions: %w", err))
		}
		meta.EmbeddingDimensions = dims
	}

	return meta, nil
}
