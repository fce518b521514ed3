// Package snapshot implements bulk import/export of the semantic store
// to Parquet, per §6.2: one row per grain, Snappy-compressed, in row
// groups of up to 10,000 rows. Import re-verifies every row's signature
// and skips (rather than aborts on) a row that fails, counting the
// skip so callers can report it.
package snapshot

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/synapsenet/synapsenet/internal/crypto"
	"github.com/synapsenet/synapsenet/internal/grain"
	"github.com/synapsenet/synapsenet/internal/store"
	"github.com/synapsenet/synapsenet/internal/synapseerr"
)

// maxRowsPerRowGroup is the §6.2 row group size.
const maxRowsPerRowGroup = 10_000

// writeBatchSize is how many rows are buffered in memory between
// GenericWriter.Write calls; it has no bearing on row group size.
const writeBatchSize = 1_000

// row is the on-disk column layout of §6.2: id binary(32), vec
// list<float32>, meta_json string, author_pk binary, crypto_backend
// uint8, sig binary, created_at int64.
type row struct {
	ID            []byte    `parquet:"id"`
	Vec           []float32 `parquet:"vec,list"`
	MetaJSON      string    `parquet:"meta_json"`
	AuthorPK      []byte    `parquet:"author_pk"`
	CryptoBackend uint8     `parquet:"crypto_backend"`
	Sig           []byte    `parquet:"sig"`
	CreatedAt     int64     `parquet:"created_at"`
}

// sidecarMeta is the JSON payload stored in the meta_json column: the
// wire metadata fields that aren't broken out into their own columns.
type sidecarMeta struct {
	Tags                       []string `json:"tags,omitempty"`
	MIME                       string   `json:"mime,omitempty"`
	Lang                       string   `json:"lang,omitempty"`
	Title                      string   `json:"title,omitempty"`
	TitlePresent               bool     `json:"title_present,omitempty"`
	Summary                    string   `json:"summary,omitempty"`
	SummaryPresent             bool     `json:"summary_present,omitempty"`
	EmbeddingModel             string   `json:"embedding_model,omitempty"`
	EmbeddingModelPresent      bool     `json:"embedding_model_present,omitempty"`
	EmbeddingDimensions        uint32   `json:"embedding_dimensions,omitempty"`
	EmbeddingDimensionsPresent bool     `json:"embedding_dimensions_present,omitempty"`
}

func toRow(g *grain.Grain) (row, error) {
	meta := sidecarMeta{
		Tags:                       g.Meta.Tags,
		MIME:                       g.Meta.MIME,
		Lang:                       g.Meta.Lang,
		Title:                      g.Meta.Title,
		TitlePresent:               g.Meta.TitlePresent,
		Summary:                    g.Meta.Summary,
		SummaryPresent:             g.Meta.SummaryPresent,
		EmbeddingModel:             g.Meta.EmbeddingModel,
		EmbeddingModelPresent:      g.Meta.EmbeddingModelPresent,
		EmbeddingDimensions:        g.Meta.EmbeddingDimensions,
		EmbeddingDimensionsPresent: g.Meta.EmbeddingDimensionsPresent,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return row{}, fmt.Errorf("marshal meta_json for %x: %w", g.ID, err)
	}
	return row{
		ID:            append([]byte(nil), g.ID[:]...),
		Vec:           append([]float32(nil), g.Vec...),
		MetaJSON:      string(metaJSON),
		AuthorPK:      append([]byte(nil), g.Meta.AuthorPK...),
		CryptoBackend: uint8(g.Meta.CryptoBackend),
		Sig:           append([]byte(nil), g.Sig...),
		CreatedAt:     g.Meta.TSUnixMS,
	}, nil
}

func fromRow(r row) (*grain.Grain, error) {
	if len(r.ID) != grain.IDLen {
		return nil, fmt.Errorf("malformed row: id is %d bytes, want %d", len(r.ID), grain.IDLen)
	}
	var meta sidecarMeta
	if err := json.Unmarshal([]byte(r.MetaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta_json: %w", err)
	}

	g := &grain.Grain{
		Vec: append([]float32(nil), r.Vec...),
		Sig: append([]byte(nil), r.Sig...),
		Meta: grain.Meta{
			AuthorPK:                   append([]byte(nil), r.AuthorPK...),
			CryptoBackend:              crypto.Backend(r.CryptoBackend),
			CryptoBackendPresent:       true,
			TSUnixMS:                   r.CreatedAt,
			Tags:                       meta.Tags,
			MIME:                       meta.MIME,
			Lang:                       meta.Lang,
			Title:                      meta.Title,
			TitlePresent:               meta.TitlePresent,
			Summary:                    meta.Summary,
			SummaryPresent:             meta.SummaryPresent,
			EmbeddingModel:             meta.EmbeddingModel,
			EmbeddingModelPresent:      meta.EmbeddingModelPresent,
			EmbeddingDimensions:        meta.EmbeddingDimensions,
			EmbeddingDimensionsPresent: meta.EmbeddingDimensionsPresent,
		},
	}
	copy(g.ID[:], r.ID)
	return g, nil
}

// Export streams every grain in db to a Snappy-compressed Parquet file
// at path, per §6.2.
func Export(db *store.DB, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return synapseerr.New(synapseerr.KindStorage, "snapshot.Export", err)
	}
	defer f.Close()

	w := parquet.NewGenericWriter[row](f,
		parquet.Compression(&parquet.Snappy),
		parquet.MaxRowsPerRowGroup(maxRowsPerRowGroup),
	)

	var batch []row
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := w.Write(batch); err != nil {
			return fmt.Errorf("write row batch: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	walkErr := db.ForEachGrain(func(g *grain.Grain) error {
		r, err := toRow(g)
		if err != nil {
			return err
		}
		batch = append(batch, r)
		if len(batch) >= writeBatchSize {
			return flush()
		}
		return nil
	})
	if walkErr != nil {
		w.Close()
		return synapseerr.New(synapseerr.KindStorage, "snapshot.Export", walkErr)
	}
	if err := flush(); err != nil {
		w.Close()
		return synapseerr.New(synapseerr.KindStorage, "snapshot.Export", err)
	}
	if err := w.Close(); err != nil {
		return synapseerr.New(synapseerr.KindStorage, "snapshot.Export", fmt.Errorf("close writer: %w", err))
	}
	return nil
}

// Result reports how many rows an Import processed.
type Result struct {
	Imported int
	Skipped  int
}

// Import reads every row from the Parquet file at path, verifies its
// signature, and inserts it into db. A row whose signature does not
// verify (tampered or genuinely invalid) is skipped and counted rather
// than aborting the whole import, per §6.2.
func Import(db *store.DB, path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, synapseerr.New(synapseerr.KindStorage, "snapshot.Import", err)
	}
	defer f.Close()

	r := parquet.NewGenericReader[row](f)
	defer r.Close()

	var res Result
	buf := make([]row, writeBatchSize)
	for {
		n, readErr := r.Read(buf)
		for i := 0; i < n; i++ {
			g, convErr := fromRow(buf[i])
			if convErr != nil {
				res.Skipped++
				continue
			}
			if verifyErr := grain.Verify(g); verifyErr != nil {
				res.Skipped++
				continue
			}
			if insertErr := db.Insert(g, false); insertErr != nil {
				if insertErr == store.ErrAlreadyPresent {
					continue
				}
				res.Skipped++
				continue
			}
			res.Imported++
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return res, synapseerr.New(synapseerr.KindStorage, "snapshot.Import", fmt.Errorf("read rows: %w", readErr))
		}
		if n == 0 {
			break
		}
	}
	return res, nil
}
