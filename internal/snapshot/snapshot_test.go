package snapshot

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/synapsenet/synapsenet/internal/annindex"
	"github.com/synapsenet/synapsenet/internal/crypto"
	"github.com/synapsenet/synapsenet/internal/grain"
	"github.com/synapsenet/synapsenet/internal/store"
)

// tamperRowSignature reads the single-row Parquet file at src, flips a
// byte of its signature, and writes the result to dst.
func tamperRowSignature(t *testing.T, src, dst string) {
	t.Helper()

	in, err := os.Open(src)
	if err != nil {
		t.Fatalf("open %s: %v", src, err)
	}
	defer in.Close()

	r := parquet.NewGenericReader[row](in)
	defer r.Close()

	var rows []row
	buf := make([]row, 10)
	for {
		n, readErr := r.Read(buf)
		rows = append(rows, buf[:n]...)
		if readErr == io.EOF || n == 0 {
			break
		}
		if readErr != nil {
			t.Fatalf("read rows: %v", readErr)
		}
	}
	if len(rows) == 0 {
		t.Fatal("expected at least one row to tamper")
	}
	rows[0].Sig[0] ^= 0xFF

	out, err := os.Create(dst)
	if err != nil {
		t.Fatalf("create %s: %v", dst, err)
	}
	defer out.Close()

	w := parquet.NewGenericWriter[row](out, parquet.Compression(&parquet.Snappy))
	if _, err := w.Write(rows); err != nil {
		t.Fatalf("write tampered rows: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close tampered writer: %v", err)
	}
}

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

func newTestGrain(t *testing.T, vec []float32, tags []string) *grain.Grain {
	t.Helper()
	key, err := crypto.GenerateSigningKey(crypto.BackendClassical)
	if err != nil {
		t.Fatalf("GenerateSigningKey failed: %v", err)
	}
	g, err := grain.New(vec, grain.Meta{MIME: "text/plain", Tags: tags}, key)
	if err != nil {
		t.Fatalf("grain.New failed: %v", err)
	}
	return g
}

func TestExportThenImportRoundTrips(t *testing.T) {
	src := openTestDB(t)
	want := []*grain.Grain{
		newTestGrain(t, []float32{0.1, 0.2, 0.3}, []string{"go", "networking"}),
		newTestGrain(t, []float32{0.4, 0.5, 0.6}, []string{"rust"}),
		newTestGrain(t, []float32{0.7, 0.8, 0.9}, nil),
	}
	for _, g := range want {
		if err := src.Insert(g, true); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	path := filepath.Join(t.TempDir(), "snapshot.parquet")
	if err := Export(src, path); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	dst := openTestDB(t)
	res, err := Import(dst, path)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if res.Imported != len(want) {
		t.Errorf("expected %d imported, got %d (skipped %d)", len(want), res.Imported, res.Skipped)
	}
	if res.Skipped != 0 {
		t.Errorf("expected 0 skipped, got %d", res.Skipped)
	}

	for _, g := range want {
		got, ok, err := dst.Get(g.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !ok {
			t.Fatalf("expected grain %x to be present after import", g.ID)
		}
		if got.ID != g.ID {
			t.Errorf("id mismatch: got %x, want %x", got.ID, g.ID)
		}
		if len(got.Meta.Tags) != len(g.Meta.Tags) {
			t.Errorf("tags mismatch for %x: got %v, want %v", g.ID, got.Meta.Tags, g.Meta.Tags)
		}
	}
}

func TestImportSkipsTamperedSignature(t *testing.T) {
	src := openTestDB(t)
	g := newTestGrain(t, []float32{0.1, 0.2, 0.3}, []string{"tamper"})
	if err := src.Insert(g, true); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "snapshot.parquet")
	if err := Export(src, path); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	tampered := filepath.Join(t.TempDir(), "tampered.parquet")
	tamperRowSignature(t, path, tampered)

	dst := openTestDB(t)
	res, err := Import(dst, tampered)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if res.Imported != 0 {
		t.Errorf("expected 0 imported, got %d", res.Imported)
	}
	if res.Skipped != 1 {
		t.Errorf("expected 1 skipped, got %d", res.Skipped)
	}
}

func TestExportEmptyStoreProducesZeroRowFile(t *testing.T) {
	src := openTestDB(t)
	path := filepath.Join(t.TempDir(), "empty.parquet")
	if err := Export(src, path); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	dst := openTestDB(t)
	res, err := Import(dst, path)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if res.Imported != 0 || res.Skipped != 0 {
		t.Errorf("expected an empty import, got imported=%d skipped=%d", res.Imported, res.Skipped)
	}
}
