package embedder

import (
	"fmt"
	"testing"
)

func newTestRing(t *testing.T) *ring {
	t.Helper()
	name := fmt.Sprintf("test_%s", t.Name())
	r, err := openRing(name, 4096)
	if err != nil {
		t.Fatalf("openRing failed: %v", err)
	}
	t.Cleanup(func() { _ = r.close() })
	return r
}

func TestRingWriteReadRoundTrips(t *testing.T) {
	r := newTestRing(t)

	if err := r.write([]byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg, ok := r.read()
	if !ok {
		t.Fatal("expected a message to be available")
	}
	if string(msg) != "hello" {
		t.Errorf("expected %q, got %q", "hello", msg)
	}
}

func TestRingReadEmptyReturnsFalse(t *testing.T) {
	r := newTestRing(t)
	if _, ok := r.read(); ok {
		t.Error("expected read on empty ring to return false")
	}
}

func TestRingPreservesFIFOOrder(t *testing.T) {
	r := newTestRing(t)
	for _, m := range []string{"a", "b", "c"} {
		if err := r.write([]byte(m)); err != nil {
			t.Fatalf("write %q failed: %v", m, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		got, ok := r.read()
		if !ok {
			t.Fatalf("expected message %q, got none", want)
		}
		if string(got) != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
}

func TestRingRejectsOversizedMessage(t *testing.T) {
	r := newTestRing(t)
	if err := r.write(make([]byte, ringMaxMsgBytes+1)); err == nil {
		t.Error("expected an error writing an oversized message")
	}
}
