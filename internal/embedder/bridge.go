package embedder

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synapsenet/synapsenet/internal/synapseerr"
)

// DefaultRingBytes sizes each direction of the shared-memory channel,
// generously over any single text/vector payload this bridge expects.
const DefaultRingBytes = 4 << 20

// pollInterval is how often the response-reader goroutine checks the
// inbound ring for new messages when it was last found empty.
const pollInterval = 2 * time.Millisecond

// SharedMemoryEmbedder hands text to an external embedding process
// over a pair of POSIX shared-memory ring buffers, adapted from the
// teacher's SharedMemoryRing/SharedMemoryManager (shared_memory.go):
// the same mmap'd ring-buffer mechanism, generalized here to a
// correlated request/response protocol instead of raw RPC pointer
// passing.
type SharedMemoryEmbedder struct {
	requests  *ring
	responses *ring

	mu      sync.Mutex
	waiters map[[16]byte]chan embedResult

	stopOnce sync.Once
	stopChan chan struct{}
}

type embedResult struct {
	vec []float32
	err error
}

// NewSharedMemoryEmbedder opens (creating if absent) the request and
// response rings named name+"_req"/name+"_resp" and starts the
// background response reader.
func NewSharedMemoryEmbedder(name string, ringBytes int) (*SharedMemoryEmbedder, error) {
	if ringBytes <= 0 {
		ringBytes = DefaultRingBytes
	}

	req, err := openRing(name+"_req", ringBytes)
	if err != nil {
		return nil, synapseerr.New(synapseerr.KindConfig, "embedder.NewSharedMemoryEmbedder", err)
	}
	resp, err := openRing(name+"_resp", ringBytes)
	if err != nil {
		return nil, synapseerr.New(synapseerr.KindConfig, "embedder.NewSharedMemoryEmbedder", err)
	}

	e := &SharedMemoryEmbedder{
		requests:  req,
		responses: resp,
		waiters:   make(map[[16]byte]chan embedResult),
		stopChan:  make(chan struct{}),
	}
	go e.readResponses()
	return e, nil
}

// Close stops the response reader and tears down both rings.
func (e *SharedMemoryEmbedder) Close() error {
	e.stopOnce.Do(func() { close(e.stopChan) })
	if err := e.requests.close(); err != nil {
		return err
	}
	return e.responses.close()
}

// Embed writes a framed embedding request and blocks for the matching
// response, or until ctx is cancelled.
func (e *SharedMemoryEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var id [16]byte
	copy(id[:], uuid.New()[:])

	wait := make(chan embedResult, 1)
	e.mu.Lock()
	e.waiters[id] = wait
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.waiters, id)
		e.mu.Unlock()
	}()

	if err := e.requests.write(encodeEmbedRequest(id, text)); err != nil {
		return nil, synapseerr.New(synapseerr.KindNetwork, "embedder.Embed", fmt.Errorf("write request: %w", err))
	}

	select {
	case res := <-wait:
		if res.err != nil {
			return nil, synapseerr.New(synapseerr.KindNetwork, "embedder.Embed", res.err)
		}
		return res.vec, nil
	case <-ctx.Done():
		return nil, synapseerr.New(synapseerr.KindNetwork, "embedder.Embed", ctx.Err())
	case <-e.stopChan:
		return nil, synapseerr.New(synapseerr.KindNetwork, "embedder.Embed", fmt.Errorf("embedder closed"))
	}
}

func (e *SharedMemoryEmbedder) readResponses() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			for {
				msg, ok := e.responses.read()
				if !ok {
					break
				}
				id, vec, err := decodeEmbedResponse(msg)
				e.mu.Lock()
				wait, found := e.waiters[id]
				e.mu.Unlock()
				if found {
					wait <- embedResult{vec: vec, err: err}
				}
			}
		}
	}
}

func encodeEmbedRequest(id [16]byte, text string) []byte {
	var buf bytes.Buffer
	buf.Write(id[:])
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(text)))
	buf.Write(lenBuf[:])
	buf.WriteString(text)
	return buf.Bytes()
}

// decodeEmbedResponse parses [16-byte id][1-byte status][u32 vec
// len][float32 * len]. status == 0 means success; status == 1 carries
// an error message in place of the vector.
func decodeEmbedResponse(data []byte) ([16]byte, []float32, error) {
	var id [16]byte
	r := bytes.NewReader(data)
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return id, nil, err
	}
	status, err := r.ReadByte()
	if err != nil {
		return id, nil, err
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return id, nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])

	if status != 0 {
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return id, nil, err
		}
		return id, nil, fmt.Errorf("embedding process error: %s", msg)
	}

	vec := make([]float32, n)
	for i := range vec {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return id, nil, err
		}
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[:]))
	}
	return id, vec, nil
}
