package embedder

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"syscall"
)

// ring is a mutex-guarded ring buffer in
// POSIX shared memory, adapted from the teacher's SharedMemoryRing
// (shared_memory.go): same header layout (write position, read
// position) and length-prefixed message framing, renamed to this
// domain's /dev/shm path prefix.
type ring struct {
	name string
	size int
	fd   int
	data []byte
	mu   sync.Mutex
}

const (
	ringHeaderSize  = 16 // [0-7] write pos, [8-15] read pos
	ringMaxMsgBytes = 16 * 1024 * 1024
)

func openRing(name string, size int) (*ring, error) {
	path := fmt.Sprintf("/dev/shm/synapsenet_%s", name)

	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_CREAT, 0600)
	if err != nil {
		return nil, fmt.Errorf("open shared memory %s: %w", path, err)
	}

	total := ringHeaderSize + size
	if err := syscall.Ftruncate(fd, int64(total)); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("truncate shared memory %s: %w", path, err)
	}

	data, err := syscall.Mmap(fd, 0, total, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("mmap shared memory %s: %w", path, err)
	}

	return &ring{name: name, size: size, fd: fd, data: data}, nil
}

func (r *ring) writePos() uint64 { return binary.LittleEndian.Uint64(r.data[0:8]) }
func (r *ring) setWritePos(p uint64) {
	binary.LittleEndian.PutUint64(r.data[0:8], p)
}
func (r *ring) readPos() uint64 { return binary.LittleEndian.Uint64(r.data[8:16]) }
func (r *ring) setReadPos(p uint64) {
	binary.LittleEndian.PutUint64(r.data[8:16], p)
}

// write appends a length-prefixed message, wrapping around the ring as
// needed. Returns an error if the message would overrun unread data.
func (r *ring) write(msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(msg) > ringMaxMsgBytes {
		return fmt.Errorf("message too large: %d bytes", len(msg))
	}

	msgSize := 4 + len(msg)
	wp := r.writePos()
	rp := r.readPos()

	var available int
	if wp >= rp {
		available = r.size - int(wp-rp)
	} else {
		available = int(rp - wp)
	}
	if msgSize > available {
		return fmt.Errorf("ring %s full: need %d, have %d", r.name, msgSize, available)
	}

	offset := ringHeaderSize + (wp % uint64(r.size))
	binary.LittleEndian.PutUint32(r.data[offset:offset+4], uint32(len(msg)))

	dataOffset := offset + 4
	remaining := uint64(r.size) - (dataOffset - ringHeaderSize)
	if uint64(len(msg)) <= remaining {
		copy(r.data[dataOffset:dataOffset+uint64(len(msg))], msg)
	} else {
		copy(r.data[dataOffset:ringHeaderSize+uint64(r.size)], msg[:remaining])
		copy(r.data[ringHeaderSize:], msg[remaining:])
	}

	r.setWritePos(wp + uint64(msgSize))
	return nil
}

// read pops the oldest unread message, or returns (nil, false) if the
// ring is empty.
func (r *ring) read() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wp := r.writePos()
	rp := r.readPos()
	if rp >= wp {
		return nil, false
	}

	offset := ringHeaderSize + (rp % uint64(r.size))
	msgLen := binary.LittleEndian.Uint32(r.data[offset : offset+4])
	if msgLen > ringMaxMsgBytes {
		return nil, false
	}

	dataOffset := offset + 4
	msg := make([]byte, msgLen)
	remaining := uint64(r.size) - (dataOffset - ringHeaderSize)
	if uint64(msgLen) <= remaining {
		copy(msg, r.data[dataOffset:dataOffset+uint64(msgLen)])
	} else {
		copy(msg[:remaining], r.data[dataOffset:ringHeaderSize+uint64(r.size)])
		copy(msg[remaining:], r.data[ringHeaderSize:])
	}

	r.setReadPos(rp + 4 + uint64(msgLen))
	return msg, true
}

func (r *ring) close() error {
	if err := syscall.Munmap(r.data); err != nil {
		return err
	}
	if err := syscall.Close(r.fd); err != nil {
		return err
	}
	return os.Remove(fmt.Sprintf("/dev/shm/synapsenet_%s", r.name))
}
