// Package ringbuf implements a fixed-capacity circular byte buffer used to
// stage byte-stream reads and writes outside the RDMA fast path.
package ringbuf

import (
	"fmt"
	"sync"
)

// RingBuffer is a fixed-capacity FIFO of bytes. Writes that do not fit are
// truncated to the free space; reads return at most the buffered bytes.
// It is safe for concurrent use.
type RingBuffer struct {
	mu   sync.Mutex
	buf  []byte
	head int // next byte to read
	n    int // buffered bytes
}

// New creates a ring buffer holding up to size bytes.
func New(size int) (*RingBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("ring buffer size must be positive, got %d", size)
	}
	return &RingBuffer{buf: make([]byte, size)}, nil
}

// Write copies as much of p as fits and returns the number of bytes written.
func (r *RingBuffer) Write(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	free := len(r.buf) - r.n
	if len(p) > free {
		p = p[:free]
	}
	tail := (r.head + r.n) % len(r.buf)
	c := copy(r.buf[tail:], p)
	if c < len(p) {
		copy(r.buf, p[c:])
	}
	r.n += len(p)
	return len(p)
}

// Read moves up to len(p) buffered bytes into p and returns the count.
func (r *RingBuffer) Read(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.peekLocked(p)
	r.head = (r.head + n) % len(r.buf)
	r.n -= n
	if r.n == 0 {
		r.head = 0
	}
	return n
}

// Peek copies up to len(p) buffered bytes into p without consuming them.
func (r *RingBuffer) Peek(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peekLocked(p)
}

func (r *RingBuffer) peekLocked(p []byte) int {
	n := len(p)
	if n > r.n {
		n = r.n
	}
	c := copy(p[:n], r.buf[r.head:])
	if c < n {
		copy(p[c:n], r.buf)
	}
	return n
}

// Len returns the number of buffered bytes.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Cap returns the capacity in bytes.
func (r *RingBuffer) Cap() int { return len(r.buf) }

// Free returns the number of bytes that can be written without truncation.
func (r *RingBuffer) Free() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf) - r.n
}

// Reset discards all buffered bytes.
func (r *RingBuffer) Reset() {
	r.mu.Lock()
	r.head, r.n = 0, 0
	r.mu.Unlock()
}
