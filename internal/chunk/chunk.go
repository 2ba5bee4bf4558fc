// Package chunk slices registered memory regions into fixed-size chunks and
// tracks the ownership of every chunk with an explicit per-slot state.
package chunk

import (
	"errors"
	"fmt"
	"sync"

	"github.com/yuuki/rdmamsg/internal/rdma"
)

// ReservedWRID is never assigned to a chunk. Chunk work request ids are the
// slot index plus one.
const ReservedWRID uint64 = 0

// State is the ownership state of a chunk slot.
type State int

const (
	// Free: on the free list, available to a sender.
	Free State = iota
	// Posted: owned by the hardware (receive posted or send in flight).
	Posted
	// CheckedOut: owned by software (a sender filling it, or a receive
	// being delivered to the application).
	CheckedOut
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Posted:
		return "posted"
	case CheckedOut:
		return "checked-out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrExhausted is returned when no free chunk is available.
	ErrExhausted = errors.New("chunk: no free chunk")
	// ErrUnknownChunk is returned for chunks or work request ids that do not
	// belong to the arena.
	ErrUnknownChunk = errors.New("chunk: unknown chunk")
	// ErrBadState is wrapped by StateError.
	ErrBadState = errors.New("chunk: invalid state transition")
)

// StateError reports a transition attempted from the wrong state, such as a
// double release.
type StateError struct {
	Slot int
	Have State
	Want State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("chunk: slot %d is %s, cannot move to %s", e.Slot, e.Have, e.Want)
}

func (e *StateError) Unwrap() error { return ErrBadState }

// Chunk is a non-owning view of one fixed-size slice of a registered region.
type Chunk struct {
	mr   rdma.MemoryRegion
	buf  []byte
	addr uint64
	size uint32
	slot int
}

// Bytes returns the valid bytes of the chunk.
func (c *Chunk) Bytes() []byte { return c.buf[:c.size] }

// Buffer returns the whole chunk capacity, for filling in place.
func (c *Chunk) Buffer() []byte { return c.buf }

// Len returns the number of valid bytes.
func (c *Chunk) Len() int { return int(c.size) }

// Cap returns the chunk capacity.
func (c *Chunk) Cap() int { return len(c.buf) }

// SetLen sets the number of valid bytes.
func (c *Chunk) SetLen(n int) error {
	if n < 0 || n > len(c.buf) {
		return fmt.Errorf("chunk length %d out of range [0, %d]", n, len(c.buf))
	}
	c.size = uint32(n)
	return nil
}

// Slot returns the arena slot index of the chunk.
func (c *Chunk) Slot() int { return c.slot }

// WRID returns the work request id that names this chunk.
func (c *Chunk) WRID() uint64 { return uint64(c.slot) + 1 }

// MR returns the memory region the chunk lives in.
func (c *Chunk) MR() rdma.MemoryRegion { return c.mr }

// SGE returns a scatter/gather element covering the valid bytes.
func (c *Chunk) SGE() rdma.SGE {
	return rdma.SGE{Addr: c.addr, Length: c.size, LKey: c.mr.LKey()}
}

// FullSGE returns a scatter/gather element covering the whole capacity.
func (c *Chunk) FullSGE() rdma.SGE {
	return rdma.SGE{Addr: c.addr, Length: uint32(len(c.buf)), LKey: c.mr.LKey()}
}

// Stats counts arena slots per state.
type Stats struct {
	Free       int
	Posted     int
	CheckedOut int
}

// Total returns the number of slots counted.
func (s Stats) Total() int { return s.Free + s.Posted + s.CheckedOut }

// Arena is a fixed set of chunk slots over one memory region. Every slot is
// in exactly one State; free slots are also kept on a stack for O(1)
// check-out. The lock only guards slot bookkeeping, never payload copies.
type Arena struct {
	mu        sync.Mutex
	chunks    []Chunk
	states    []State
	free      []int
	chunkSize int
	stats     Stats
}

// NewArena slices the first count*chunkSize bytes of mr into count chunks,
// all starting in the initial state.
func NewArena(mr rdma.MemoryRegion, chunkSize, count int, initial State) (*Arena, error) {
	if chunkSize <= 0 || count <= 0 {
		return nil, fmt.Errorf("invalid arena geometry: %d chunks of %d bytes", count, chunkSize)
	}
	buf := mr.Bytes()
	if len(buf) < chunkSize*count {
		return nil, fmt.Errorf("region of %d bytes too small for %d chunks of %d bytes", len(buf), count, chunkSize)
	}

	a := &Arena{
		chunks:    make([]Chunk, count),
		states:    make([]State, count),
		chunkSize: chunkSize,
	}
	base := mr.Addr()
	for i := range a.chunks {
		off := i * chunkSize
		a.chunks[i] = Chunk{
			mr:   mr,
			buf:  buf[off : off+chunkSize : off+chunkSize],
			addr: base + uint64(off),
			size: uint32(chunkSize),
			slot: i,
		}
		a.states[i] = initial
	}
	if initial == Free {
		a.free = make([]int, 0, count)
		for i := count - 1; i >= 0; i-- {
			a.free = append(a.free, i)
		}
	}
	a.count(initial, count)
	return a, nil
}

func (a *Arena) count(s State, delta int) {
	switch s {
	case Free:
		a.stats.Free += delta
	case Posted:
		a.stats.Posted += delta
	case CheckedOut:
		a.stats.CheckedOut += delta
	}
}

func (a *Arena) setLocked(slot int, to State) {
	a.count(a.states[slot], -1)
	a.states[slot] = to
	a.count(to, 1)
}

// Len returns the number of slots.
func (a *Arena) Len() int { return len(a.chunks) }

// ChunkSize returns the capacity of each chunk.
func (a *Arena) ChunkSize() int { return a.chunkSize }

// Stats returns a consistent snapshot of the per-state counts.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// State returns the state of slot.
func (a *Arena) State(slot int) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[slot]
}

// Chunk returns the chunk at slot.
func (a *Arena) Chunk(slot int) *Chunk { return &a.chunks[slot] }

// SlotOf returns the slot named by a work request id.
func (a *Arena) SlotOf(wrid uint64) (int, bool) {
	if wrid == ReservedWRID || wrid > uint64(len(a.chunks)) {
		return 0, false
	}
	return int(wrid - 1), true
}

// Contains reports whether c belongs to this arena.
func (a *Arena) Contains(c *Chunk) bool {
	if c == nil || c.slot < 0 || c.slot >= len(a.chunks) {
		return false
	}
	return &a.chunks[c.slot] == c
}

// Get checks out one free chunk with its full capacity as length.
func (a *Arena) Get() (*Chunk, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return nil, ErrExhausted
	}
	slot := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.setLocked(slot, CheckedOut)
	c := &a.chunks[slot]
	c.size = uint32(a.chunkSize)
	return c, nil
}

// GetN checks out n free chunks, or none if fewer than n are free.
func (a *Arena) GetN(n int) ([]*Chunk, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) < n {
		return nil, ErrExhausted
	}
	out := make([]*Chunk, n)
	for i := range out {
		slot := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		a.setLocked(slot, CheckedOut)
		c := &a.chunks[slot]
		c.size = uint32(a.chunkSize)
		out[i] = c
	}
	return out, nil
}

// Put returns a checked-out or posted chunk to the free list. Releasing a
// chunk that is already free fails with a StateError.
func (a *Arena) Put(c *Chunk) error {
	if !a.Contains(c) {
		return ErrUnknownChunk
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.states[c.slot] == Free {
		return &StateError{Slot: c.slot, Have: Free, Want: Free}
	}
	a.setLocked(c.slot, Free)
	a.free = append(a.free, c.slot)
	return nil
}

// MarkPosted hands a checked-out chunk to the hardware.
func (a *Arena) MarkPosted(c *Chunk) error {
	if !a.Contains(c) {
		return ErrUnknownChunk
	}
	return a.transition(c.slot, CheckedOut, Posted)
}

// Unpost takes a posted chunk back into software ownership, used when a post
// is rejected after the chunk was marked.
func (a *Arena) Unpost(c *Chunk) error {
	if !a.Contains(c) {
		return ErrUnknownChunk
	}
	return a.transition(c.slot, Posted, CheckedOut)
}

// Deliver moves the posted chunk named by wrid to CheckedOut with n valid
// bytes. It is used for receive completions.
func (a *Arena) Deliver(wrid uint64, n uint32) (*Chunk, error) {
	slot, ok := a.SlotOf(wrid)
	if !ok {
		return nil, fmt.Errorf("%w: wr_id %d", ErrUnknownChunk, wrid)
	}
	if int(n) > a.chunkSize {
		return nil, fmt.Errorf("completion of %d bytes exceeds chunk size %d", n, a.chunkSize)
	}
	if err := a.transition(slot, Posted, CheckedOut); err != nil {
		return nil, err
	}
	c := &a.chunks[slot]
	c.size = n
	return c, nil
}

// Complete returns the posted chunk named by wrid to the free list. It is
// used for send completions.
func (a *Arena) Complete(wrid uint64) (*Chunk, error) {
	slot, ok := a.SlotOf(wrid)
	if !ok {
		return nil, fmt.Errorf("%w: wr_id %d", ErrUnknownChunk, wrid)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if have := a.states[slot]; have != Posted {
		return nil, &StateError{Slot: slot, Have: have, Want: Free}
	}
	a.setLocked(slot, Free)
	a.free = append(a.free, slot)
	return &a.chunks[slot], nil
}

func (a *Arena) transition(slot int, from, to State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if have := a.states[slot]; have != from {
		return &StateError{Slot: slot, Have: have, Want: to}
	}
	a.setLocked(slot, to)
	return nil
}
