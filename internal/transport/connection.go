package transport

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rdmamsg/internal/chunk"
	"github.com/yuuki/rdmamsg/internal/config"
	"github.com/yuuki/rdmamsg/internal/rdma"
	"github.com/yuuki/rdmamsg/internal/ringbuf"
)

// FinImmData is the immediate data of the zero-length send posted by Finish.
// A receive completion carrying it asks the receiver to tear down.
const FinImmData uint32 = 0xCAFEBEEF

// ConnState is the lifecycle state of a Connection.
type ConnState int32

const (
	ConnInactive ConnState = iota
	ConnActive
	ConnClose
)

func (s ConnState) String() string {
	switch s {
	case ConnInactive:
		return "INACTIVE"
	case ConnActive:
		return "ACTIVE"
	case ConnClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// memClosed is set in Connection.memRefs once the connection is closed.
// The low bits count holders of the registered memory.
const memClosed int64 = 1 << 62

// Connection is one RC queue pair with its registered send and receive
// regions. Receive chunks are posted to the hardware for the whole life of
// the connection; send chunks are checked out by senders and return to the
// free list when their send completes.
type Connection struct {
	id   uint64
	qpn  uint32
	cmID rdma.CMID
	qp   rdma.QueuePair
	srq  rdma.SharedReceiveQueue
	pd   rdma.ProtectionDomain
	cq   rdma.CompletionQueue

	recvRegion *rdma.Region
	sendRegion *rdma.Region
	recvMR     rdma.MemoryRegion
	sendMR     rdma.MemoryRegion
	recvArena  *chunk.Arena
	sendArena  *chunk.Arena

	staging *ringbuf.RingBuffer

	registry *Registry
	cmEvents rdma.EventChannel // per-connection CM channel, closed on Close
	handler  atomic.Value      // handlerBox

	state   atomic.Int32
	memRefs atomic.Int64
}

type handlerBox struct{ h Handler }

// newConnection builds the regions, arenas and queue pair of a connection.
// Every resource created before a failure is released before returning.
// The connection is returned ACTIVE with no receive posted yet.
func newConnection(id uint64, cmID rdma.CMID, events rdma.EventChannel, pd rdma.ProtectionDomain, cq rdma.CompletionQueue, cfg *config.Config, reg *Registry) (conn *Connection, err error) {
	c := &Connection{
		id:       id,
		cmID:     cmID,
		cmEvents: events,
		pd:       pd,
		cq:       cq,
		registry: reg,
	}
	c.state.Store(int32(ConnInactive))
	defer func() {
		if err != nil {
			c.release()
		}
	}()

	chunkSize := int(cfg.ChunkSize)
	recvCount, sendCount := int(cfg.RecvDepth), int(cfg.SendDepth)

	if c.recvRegion, err = rdma.AllocRegion(recvCount*chunkSize, cfg.HugePages); err != nil {
		return nil, fmt.Errorf("failed to allocate receive region: %w", err)
	}
	if c.sendRegion, err = rdma.AllocRegion(sendCount*chunkSize, cfg.HugePages); err != nil {
		return nil, fmt.Errorf("failed to allocate send region: %w", err)
	}

	access := rdma.AccessLocalWrite | rdma.AccessRemoteRead | rdma.AccessRemoteWrite
	if c.recvMR, err = pd.RegMR(c.recvRegion.Bytes(), access); err != nil {
		return nil, fmt.Errorf("failed to register receive region: %w", err)
	}
	if c.sendMR, err = pd.RegMR(c.sendRegion.Bytes(), access); err != nil {
		return nil, fmt.Errorf("failed to register send region: %w", err)
	}

	// Receive chunks start checked out and are posted by postReceives.
	if c.recvArena, err = chunk.NewArena(c.recvMR, chunkSize, recvCount, chunk.CheckedOut); err != nil {
		return nil, fmt.Errorf("failed to slice receive region: %w", err)
	}
	if c.sendArena, err = chunk.NewArena(c.sendMR, chunkSize, sendCount, chunk.Free); err != nil {
		return nil, fmt.Errorf("failed to slice send region: %w", err)
	}

	if cfg.UseSRQ {
		if c.srq, err = pd.CreateSRQ(cfg.SRQDepth, 1); err != nil {
			return nil, fmt.Errorf("failed to create SRQ: %w", err)
		}
	}

	qpType, err := rdma.ParseQPType(cfg.QPTransportMode)
	if err != nil {
		return nil, err
	}
	attr := &rdma.QPInitAttr{
		Type:   qpType,
		SendCQ: cq,
		RecvCQ: cq,
		SRQ:    c.srq,
		// one extra slot for the chunkless FIN send
		MaxSendWR:  cfg.SendDepth + 1,
		MaxRecvWR:  cfg.RecvDepth,
		MaxSendSGE: 1,
		MaxRecvSGE: 1,
	}
	if c.qp, err = cmID.CreateQP(pd, attr); err != nil {
		return nil, fmt.Errorf("failed to create QP: %w", err)
	}
	c.qpn = c.qp.Num()

	if c.staging, err = ringbuf.New(int(cfg.StagingBufferSize)); err != nil {
		return nil, err
	}

	c.handler.Store(handlerBox{})
	c.state.Store(int32(ConnActive))

	log.Debug().
		Uint64("conn_id", c.id).
		Str("qpn", fmt.Sprintf("0x%x", c.qpn)).
		Bool("srq", c.srq != nil).
		Int("send_chunks", sendCount).
		Int("recv_chunks", recvCount).
		Int("chunk_size", chunkSize).
		Bool("huge_pages", c.recvRegion.Huge()).
		Msg("Connection created")
	return c, nil
}

// ID returns the process-local connection id.
func (c *Connection) ID() uint64 { return c.id }

// QPNum returns the hardware queue pair number.
func (c *Connection) QPNum() uint32 { return c.qpn }

// State returns the lifecycle state.
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

// LocalAddr returns the local address of the connection.
func (c *Connection) LocalAddr() string { return c.cmID.LocalAddr() }

// RemoteAddr returns the peer address of the connection.
func (c *Connection) RemoteAddr() string { return c.cmID.RemoteAddr() }

// ChunkSize returns the largest payload a single send can carry.
func (c *Connection) ChunkSize() int { return c.sendArena.ChunkSize() }

// SetHandler installs a handler for this connection's Received events,
// overriding the stack handler. A nil handler restores the stack handler.
func (c *Connection) SetHandler(h Handler) { c.handler.Store(handlerBox{h}) }

func (c *Connection) connHandler() Handler {
	return c.handler.Load().(handlerBox).h
}

// SendStats returns the per-state counts of the send chunks.
func (c *Connection) SendStats() chunk.Stats { return c.sendArena.Stats() }

// RecvStats returns the per-state counts of the receive chunks.
func (c *Connection) RecvStats() chunk.Stats { return c.recvArena.Stats() }

// acquireMem pins the registered memory until releaseMem. It fails once the
// connection is closed.
func (c *Connection) acquireMem() bool {
	for {
		r := c.memRefs.Load()
		if r&memClosed != 0 {
			return false
		}
		if c.memRefs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

// releaseMem drops a pin. The last pin released after Close frees the
// memory.
func (c *Connection) releaseMem() {
	if c.memRefs.Add(-1) == memClosed {
		c.freeMemory()
	}
}

// postReceives hands every receive chunk to the hardware.
func (c *Connection) postReceives() error {
	for slot := 0; slot < c.recvArena.Len(); slot++ {
		if err := c.postRecv(c.recvArena.Chunk(slot)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) postRecv(ch *chunk.Chunk) error {
	if err := c.recvArena.MarkPosted(ch); err != nil {
		return err
	}
	wr := rdma.RecvWR{WRID: ch.WRID(), SGList: []rdma.SGE{ch.FullSGE()}}
	var err error
	if c.srq != nil {
		err = c.srq.PostRecv(wr)
	} else {
		err = c.qp.PostRecv(wr)
	}
	if err != nil {
		_ = c.recvArena.Unpost(ch)
		return fmt.Errorf("failed to post receive on QP 0x%x: %w", c.qpn, err)
	}
	return nil
}

// AsyncSend copies p into a free send chunk and posts a signaled send. It
// returns ErrWouldBlock when every send chunk is in flight.
func (c *Connection) AsyncSend(p []byte) error {
	if len(p) > c.sendArena.ChunkSize() {
		return &PayloadSizeError{Size: len(p), ChunkSize: c.sendArena.ChunkSize()}
	}
	if !c.acquireMem() {
		return ErrConnectionClosed
	}
	defer c.releaseMem()

	ch, err := c.sendArena.Get()
	if err != nil {
		c.registry.metrics.SendWouldBlock()
		return ErrWouldBlock
	}
	copy(ch.Buffer(), p)
	_ = ch.SetLen(len(p))
	return c.postSends([]*chunk.Chunk{ch})
}

// AsyncSendV posts one linked chain of sends, one chunk per element of bufs.
// Either all chunks are checked out or none is.
func (c *Connection) AsyncSendV(bufs [][]byte) error {
	if len(bufs) == 0 {
		return nil
	}
	for _, p := range bufs {
		if len(p) > c.sendArena.ChunkSize() {
			return &PayloadSizeError{Size: len(p), ChunkSize: c.sendArena.ChunkSize()}
		}
	}
	if !c.acquireMem() {
		return ErrConnectionClosed
	}
	defer c.releaseMem()

	chunks, err := c.sendArena.GetN(len(bufs))
	if err != nil {
		c.registry.metrics.SendWouldBlock()
		return ErrWouldBlock
	}
	for i, p := range bufs {
		copy(chunks[i].Buffer(), p)
		_ = chunks[i].SetLen(len(p))
	}
	return c.postSends(chunks)
}

// postSends posts checked-out chunks as one chain. On failure the chunks go
// back to the free list.
func (c *Connection) postSends(chunks []*chunk.Chunk) error {
	if c.State() != ConnActive {
		for _, ch := range chunks {
			_ = c.sendArena.Put(ch)
		}
		return ErrConnectionClosed
	}

	wrs := make([]rdma.SendWR, len(chunks))
	total := 0
	for i, ch := range chunks {
		if err := c.sendArena.MarkPosted(ch); err != nil {
			for _, done := range chunks[:i] {
				_ = c.sendArena.Unpost(done)
			}
			for _, back := range chunks {
				_ = c.sendArena.Put(back)
			}
			return err
		}
		wrs[i] = rdma.SendWR{
			WRID:   ch.WRID(),
			SGList: []rdma.SGE{ch.SGE()},
			Opcode: rdma.OpSend,
			Flags:  rdma.SendSignaled,
		}
		total += ch.Len()
	}

	if err := c.qp.PostSend(wrs); err != nil {
		for _, ch := range chunks {
			_ = c.sendArena.Put(ch)
		}
		return fmt.Errorf("failed to post send on QP 0x%x: %w", c.qpn, err)
	}

	for _, ch := range chunks {
		c.registry.metrics.MessageSent(ch.Len())
	}
	log.Trace().
		Uint64("conn_id", c.id).
		Str("qpn", fmt.Sprintf("0x%x", c.qpn)).
		Int("wrs", len(wrs)).
		Int("bytes", total).
		Msg("Posted send")
	return nil
}

// Finish asks the peer to tear the connection down. It posts a zero-length
// signaled send carrying FinImmData under the reserved work request id; the
// completion of that send tears down the local side.
func (c *Connection) Finish() error {
	if c.State() != ConnActive {
		return ErrConnectionClosed
	}
	wr := rdma.SendWR{
		WRID:    chunk.ReservedWRID,
		Opcode:  rdma.OpSendWithImm,
		Flags:   rdma.SendSignaled,
		ImmData: FinImmData,
	}
	if err := c.qp.PostSend([]rdma.SendWR{wr}); err != nil {
		return fmt.Errorf("failed to post FIN on QP 0x%x: %w", c.qpn, err)
	}
	log.Debug().Uint64("conn_id", c.id).Str("qpn", fmt.Sprintf("0x%x", c.qpn)).Msg("Posted FIN")
	return nil
}

// GetChunk checks out a free send chunk for filling in place. The chunk must
// be handed back with SendChunk or ReapChunk; until then the connection's
// memory stays mapped even if the connection closes.
func (c *Connection) GetChunk() (*chunk.Chunk, error) {
	if !c.acquireMem() {
		return nil, ErrConnectionClosed
	}
	ch, err := c.sendArena.Get()
	if err != nil {
		c.releaseMem()
		c.registry.metrics.SendWouldBlock()
		return nil, ErrWouldBlock
	}
	return ch, nil
}

// ReapChunk returns a chunk obtained from GetChunk without sending it.
// Reaping a chunk twice fails.
func (c *Connection) ReapChunk(ch *chunk.Chunk) error {
	if !c.sendArena.Contains(ch) {
		return ErrNotChunkOwner
	}
	if st := c.sendArena.State(ch.Slot()); st != chunk.CheckedOut {
		return &chunk.StateError{Slot: ch.Slot(), Have: st, Want: chunk.Free}
	}
	if err := c.sendArena.Put(ch); err != nil {
		return err
	}
	c.releaseMem()
	return nil
}

// SendChunk posts the first n bytes of a chunk obtained from GetChunk.
func (c *Connection) SendChunk(ch *chunk.Chunk, n int) error {
	if !c.sendArena.Contains(ch) {
		return ErrNotChunkOwner
	}
	if st := c.sendArena.State(ch.Slot()); st != chunk.CheckedOut {
		return &chunk.StateError{Slot: ch.Slot(), Have: st, Want: chunk.Posted}
	}
	if err := ch.SetLen(n); err != nil {
		return &PayloadSizeError{Size: n, ChunkSize: ch.Cap()}
	}
	defer c.releaseMem()
	return c.postSends([]*chunk.Chunk{ch})
}

// IsRecvChunk reports whether ch belongs to the receive region.
func (c *Connection) IsRecvChunk(ch *chunk.Chunk) bool { return c.recvArena.Contains(ch) }

// IsSendChunk reports whether ch belongs to the send region.
func (c *Connection) IsSendChunk(ch *chunk.Chunk) bool { return c.sendArena.Contains(ch) }

// WriteBuffer appends p to the staging ring buffer. A partial write returns
// io.ErrShortWrite along with the number of bytes written.
func (c *Connection) WriteBuffer(p []byte) (int, error) {
	n := c.staging.Write(p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// ReadBuffer moves staged bytes into p.
func (c *Connection) ReadBuffer(p []byte) int { return c.staging.Read(p) }

// Staged returns the number of staged bytes.
func (c *Connection) Staged() int { return c.staging.Len() }

// Close tears the connection down exactly once: it leaves the registry,
// disconnects, destroys the queue pair, SRQ and CM id, and releases the
// registered memory once no handler or sender still holds it. Later calls
// return ErrConnectionClosed.
func (c *Connection) Close() error {
	prev := c.State()
	if prev == ConnClose || !c.state.CompareAndSwap(int32(prev), int32(ConnClose)) {
		return ErrConnectionClosed
	}
	registered := c.registry.Delete(c.id, c.qpn)

	var errs []error
	if err := c.cmID.Disconnect(); err != nil && !errors.Is(err, rdma.ErrNotConnected) {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}
	if err := c.qp.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("destroy QP: %w", err))
	}
	if c.srq != nil {
		if err := c.srq.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy SRQ: %w", err))
		}
	}
	if err := c.cmID.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("destroy CM id: %w", err))
	}
	if c.cmEvents != nil {
		_ = c.cmEvents.Close()
	}

	// Free now unless a sender or handler still holds the memory.
	for {
		r := c.memRefs.Load()
		if c.memRefs.CompareAndSwap(r, r|memClosed) {
			if r == 0 {
				c.freeMemory()
			}
			break
		}
	}

	log.Debug().
		Uint64("conn_id", c.id).
		Str("qpn", fmt.Sprintf("0x%x", c.qpn)).
		Bool("registered", registered).
		Msg("Connection closed")
	if registered {
		c.registry.connectionClosed(c)
	}
	return errors.Join(errs...)
}

// freeMemory deregisters and unmaps both regions and deallocates the PD.
func (c *Connection) freeMemory() {
	if err := c.release(); err != nil {
		log.Warn().Err(err).Uint64("conn_id", c.id).Str("qpn", fmt.Sprintf("0x%x", c.qpn)).Msg("Failed to release connection memory")
	}
}

// release frees whatever subset of the memory resources exists. It is also
// the unwind path of newConnection, where the QP may already exist.
func (c *Connection) release() error {
	var errs []error
	if c.State() == ConnInactive {
		if c.qp != nil {
			errs = append(errs, c.qp.Destroy())
		}
		if c.srq != nil {
			errs = append(errs, c.srq.Destroy())
		}
	}
	for _, mr := range []rdma.MemoryRegion{c.recvMR, c.sendMR} {
		if mr != nil {
			errs = append(errs, mr.Dereg())
		}
	}
	for _, r := range []*rdma.Region{c.recvRegion, c.sendRegion} {
		if r != nil {
			errs = append(errs, r.Free())
		}
	}
	if c.pd != nil {
		errs = append(errs, c.pd.Dealloc())
	}
	return errors.Join(errs...)
}
