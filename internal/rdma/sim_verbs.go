package rdma

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var errPDBusy = errors.New("rdma: protection domain still has registered memory")

// simDevice is the single device context of a SimFabric.
type simDevice struct {
	fabric *SimFabric
}

func (d *simDevice) Name() string { return simDeviceName }

func (d *simDevice) AllocPD() (ProtectionDomain, error) {
	return &simPD{fabric: d.fabric, mrs: make(map[uint32]*simMR)}, nil
}

func (d *simDevice) CreateCompChannel() (CompChannel, error) {
	return &simCompChannel{
		events: make(chan *simCQ, 16),
		done:   make(chan struct{}),
	}, nil
}

func (d *simDevice) CreateCQ(cqe int, ch CompChannel) (CompletionQueue, error) {
	if cqe <= 0 {
		return nil, fmt.Errorf("invalid CQ depth %d", cqe)
	}
	cq := &simCQ{fabric: d.fabric, cqe: cqe}
	if ch != nil {
		sch, ok := ch.(*simCompChannel)
		if !ok {
			return nil, fmt.Errorf("completion channel %T does not belong to the simulated fabric", ch)
		}
		cq.channel = sch
	}
	return cq, nil
}

// simPD is a protection domain.
type simPD struct {
	fabric      *SimFabric
	mrs         map[uint32]*simMR
	deallocated bool
}

func (pd *simPD) RegMR(buf []byte, access AccessFlags) (MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("cannot register an empty buffer")
	}
	f := pd.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if pd.deallocated {
		return nil, ErrDestroyed
	}
	key := f.nextKey
	f.nextKey++
	mr := &simMR{
		pd:     pd,
		buf:    buf,
		addr:   bufferAddr(buf),
		lkey:   key,
		rkey:   key,
		access: access,
	}
	pd.mrs[key] = mr
	f.mrs[key] = mr
	return mr, nil
}

func (pd *simPD) CreateSRQ(maxWR, maxSGE uint32) (SharedReceiveQueue, error) {
	if maxWR == 0 {
		return nil, fmt.Errorf("invalid SRQ depth %d", maxWR)
	}
	return &simSRQ{fabric: pd.fabric, maxWR: int(maxWR)}, nil
}

func (pd *simPD) Dealloc() error {
	f := pd.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(pd.mrs) > 0 {
		return errPDBusy
	}
	pd.deallocated = true
	return nil
}

// simMR is a registered memory region.
type simMR struct {
	pd     *simPD
	buf    []byte
	addr   uint64
	lkey   uint32
	rkey   uint32
	access AccessFlags
}

func (mr *simMR) LKey() uint32  { return mr.lkey }
func (mr *simMR) RKey() uint32  { return mr.rkey }
func (mr *simMR) Addr() uint64  { return mr.addr }
func (mr *simMR) Bytes() []byte { return mr.buf }

func (mr *simMR) Dereg() error {
	f := mr.pd.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(mr.pd.mrs, mr.lkey)
	delete(f.mrs, mr.lkey)
	return nil
}

// sgeBytesLocked resolves a scatter/gather element to the registered bytes it
// names.
func (f *SimFabric) sgeBytesLocked(sge SGE) ([]byte, bool) {
	mr, ok := f.mrs[sge.LKey]
	if !ok || sge.Addr < mr.addr {
		return nil, false
	}
	off := sge.Addr - mr.addr
	if off+uint64(sge.Length) > uint64(len(mr.buf)) {
		return nil, false
	}
	return mr.buf[off : off+uint64(sge.Length)], true
}

// simCompChannel delivers one event per armed completion queue.
type simCompChannel struct {
	events    chan *simCQ
	done      chan struct{}
	closeOnce sync.Once
}

func (c *simCompChannel) notify(cq *simCQ) {
	select {
	case c.events <- cq:
	default:
	}
}

func (c *simCompChannel) GetCQEvent() (CompletionQueue, error) {
	select {
	case cq := <-c.events:
		return cq, nil
	case <-c.done:
		return nil, ErrChannelClosed
	}
}

func (c *simCompChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// simCQ is a completion queue. An armed queue raises one event on its channel
// for the next completion and is then disarmed until ReqNotify.
type simCQ struct {
	fabric    *SimFabric
	cqe       int
	channel   *simCompChannel
	entries   []WorkCompletion
	armed     bool
	destroyed bool
	acked     atomic.Int64
}

func (cq *simCQ) pushLocked(wc WorkCompletion) {
	if cq.destroyed {
		return
	}
	cq.entries = append(cq.entries, wc)
	if cq.armed && cq.channel != nil {
		cq.armed = false
		cq.channel.notify(cq)
	}
}

func (cq *simCQ) ReqNotify() error {
	f := cq.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if cq.destroyed {
		return ErrDestroyed
	}
	cq.armed = true
	return nil
}

func (cq *simCQ) AckEvents(n int) {
	cq.acked.Add(int64(n))
}

func (cq *simCQ) Poll(wcs []WorkCompletion) (int, error) {
	f := cq.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if cq.destroyed {
		return 0, ErrDestroyed
	}
	n := copy(wcs, cq.entries)
	if n == len(cq.entries) {
		cq.entries = cq.entries[:0]
	} else {
		cq.entries = cq.entries[n:]
	}
	return n, nil
}

func (cq *simCQ) Destroy() error {
	f := cq.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	cq.destroyed = true
	cq.entries = nil
	return nil
}

// simSRQ is a shared receive queue.
type simSRQ struct {
	fabric    *SimFabric
	maxWR     int
	queue     []RecvWR
	qps       []*simQP
	destroyed bool
}

func (srq *simSRQ) PostRecv(wr RecvWR) error {
	f := srq.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if srq.destroyed {
		return ErrDestroyed
	}
	if len(srq.queue) >= srq.maxWR {
		return ErrQueueFull
	}
	srq.queue = append(srq.queue, wr)
	for _, qp := range srq.qps {
		if qp.peer != nil {
			f.progressLocked(qp.peer)
		}
	}
	return nil
}

func (srq *simSRQ) Destroy() error {
	f := srq.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	srq.destroyed = true
	srq.queue = nil
	return nil
}

type simQPState int

const (
	simQPInit simQPState = iota
	simQPReady
	simQPError
	simQPDestroyed
)

// simQP is an RC queue pair. Sends wait in pending until the peer has a
// receive posted, which models an unlimited RNR retry count.
type simQP struct {
	fabric    *SimFabric
	num       uint32
	pd        *simPD
	sendCQ    *simCQ
	recvCQ    *simCQ
	srq       *simSRQ
	recvQueue []RecvWR
	pending   []SendWR
	peer      *simQP
	state     simQPState
	maxSend   int
	maxRecv   int
}

func (qp *simQP) Num() uint32 { return qp.num }

func (qp *simQP) PostSend(wrs []SendWR) error {
	for _, wr := range wrs {
		if wr.Opcode != OpSend && wr.Opcode != OpSendWithImm {
			return fmt.Errorf("%w: opcode %d", ErrInvalidWR, wr.Opcode)
		}
	}

	f := qp.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	switch qp.state {
	case simQPDestroyed:
		return ErrDestroyed
	case simQPInit:
		return ErrNotConnected
	case simQPError:
		for _, wr := range wrs {
			qp.sendCQ.pushLocked(WorkCompletion{WRID: wr.WRID, Status: WCWRFlushErr, Opcode: WCSend, QPNum: qp.num})
		}
		return nil
	}
	if len(qp.pending)+len(wrs) > qp.maxSend {
		return ErrQueueFull
	}
	qp.pending = append(qp.pending, wrs...)
	f.progressLocked(qp)
	return nil
}

func (qp *simQP) PostRecv(wr RecvWR) error {
	f := qp.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if qp.srq != nil {
		return fmt.Errorf("%w: QP 0x%x is attached to an SRQ", ErrInvalidWR, qp.num)
	}
	switch qp.state {
	case simQPDestroyed:
		return ErrDestroyed
	case simQPError:
		qp.recvCQ.pushLocked(WorkCompletion{WRID: wr.WRID, Status: WCWRFlushErr, Opcode: WCRecv, QPNum: qp.num})
		return nil
	}
	if len(qp.recvQueue) >= qp.maxRecv {
		return ErrQueueFull
	}
	qp.recvQueue = append(qp.recvQueue, wr)
	if qp.peer != nil {
		f.progressLocked(qp.peer)
	}
	return nil
}

func (qp *simQP) Destroy() error {
	f := qp.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if qp.state == simQPDestroyed {
		return nil
	}
	qp.state = simQPDestroyed
	qp.recvQueue = nil
	qp.pending = nil
	if qp.srq != nil {
		for i, other := range qp.srq.qps {
			if other == qp {
				qp.srq.qps = append(qp.srq.qps[:i], qp.srq.qps[i+1:]...)
				break
			}
		}
	}
	if qp.peer != nil && len(qp.peer.pending) > 0 {
		f.progressLocked(qp.peer)
	}
	return nil
}

// takeRecvLocked pops the next receive work request available to qp.
func (qp *simQP) takeRecvLocked() (RecvWR, bool) {
	if qp.srq != nil {
		if len(qp.srq.queue) == 0 {
			return RecvWR{}, false
		}
		wr := qp.srq.queue[0]
		qp.srq.queue = qp.srq.queue[1:]
		return wr, true
	}
	if len(qp.recvQueue) == 0 {
		return RecvWR{}, false
	}
	wr := qp.recvQueue[0]
	qp.recvQueue = qp.recvQueue[1:]
	return wr, true
}

// progressLocked delivers qp's pending sends in order until the peer runs out
// of posted receives.
func (f *SimFabric) progressLocked(qp *simQP) {
	for qp.state == simQPReady && len(qp.pending) > 0 {
		wr := qp.pending[0]
		peer := qp.peer
		if peer == nil || peer.state != simQPReady {
			qp.pending = qp.pending[1:]
			qp.sendCQ.pushLocked(WorkCompletion{WRID: wr.WRID, Status: WCRetryExcErr, Opcode: WCSend, QPNum: qp.num})
			f.errorQPLocked(qp)
			return
		}

		var src [][]byte
		var total uint32
		for _, sge := range wr.SGList {
			b, ok := f.sgeBytesLocked(sge)
			if !ok {
				qp.pending = qp.pending[1:]
				qp.sendCQ.pushLocked(WorkCompletion{WRID: wr.WRID, Status: WCLocProtErr, Opcode: WCSend, QPNum: qp.num})
				f.errorQPLocked(qp)
				return
			}
			src = append(src, b)
			total += sge.Length
		}

		recv, ok := peer.takeRecvLocked()
		if !ok {
			return
		}
		qp.pending = qp.pending[1:]

		var dst [][]byte
		var capacity uint32
		for _, sge := range recv.SGList {
			b, ok := f.sgeBytesLocked(sge)
			if !ok {
				continue
			}
			dst = append(dst, b)
			capacity += sge.Length
		}
		if total > capacity {
			peer.recvCQ.pushLocked(WorkCompletion{WRID: recv.WRID, Status: WCLocLenErr, Opcode: WCRecv, QPNum: peer.num})
			qp.sendCQ.pushLocked(WorkCompletion{WRID: wr.WRID, Status: WCRemOpErr, Opcode: WCSend, QPNum: qp.num})
			f.errorQPLocked(peer)
			f.errorQPLocked(qp)
			return
		}
		scatter(dst, src)

		recvWC := WorkCompletion{
			WRID:    recv.WRID,
			Status:  WCSuccess,
			Opcode:  WCRecv,
			ByteLen: total,
			QPNum:   peer.num,
			SrcQP:   qp.num,
		}
		if wr.Opcode == OpSendWithImm {
			recvWC.Flags |= WCFlagWithImm
			recvWC.ImmData = wr.ImmData
		}
		peer.recvCQ.pushLocked(recvWC)
		if wr.Flags&SendSignaled != 0 {
			qp.sendCQ.pushLocked(WorkCompletion{WRID: wr.WRID, Status: WCSuccess, Opcode: WCSend, QPNum: qp.num})
		}
	}
}

// errorQPLocked moves qp to the error state and flushes its outstanding work
// requests. Receives posted to a shared receive queue stay queued.
func (f *SimFabric) errorQPLocked(qp *simQP) {
	if qp.state == simQPError || qp.state == simQPDestroyed {
		return
	}
	qp.state = simQPError
	for _, wr := range qp.recvQueue {
		qp.recvCQ.pushLocked(WorkCompletion{WRID: wr.WRID, Status: WCWRFlushErr, Opcode: WCRecv, QPNum: qp.num})
	}
	qp.recvQueue = nil
	for _, wr := range qp.pending {
		qp.sendCQ.pushLocked(WorkCompletion{WRID: wr.WRID, Status: WCWRFlushErr, Opcode: WCSend, QPNum: qp.num})
	}
	qp.pending = nil
}

// scatter copies the concatenation of src into the consecutive buffers of dst.
func scatter(dst, src [][]byte) {
	di, doff := 0, 0
	for _, s := range src {
		for len(s) > 0 && di < len(dst) {
			n := copy(dst[di][doff:], s)
			s = s[n:]
			doff += n
			if doff == len(dst[di]) {
				di++
				doff = 0
			}
		}
	}
}
