//go:build rdma_hw

package rdma

// #cgo LDFLAGS: -lrdmacm -libverbs
// #include <stdlib.h>
// #include <string.h>
// #include <errno.h>
// #include <arpa/inet.h>
// #include <rdma/rdma_cma.h>
// #include <infiniband/verbs.h>
//
// static int get_errno(void) {
//     return errno;
// }
//
// typedef struct {
//     uint64_t wr_id;
//     int status;
//     int opcode;
//     uint32_t vendor_err;
//     uint32_t byte_len;
//     uint32_t qp_num;
//     uint32_t src_qp;
//     uint32_t wc_flags;
//     uint32_t imm_data;
// } flat_wc;
//
// // Poll up to n completions into out, using scratch as the ibv_wc array.
// static int poll_cq_flat(struct ibv_cq *cq, struct ibv_wc *scratch, flat_wc *out, int n) {
//     int got = ibv_poll_cq(cq, n, scratch);
//     for (int i = 0; i < got; i++) {
//         out[i].wr_id = scratch[i].wr_id;
//         out[i].status = scratch[i].status;
//         out[i].opcode = scratch[i].opcode;
//         out[i].vendor_err = scratch[i].vendor_err;
//         out[i].byte_len = scratch[i].byte_len;
//         out[i].qp_num = scratch[i].qp_num;
//         out[i].src_qp = scratch[i].src_qp;
//         out[i].wc_flags = scratch[i].wc_flags;
//         out[i].imm_data = (scratch[i].wc_flags & IBV_WC_WITH_IMM) ? ntohl(scratch[i].imm_data) : 0;
//     }
//     return got;
// }
//
// // Build and post a linked chain of n send work requests. SGEs of all
// // requests are laid out back to back in addrs/lengths/lkeys.
// static int post_send_chain(struct ibv_qp *qp, int n, uint64_t *wr_ids, int *opcodes,
//                            unsigned int *flags, uint32_t *imms, int *num_sge,
//                            uint64_t *addrs, uint32_t *lengths, uint32_t *lkeys) {
//     int total = 0;
//     for (int i = 0; i < n; i++) {
//         total += num_sge[i];
//     }
//     struct ibv_send_wr *wrs = calloc(n, sizeof(*wrs));
//     struct ibv_sge *sges = calloc(total > 0 ? total : 1, sizeof(*sges));
//     if (wrs == NULL || sges == NULL) {
//         free(wrs);
//         free(sges);
//         return ENOMEM;
//     }
//     int s = 0;
//     for (int i = 0; i < n; i++) {
//         wrs[i].wr_id = wr_ids[i];
//         wrs[i].opcode = opcodes[i];
//         wrs[i].send_flags = flags[i];
//         if (opcodes[i] == IBV_WR_SEND_WITH_IMM || opcodes[i] == IBV_WR_RDMA_WRITE_WITH_IMM) {
//             wrs[i].imm_data = htonl(imms[i]);
//         }
//         wrs[i].num_sge = num_sge[i];
//         wrs[i].sg_list = num_sge[i] > 0 ? &sges[s] : NULL;
//         for (int j = 0; j < num_sge[i]; j++, s++) {
//             sges[s].addr = addrs[s];
//             sges[s].length = lengths[s];
//             sges[s].lkey = lkeys[s];
//         }
//         wrs[i].next = (i + 1 < n) ? &wrs[i + 1] : NULL;
//     }
//     struct ibv_send_wr *bad = NULL;
//     int ret = ibv_post_send(qp, wrs, &bad);
//     free(sges);
//     free(wrs);
//     return ret;
// }
//
// static int post_recv_one(struct ibv_qp *qp, struct ibv_srq *srq, uint64_t wr_id, int n,
//                          uint64_t *addrs, uint32_t *lengths, uint32_t *lkeys) {
//     struct ibv_sge sges[n > 0 ? n : 1];
//     for (int i = 0; i < n; i++) {
//         sges[i].addr = addrs[i];
//         sges[i].length = lengths[i];
//         sges[i].lkey = lkeys[i];
//     }
//     struct ibv_recv_wr wr, *bad = NULL;
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = n > 0 ? sges : NULL;
//     wr.num_sge = n;
//     if (srq != NULL) {
//         return ibv_post_srq_recv(srq, &wr, &bad);
//     }
//     return ibv_post_recv(qp, &wr, &bad);
// }
import "C"
import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// hwContext wraps struct ibv_context.
type hwContext struct {
	fabric *VerbsFabric
	ctx    *C.struct_ibv_context
}

func (c *hwContext) Name() string {
	return C.GoString(C.ibv_get_device_name(c.ctx.device))
}

func (c *hwContext) AllocPD() (ProtectionDomain, error) {
	pd := C.ibv_alloc_pd(c.ctx)
	if pd == nil {
		return nil, fmt.Errorf("ibv_alloc_pd failed for device %s: %w", c.Name(), syscall.Errno(C.get_errno()))
	}
	return &hwPD{pd: pd}, nil
}

func (c *hwContext) CreateCompChannel() (CompChannel, error) {
	ch := C.ibv_create_comp_channel(c.ctx)
	if ch == nil {
		return nil, fmt.Errorf("ibv_create_comp_channel failed for device %s: %w", c.Name(), syscall.Errno(C.get_errno()))
	}
	if err := unix.SetNonblock(int(ch.fd), true); err != nil {
		C.ibv_destroy_comp_channel(ch)
		return nil, fmt.Errorf("failed to make completion channel non-blocking: %w", err)
	}
	return &hwCompChannel{fabric: c.fabric, ch: ch}, nil
}

func (c *hwContext) CreateCQ(cqe int, ch CompChannel) (CompletionQueue, error) {
	var channel *hwCompChannel
	var cch *C.struct_ibv_comp_channel
	if ch != nil {
		var ok bool
		if channel, ok = ch.(*hwCompChannel); !ok {
			return nil, fmt.Errorf("completion channel %T does not belong to the verbs fabric", ch)
		}
		cch = channel.ch
	}
	cq := C.ibv_create_cq(c.ctx, C.int(cqe), nil, cch, 0)
	if cq == nil {
		return nil, fmt.Errorf("ibv_create_cq (cqe=%d) failed for device %s: %w", cqe, c.Name(), syscall.Errno(C.get_errno()))
	}
	w := &hwCQ{fabric: c.fabric, cq: cq, channel: channel}
	c.fabric.mu.Lock()
	c.fabric.cqs[cq] = w
	c.fabric.mu.Unlock()
	return w, nil
}

// hwPD wraps struct ibv_pd.
type hwPD struct {
	pd *C.struct_ibv_pd
}

// RegMR registers buf. buf must not live in the Go heap; use AllocRegion.
func (p *hwPD) RegMR(buf []byte, access AccessFlags) (MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("cannot register an empty buffer")
	}
	mr := C.ibv_reg_mr(p.pd, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), C.int(access))
	if mr == nil {
		return nil, fmt.Errorf("ibv_reg_mr (%d bytes) failed: %w", len(buf), syscall.Errno(C.get_errno()))
	}
	return &hwMR{mr: mr, buf: buf}, nil
}

func (p *hwPD) CreateSRQ(maxWR, maxSGE uint32) (SharedReceiveQueue, error) {
	var attr C.struct_ibv_srq_init_attr
	attr.attr.max_wr = C.uint32_t(maxWR)
	attr.attr.max_sge = C.uint32_t(maxSGE)
	srq := C.ibv_create_srq(p.pd, &attr)
	if srq == nil {
		return nil, fmt.Errorf("ibv_create_srq (max_wr=%d) failed: %w", maxWR, syscall.Errno(C.get_errno()))
	}
	return &hwSRQ{srq: srq}, nil
}

func (p *hwPD) Dealloc() error {
	if ret := C.ibv_dealloc_pd(p.pd); ret != 0 {
		return fmt.Errorf("ibv_dealloc_pd failed: %w", syscall.Errno(ret))
	}
	return nil
}

// hwMR wraps struct ibv_mr.
type hwMR struct {
	mr  *C.struct_ibv_mr
	buf []byte
}

func (m *hwMR) LKey() uint32  { return uint32(m.mr.lkey) }
func (m *hwMR) RKey() uint32  { return uint32(m.mr.rkey) }
func (m *hwMR) Addr() uint64  { return uint64(uintptr(m.mr.addr)) }
func (m *hwMR) Bytes() []byte { return m.buf }

func (m *hwMR) Dereg() error {
	if ret := C.ibv_dereg_mr(m.mr); ret != 0 {
		return fmt.Errorf("ibv_dereg_mr failed: %w", syscall.Errno(ret))
	}
	return nil
}

// hwSRQ wraps struct ibv_srq. Posts racing with Destroy fail with
// ErrDestroyed instead of touching freed memory.
type hwSRQ struct {
	mu        sync.RWMutex
	srq       *C.struct_ibv_srq
	destroyed bool
}

func (s *hwSRQ) PostRecv(wr RecvWR) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed {
		return ErrDestroyed
	}
	return postRecv(nil, s.srq, wr)
}

func (s *hwSRQ) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil
	}
	if ret := C.ibv_destroy_srq(s.srq); ret != 0 {
		return fmt.Errorf("ibv_destroy_srq failed: %w", syscall.Errno(ret))
	}
	s.destroyed = true
	return nil
}

// hwCompChannel wraps struct ibv_comp_channel. The channel can only be
// destroyed once no CQ is attached, so Close defers destruction to the CQ
// when needed.
type hwCompChannel struct {
	fabric         *VerbsFabric
	ch             *C.struct_ibv_comp_channel
	mu             sync.Mutex // held while a GetCQEvent is in progress
	closed         atomic.Bool
	pendingDestroy bool
	destroyed      bool
}

func (c *hwCompChannel) GetCQEvent() (CompletionQueue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if err := waitReadable(int(c.ch.fd), &c.closed); err != nil {
			return nil, err
		}
		var cq *C.struct_ibv_cq
		var cqCtx unsafe.Pointer
		if ret := C.ibv_get_cq_event(c.ch, &cq, &cqCtx); ret != 0 {
			errno := syscall.Errno(C.get_errno())
			if errno == syscall.EAGAIN {
				continue
			}
			return nil, fmt.Errorf("ibv_get_cq_event failed: %w", errno)
		}
		c.fabric.mu.Lock()
		w, ok := c.fabric.cqs[cq]
		c.fabric.mu.Unlock()
		if !ok {
			log.Warn().Msgf("Completion event for unknown cq %p, acking and ignoring", cq)
			C.ibv_ack_cq_events(cq, 1)
			continue
		}
		return w, nil
	}
}

func (c *hwCompChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyLocked()
}

func (c *hwCompChannel) destroyLocked() error {
	if c.destroyed {
		return nil
	}
	if ret := C.ibv_destroy_comp_channel(c.ch); ret != 0 {
		if syscall.Errno(ret) == syscall.EBUSY {
			c.pendingDestroy = true
			return nil
		}
		return fmt.Errorf("ibv_destroy_comp_channel failed: %w", syscall.Errno(ret))
	}
	c.destroyed = true
	return nil
}

// hwCQ wraps struct ibv_cq.
type hwCQ struct {
	fabric  *VerbsFabric
	cq      *C.struct_ibv_cq
	channel *hwCompChannel
	scratch *C.struct_ibv_wc
	flat    []C.flat_wc
	size    int
}

func (q *hwCQ) ReqNotify() error {
	if ret := C.ibv_req_notify_cq(q.cq, 0); ret != 0 {
		return fmt.Errorf("ibv_req_notify_cq failed: %w", syscall.Errno(ret))
	}
	return nil
}

func (q *hwCQ) AckEvents(n int) {
	C.ibv_ack_cq_events(q.cq, C.uint(n))
}

func (q *hwCQ) Poll(wcs []WorkCompletion) (int, error) {
	if len(wcs) == 0 {
		return 0, nil
	}
	if q.size < len(wcs) {
		if q.scratch != nil {
			C.free(unsafe.Pointer(q.scratch))
		}
		q.scratch = (*C.struct_ibv_wc)(C.calloc(C.size_t(len(wcs)), C.size_t(unsafe.Sizeof(C.struct_ibv_wc{}))))
		q.flat = make([]C.flat_wc, len(wcs))
		q.size = len(wcs)
	}
	got := C.poll_cq_flat(q.cq, q.scratch, &q.flat[0], C.int(len(wcs)))
	if got < 0 {
		return 0, fmt.Errorf("ibv_poll_cq failed: %d", int(got))
	}
	for i := 0; i < int(got); i++ {
		f := &q.flat[i]
		wcs[i] = WorkCompletion{
			WRID:      uint64(f.wr_id),
			Status:    WCStatus(f.status),
			Opcode:    WCOpcode(f.opcode),
			VendorErr: uint32(f.vendor_err),
			ByteLen:   uint32(f.byte_len),
			QPNum:     uint32(f.qp_num),
			SrcQP:     uint32(f.src_qp),
			Flags:     WCFlags(f.wc_flags),
			ImmData:   uint32(f.imm_data),
		}
	}
	return int(got), nil
}

func (q *hwCQ) Destroy() error {
	q.fabric.mu.Lock()
	delete(q.fabric.cqs, q.cq)
	q.fabric.mu.Unlock()

	if ret := C.ibv_destroy_cq(q.cq); ret != 0 {
		return fmt.Errorf("ibv_destroy_cq failed: %w", syscall.Errno(ret))
	}
	if q.scratch != nil {
		C.free(unsafe.Pointer(q.scratch))
		q.scratch = nil
	}
	if ch := q.channel; ch != nil {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		if ch.pendingDestroy {
			return ch.destroyLocked()
		}
	}
	return nil
}

// hwQP wraps the struct ibv_qp created on a CM id. Posts racing with
// Destroy fail with ErrDestroyed instead of touching freed memory.
type hwQP struct {
	mu        sync.RWMutex
	id        *hwID
	qp        *C.struct_ibv_qp
	num       uint32
	hasSRQ    bool
	destroyed bool
}

func (q *hwQP) Num() uint32 { return q.num }

func (q *hwQP) PostSend(wrs []SendWR) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.destroyed {
		return ErrDestroyed
	}
	n := len(wrs)
	if n == 0 {
		return nil
	}
	wrIDs := make([]C.uint64_t, n)
	opcodes := make([]C.int, n)
	flags := make([]C.uint, n)
	imms := make([]C.uint32_t, n)
	numSGE := make([]C.int, n)
	var addrs []C.uint64_t
	var lengths, lkeys []C.uint32_t
	for i, wr := range wrs {
		wrIDs[i] = C.uint64_t(wr.WRID)
		opcodes[i] = C.int(wr.Opcode)
		flags[i] = C.uint(wr.Flags)
		imms[i] = C.uint32_t(wr.ImmData)
		numSGE[i] = C.int(len(wr.SGList))
		for _, sge := range wr.SGList {
			addrs = append(addrs, C.uint64_t(sge.Addr))
			lengths = append(lengths, C.uint32_t(sge.Length))
			lkeys = append(lkeys, C.uint32_t(sge.LKey))
		}
	}
	var addrPtr *C.uint64_t
	var lenPtr, lkeyPtr *C.uint32_t
	if len(addrs) > 0 {
		addrPtr, lenPtr, lkeyPtr = &addrs[0], &lengths[0], &lkeys[0]
	}
	ret := C.post_send_chain(q.qp, C.int(n), &wrIDs[0], &opcodes[0], &flags[0], &imms[0], &numSGE[0],
		addrPtr, lenPtr, lkeyPtr)
	if ret != 0 {
		if syscall.Errno(ret) == syscall.ENOMEM {
			return ErrQueueFull
		}
		return fmt.Errorf("ibv_post_send on QP 0x%x failed: %w", q.Num(), syscall.Errno(ret))
	}
	return nil
}

func (q *hwQP) PostRecv(wr RecvWR) error {
	if q.hasSRQ {
		return fmt.Errorf("%w: QP 0x%x is attached to an SRQ", ErrInvalidWR, q.Num())
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.destroyed {
		return ErrDestroyed
	}
	return postRecv(q.qp, nil, wr)
}

func (q *hwQP) Destroy() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return nil
	}
	C.rdma_destroy_qp(q.id.id)
	q.id.qp = nil
	q.destroyed = true
	return nil
}

func postRecv(qp *C.struct_ibv_qp, srq *C.struct_ibv_srq, wr RecvWR) error {
	n := len(wr.SGList)
	addrs := make([]C.uint64_t, n+1)
	lengths := make([]C.uint32_t, n+1)
	lkeys := make([]C.uint32_t, n+1)
	for i, sge := range wr.SGList {
		addrs[i] = C.uint64_t(sge.Addr)
		lengths[i] = C.uint32_t(sge.Length)
		lkeys[i] = C.uint32_t(sge.LKey)
	}
	ret := C.post_recv_one(qp, srq, C.uint64_t(wr.WRID), C.int(n), &addrs[0], &lengths[0], &lkeys[0])
	if ret != 0 {
		if syscall.Errno(ret) == syscall.ENOMEM {
			return ErrQueueFull
		}
		return fmt.Errorf("post recv failed: %w", syscall.Errno(ret))
	}
	return nil
}
