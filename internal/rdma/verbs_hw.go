//go:build rdma_hw

package rdma

// #cgo LDFLAGS: -lrdmacm -libverbs
// #include <stdlib.h>
// #include <string.h>
// #include <errno.h>
// #include <netdb.h>
// #include <arpa/inet.h>
// #include <rdma/rdma_cma.h>
//
// static int get_errno(void) {
//     return errno;
// }
//
// // Resolve host:port into a socket address usable by rdma_bind_addr and
// // rdma_resolve_addr.
// static int fill_sockaddr(const char *host, const char *port, int passive, struct sockaddr_storage *out) {
//     struct addrinfo hints, *res;
//     memset(&hints, 0, sizeof(hints));
//     hints.ai_family = AF_UNSPEC;
//     hints.ai_socktype = SOCK_STREAM;
//     if (passive) {
//         hints.ai_flags = AI_PASSIVE;
//     }
//     int ret = getaddrinfo(host[0] ? host : NULL, port, &hints, &res);
//     if (ret != 0) {
//         return ret;
//     }
//     memcpy(out, res->ai_addr, res->ai_addrlen);
//     freeaddrinfo(res);
//     return 0;
// }
//
// // Format a socket address as host:port.
// static void format_sockaddr(struct sockaddr *sa, char *buf, int len) {
//     char host[INET6_ADDRSTRLEN] = {0};
//     int port = 0;
//     if (sa->sa_family == AF_INET) {
//         struct sockaddr_in *sin = (struct sockaddr_in *)sa;
//         inet_ntop(AF_INET, &sin->sin_addr, host, sizeof(host));
//         port = ntohs(sin->sin_port);
//         snprintf(buf, len, "%s:%d", host, port);
//     } else if (sa->sa_family == AF_INET6) {
//         struct sockaddr_in6 *sin6 = (struct sockaddr_in6 *)sa;
//         inet_ntop(AF_INET6, &sin6->sin6_addr, host, sizeof(host));
//         port = ntohs(sin6->sin6_port);
//         snprintf(buf, len, "[%s]:%d", host, port);
//     } else {
//         buf[0] = 0;
//     }
// }
//
// // Fetch one CM event, copy out what the caller needs and ack it right away.
// static int get_cm_event(struct rdma_event_channel *ch, int *type, struct rdma_cm_id **id,
//                         struct rdma_cm_id **listen_id, int *status) {
//     struct rdma_cm_event *ev = NULL;
//     if (rdma_get_cm_event(ch, &ev) != 0) {
//         return -1;
//     }
//     *type = ev->event;
//     *id = ev->id;
//     *listen_id = ev->listen_id;
//     *status = ev->status;
//     return rdma_ack_cm_event(ev);
// }
//
// static int fill_conn_param_and_connect(struct rdma_cm_id *id, int accept, uint8_t rr, uint8_t id_depth,
//                                        uint8_t retry, uint8_t rnr) {
//     struct rdma_conn_param param;
//     memset(&param, 0, sizeof(param));
//     param.responder_resources = rr;
//     param.initiator_depth = id_depth;
//     param.retry_count = retry;
//     param.rnr_retry_count = rnr;
//     return accept ? rdma_accept(id, &param) : rdma_connect(id, &param);
// }
import "C"
import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// pollInterval bounds how long a blocked event wait takes to notice Close.
const pollInterval = 100 * time.Millisecond

// VerbsFabric drives RDMA hardware through librdmacm and libibverbs.
type VerbsFabric struct {
	mu   sync.Mutex
	ids  map[*C.struct_rdma_cm_id]*hwID
	ctxs map[*C.struct_ibv_context]*hwContext
	cqs  map[*C.struct_ibv_cq]*hwCQ
}

// NewVerbsFabric checks that at least one RDMA device is present and returns
// a fabric bound to librdmacm.
func NewVerbsFabric() (Fabric, error) {
	var numDevices C.int
	devices := C.rdma_get_devices(&numDevices)
	if devices == nil {
		return nil, fmt.Errorf("failed to get RDMA device list: %w", syscall.Errno(C.get_errno()))
	}
	C.rdma_free_devices(devices)
	if numDevices == 0 {
		return nil, fmt.Errorf("no RDMA devices found")
	}
	log.Debug().Int("devices", int(numDevices)).Msg("Found RDMA devices")

	return &VerbsFabric{
		ids:  make(map[*C.struct_rdma_cm_id]*hwID),
		ctxs: make(map[*C.struct_ibv_context]*hwContext),
		cqs:  make(map[*C.struct_ibv_cq]*hwCQ),
	}, nil
}

// Name returns FabricVerbs.
func (f *VerbsFabric) Name() string { return FabricVerbs }

// CreateEventChannel creates a non-blocking rdma_event_channel.
func (f *VerbsFabric) CreateEventChannel() (EventChannel, error) {
	ch := C.rdma_create_event_channel()
	if ch == nil {
		return nil, fmt.Errorf("rdma_create_event_channel failed: %w", syscall.Errno(C.get_errno()))
	}
	if err := unix.SetNonblock(int(ch.fd), true); err != nil {
		C.rdma_destroy_event_channel(ch)
		return nil, fmt.Errorf("failed to make CM event channel non-blocking: %w", err)
	}
	return &hwEventChannel{fabric: f, ch: ch}, nil
}

// CreateID creates an RDMA_PS_TCP id on ch.
func (f *VerbsFabric) CreateID(ch EventChannel) (CMID, error) {
	hch, ok := ch.(*hwEventChannel)
	if !ok {
		return nil, fmt.Errorf("event channel %T does not belong to the verbs fabric", ch)
	}
	var id *C.struct_rdma_cm_id
	if ret := C.rdma_create_id(hch.ch, &id, nil, C.RDMA_PS_TCP); ret != 0 {
		return nil, fmt.Errorf("rdma_create_id failed: %w", syscall.Errno(C.get_errno()))
	}
	return f.wrapID(id), nil
}

// Close is a no-op; objects are released individually.
func (f *VerbsFabric) Close() error { return nil }

func (f *VerbsFabric) wrapID(id *C.struct_rdma_cm_id) *hwID {
	if id == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.ids[id]; ok {
		return w
	}
	w := &hwID{fabric: f, id: id}
	f.ids[id] = w
	return w
}

func (f *VerbsFabric) forgetID(id *C.struct_rdma_cm_id) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, id)
}

func (f *VerbsFabric) wrapContext(ctx *C.struct_ibv_context) *hwContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.ctxs[ctx]; ok {
		return w
	}
	w := &hwContext{fabric: f, ctx: ctx}
	f.ctxs[ctx] = w
	return w
}

// waitReadable polls fd until it is readable or closed reports true.
func waitReadable(fd int, closed *atomic.Bool) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		if closed.Load() {
			return ErrChannelClosed
		}
		n, err := unix.Poll(fds, int(pollInterval/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll failed: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
}

// hwEventChannel wraps struct rdma_event_channel.
type hwEventChannel struct {
	fabric *VerbsFabric
	ch     *C.struct_rdma_event_channel
	mu     sync.Mutex // held while a GetEvent is in progress
	closed atomic.Bool
}

func (c *hwEventChannel) GetEvent() (*CMEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if err := waitReadable(int(c.ch.fd), &c.closed); err != nil {
			return nil, err
		}
		var evType, status C.int
		var id, listenID *C.struct_rdma_cm_id
		if ret := C.get_cm_event(c.ch, &evType, &id, &listenID, &status); ret != 0 {
			errno := syscall.Errno(C.get_errno())
			if errno == syscall.EAGAIN {
				continue
			}
			return nil, fmt.Errorf("rdma_get_cm_event failed: %w", errno)
		}
		ev := &CMEvent{Type: EventType(evType), Status: int(status)}
		if w := c.fabric.wrapID(id); w != nil {
			ev.ID = w
		}
		if w := c.fabric.wrapID(listenID); w != nil {
			ev.ListenID = w
		}
		return ev, nil
	}
}

func (c *hwEventChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	// Wait for a blocked GetEvent to observe the flag.
	c.mu.Lock()
	defer c.mu.Unlock()
	C.rdma_destroy_event_channel(c.ch)
	return nil
}

// hwID wraps struct rdma_cm_id.
type hwID struct {
	fabric *VerbsFabric
	id     *C.struct_rdma_cm_id
	qp     *hwQP
}

func sockaddrFor(addr string, passive bool) (*C.struct_sockaddr_storage, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	cHost := C.CString(host)
	defer C.free(unsafe.Pointer(cHost))
	cPort := C.CString(port)
	defer C.free(unsafe.Pointer(cPort))

	var ss C.struct_sockaddr_storage
	isPassive := C.int(0)
	if passive {
		isPassive = 1
	}
	if ret := C.fill_sockaddr(cHost, cPort, isPassive, &ss); ret != 0 {
		return nil, fmt.Errorf("failed to resolve %q: %s", addr, C.GoString(C.gai_strerror(ret)))
	}
	return &ss, nil
}

func (w *hwID) BindAddr(addr string) error {
	ss, err := sockaddrFor(addr, true)
	if err != nil {
		return err
	}
	if ret := C.rdma_bind_addr(w.id, (*C.struct_sockaddr)(unsafe.Pointer(ss))); ret != 0 {
		errno := syscall.Errno(C.get_errno())
		if errno == syscall.EADDRINUSE {
			return fmt.Errorf("%w: %s", ErrAddrInUse, addr)
		}
		return fmt.Errorf("rdma_bind_addr %s failed: %w", addr, errno)
	}
	return nil
}

func (w *hwID) Listen(backlog int) error {
	if ret := C.rdma_listen(w.id, C.int(backlog)); ret != 0 {
		return fmt.Errorf("rdma_listen failed: %w", syscall.Errno(C.get_errno()))
	}
	return nil
}

func (w *hwID) ResolveAddr(dst string, timeout time.Duration) error {
	ss, err := sockaddrFor(dst, false)
	if err != nil {
		return err
	}
	if ret := C.rdma_resolve_addr(w.id, nil, (*C.struct_sockaddr)(unsafe.Pointer(ss)), C.int(timeout.Milliseconds())); ret != 0 {
		return fmt.Errorf("rdma_resolve_addr %s failed: %w", dst, syscall.Errno(C.get_errno()))
	}
	return nil
}

func (w *hwID) ResolveRoute(timeout time.Duration) error {
	if ret := C.rdma_resolve_route(w.id, C.int(timeout.Milliseconds())); ret != 0 {
		return fmt.Errorf("rdma_resolve_route failed: %w", syscall.Errno(C.get_errno()))
	}
	return nil
}

func (w *hwID) connectOrAccept(accept bool, p ConnParam) error {
	isAccept := C.int(0)
	if accept {
		isAccept = 1
	}
	ret := C.fill_conn_param_and_connect(w.id, isAccept,
		C.uint8_t(p.ResponderResources), C.uint8_t(p.InitiatorDepth),
		C.uint8_t(p.RetryCount), C.uint8_t(p.RNRRetryCount))
	if ret != 0 {
		return syscall.Errno(C.get_errno())
	}
	return nil
}

func (w *hwID) Connect(param ConnParam) error {
	if err := w.connectOrAccept(false, param); err != nil {
		return fmt.Errorf("rdma_connect failed: %w", err)
	}
	return nil
}

func (w *hwID) Accept(param ConnParam) error {
	if err := w.connectOrAccept(true, param); err != nil {
		return fmt.Errorf("rdma_accept failed: %w", err)
	}
	return nil
}

func (w *hwID) Reject() error {
	if ret := C.rdma_reject(w.id, nil, 0); ret != 0 {
		return fmt.Errorf("rdma_reject failed: %w", syscall.Errno(C.get_errno()))
	}
	return nil
}

func (w *hwID) Disconnect() error {
	if ret := C.rdma_disconnect(w.id); ret != 0 {
		errno := syscall.Errno(C.get_errno())
		if errno == syscall.EINVAL || errno == syscall.ENOTCONN {
			return ErrNotConnected
		}
		return fmt.Errorf("rdma_disconnect failed: %w", errno)
	}
	return nil
}

func (w *hwID) Migrate(ch EventChannel) error {
	hch, ok := ch.(*hwEventChannel)
	if !ok {
		return fmt.Errorf("event channel %T does not belong to the verbs fabric", ch)
	}
	if ret := C.rdma_migrate_id(w.id, hch.ch); ret != 0 {
		return fmt.Errorf("rdma_migrate_id failed: %w", syscall.Errno(C.get_errno()))
	}
	return nil
}

func (w *hwID) Context() DeviceContext {
	if w.id.verbs == nil {
		return nil
	}
	return w.fabric.wrapContext(w.id.verbs)
}

func (w *hwID) CreateQP(pd ProtectionDomain, attr *QPInitAttr) (QueuePair, error) {
	hpd, ok := pd.(*hwPD)
	if !ok {
		return nil, fmt.Errorf("protection domain %T does not belong to the verbs fabric", pd)
	}
	sendCQ, ok := attr.SendCQ.(*hwCQ)
	if !ok {
		return nil, fmt.Errorf("send CQ %T does not belong to the verbs fabric", attr.SendCQ)
	}
	recvCQ, ok := attr.RecvCQ.(*hwCQ)
	if !ok {
		return nil, fmt.Errorf("recv CQ %T does not belong to the verbs fabric", attr.RecvCQ)
	}

	var initAttr C.struct_ibv_qp_init_attr
	initAttr.qp_type = C.enum_ibv_qp_type(attr.Type)
	initAttr.send_cq = sendCQ.cq
	initAttr.recv_cq = recvCQ.cq
	initAttr.sq_sig_all = 0
	initAttr.cap.max_send_wr = C.uint32_t(attr.MaxSendWR)
	initAttr.cap.max_recv_wr = C.uint32_t(attr.MaxRecvWR)
	initAttr.cap.max_send_sge = C.uint32_t(attr.MaxSendSGE)
	initAttr.cap.max_recv_sge = C.uint32_t(attr.MaxRecvSGE)
	initAttr.cap.max_inline_data = C.uint32_t(attr.MaxInlineData)
	var srq *hwSRQ
	if attr.SRQ != nil {
		if srq, ok = attr.SRQ.(*hwSRQ); !ok {
			return nil, fmt.Errorf("SRQ %T does not belong to the verbs fabric", attr.SRQ)
		}
		initAttr.srq = srq.srq
		initAttr.cap.max_recv_wr = 0
		initAttr.cap.max_recv_sge = 0
	}

	if ret := C.rdma_create_qp(w.id, hpd.pd, &initAttr); ret != 0 {
		return nil, fmt.Errorf("rdma_create_qp failed: %w", syscall.Errno(C.get_errno()))
	}
	w.qp = &hwQP{id: w, qp: w.id.qp, num: uint32(w.id.qp.qp_num), hasSRQ: srq != nil}
	log.Debug().
		Str("qpn", fmt.Sprintf("0x%x", uint32(w.id.qp.qp_num))).
		Uint32("max_send_wr", attr.MaxSendWR).
		Uint32("max_recv_wr", attr.MaxRecvWR).
		Bool("srq", srq != nil).
		Msg("Created RC queue pair")
	return w.qp, nil
}

func (w *hwID) QP() QueuePair {
	if w.qp == nil {
		return nil
	}
	return w.qp
}

func (w *hwID) LocalAddr() string {
	buf := make([]byte, 64)
	C.format_sockaddr(C.rdma_get_local_addr(w.id), (*C.char)(unsafe.Pointer(&buf[0])), C.int(len(buf)))
	return C.GoString((*C.char)(unsafe.Pointer(&buf[0])))
}

func (w *hwID) RemoteAddr() string {
	buf := make([]byte, 64)
	C.format_sockaddr(C.rdma_get_peer_addr(w.id), (*C.char)(unsafe.Pointer(&buf[0])), C.int(len(buf)))
	return C.GoString((*C.char)(unsafe.Pointer(&buf[0])))
}

func (w *hwID) Destroy() error {
	w.fabric.forgetID(w.id)
	if ret := C.rdma_destroy_id(w.id); ret != 0 {
		return fmt.Errorf("rdma_destroy_id failed: %w", syscall.Errno(C.get_errno()))
	}
	return nil
}
