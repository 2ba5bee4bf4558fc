// Package rdma is the connection-manager and verbs layer used by the transport.
//
// The interfaces in this file mirror the librdmacm / libibverbs objects the
// transport drives (event channels, CM ids, protection domains, completion
// channels and queues, queue pairs, shared receive queues and memory regions).
// Two backends implement them:
//   - the simulated fabric (default), an in-process RC fabric used by tests and
//     by hosts without RDMA hardware
//   - the verbs fabric (build tag rdma_hw), a cgo binding to librdmacm/libibverbs
//
// To build with hardware support:
//
//	go build -tags rdma_hw ./...
package rdma

import (
	"fmt"
	"time"
)

// EventType is a connection manager event type. Values match enum
// rdma_cm_event_type.
type EventType int

const (
	EventAddrResolved    EventType = 0
	EventAddrError       EventType = 1
	EventRouteResolved   EventType = 2
	EventRouteError      EventType = 3
	EventConnectRequest  EventType = 4
	EventConnectResponse EventType = 5
	EventConnectError    EventType = 6
	EventUnreachable     EventType = 7
	EventRejected        EventType = 8
	EventEstablished     EventType = 9
	EventDisconnected    EventType = 10
	EventDeviceRemoval   EventType = 11
	EventAddrChange      EventType = 14
	EventTimewaitExit    EventType = 15
)

func (t EventType) String() string {
	switch t {
	case EventAddrResolved:
		return "ADDR_RESOLVED"
	case EventAddrError:
		return "ADDR_ERROR"
	case EventRouteResolved:
		return "ROUTE_RESOLVED"
	case EventRouteError:
		return "ROUTE_ERROR"
	case EventConnectRequest:
		return "CONNECT_REQUEST"
	case EventConnectResponse:
		return "CONNECT_RESPONSE"
	case EventConnectError:
		return "CONNECT_ERROR"
	case EventUnreachable:
		return "UNREACHABLE"
	case EventRejected:
		return "REJECTED"
	case EventEstablished:
		return "ESTABLISHED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventDeviceRemoval:
		return "DEVICE_REMOVAL"
	case EventAddrChange:
		return "ADDR_CHANGE"
	case EventTimewaitExit:
		return "TIMEWAIT_EXIT"
	default:
		return fmt.Sprintf("EVENT(%d)", int(t))
	}
}

// CMEvent is one connection manager event. For EventConnectRequest, ID is the
// newly created id of the incoming connection and ListenID the listening id.
type CMEvent struct {
	Type     EventType
	ID       CMID
	ListenID CMID
	Status   int
}

// WCStatus is a work completion status. Values match enum ibv_wc_status.
type WCStatus int

const (
	WCSuccess        WCStatus = 0
	WCLocLenErr      WCStatus = 1
	WCLocQPOpErr     WCStatus = 2
	WCLocProtErr     WCStatus = 4
	WCWRFlushErr     WCStatus = 5
	WCRemAccessErr   WCStatus = 10
	WCRemOpErr       WCStatus = 11
	WCRetryExcErr    WCStatus = 12
	WCRNRRetryExcErr WCStatus = 13
	WCGeneralErr     WCStatus = 21
)

func (s WCStatus) String() string {
	switch s {
	case WCSuccess:
		return "success"
	case WCLocLenErr:
		return "local length error"
	case WCLocQPOpErr:
		return "local QP operation error"
	case WCLocProtErr:
		return "local protection error"
	case WCWRFlushErr:
		return "Work Request Flushed Error"
	case WCRemAccessErr:
		return "remote access error"
	case WCRemOpErr:
		return "remote operation error"
	case WCRetryExcErr:
		return "transport retry counter exceeded"
	case WCRNRRetryExcErr:
		return "RNR retry counter exceeded"
	case WCGeneralErr:
		return "general error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// WCOpcode is a work completion opcode. Values match enum ibv_wc_opcode.
type WCOpcode int

const (
	WCSend            WCOpcode = 0
	WCRDMAWrite       WCOpcode = 1
	WCRDMARead        WCOpcode = 2
	WCRecv            WCOpcode = 1 << 7
	WCRecvRDMAWithImm WCOpcode = WCRecv + 1
)

// WCFlags mirrors enum ibv_wc_flags.
type WCFlags uint32

const (
	WCFlagGRH     WCFlags = 1 << 0
	WCFlagWithImm WCFlags = 1 << 1
)

// WorkCompletion is the Go version of struct ibv_wc.
type WorkCompletion struct {
	WRID      uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
	ByteLen   uint32
	QPNum     uint32 // local QP the work request was posted on
	SrcQP     uint32
	Flags     WCFlags
	ImmData   uint32
}

// HasImm reports whether the completion carries immediate data.
func (wc *WorkCompletion) HasImm() bool {
	return wc.Flags&WCFlagWithImm != 0
}

// SGE is a scatter/gather element.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// SendOpcode mirrors enum ibv_wr_opcode.
type SendOpcode int

const (
	OpRDMAWrite        SendOpcode = 0
	OpRDMAWriteWithImm SendOpcode = 1
	OpSend             SendOpcode = 2
	OpSendWithImm      SendOpcode = 3
)

// SendFlags mirrors enum ibv_send_flags.
type SendFlags uint32

const (
	SendFence     SendFlags = 1 << 0
	SendSignaled  SendFlags = 1 << 1
	SendSolicited SendFlags = 1 << 2
	SendInline    SendFlags = 1 << 3
)

// SendWR is one send work request. A slice of SendWR is posted as a linked
// chain in order.
type SendWR struct {
	WRID    uint64
	SGList  []SGE
	Opcode  SendOpcode
	Flags   SendFlags
	ImmData uint32
}

// RecvWR is one receive work request.
type RecvWR struct {
	WRID   uint64
	SGList []SGE
}

// AccessFlags mirrors enum ibv_access_flags.
type AccessFlags uint32

const (
	AccessLocalWrite  AccessFlags = 1 << 0
	AccessRemoteWrite AccessFlags = 1 << 1
	AccessRemoteRead  AccessFlags = 1 << 2
)

// QPType mirrors enum ibv_qp_type.
type QPType int

const (
	QPTypeRC QPType = 2
	QPTypeUC QPType = 3
	QPTypeUD QPType = 4
)

func (t QPType) String() string {
	switch t {
	case QPTypeRC:
		return "RC"
	case QPTypeUC:
		return "UC"
	case QPTypeUD:
		return "UD"
	default:
		return fmt.Sprintf("QPType(%d)", int(t))
	}
}

// ParseQPType converts a transport mode name into a QPType.
func ParseQPType(s string) (QPType, error) {
	switch s {
	case "RC", "rc":
		return QPTypeRC, nil
	case "UC", "uc":
		return QPTypeUC, nil
	case "UD", "ud":
		return QPTypeUD, nil
	default:
		return 0, fmt.Errorf("unknown qp transport mode %q", s)
	}
}

// QPInitAttr describes a queue pair to create.
type QPInitAttr struct {
	Type          QPType
	SendCQ        CompletionQueue
	RecvCQ        CompletionQueue
	SRQ           SharedReceiveQueue // optional
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSGE    uint32
	MaxRecvSGE    uint32
	MaxInlineData uint32
}

// ConnParam mirrors struct rdma_conn_param.
type ConnParam struct {
	ResponderResources uint8
	InitiatorDepth     uint8
	RetryCount         uint8
	RNRRetryCount      uint8
}

// Fabric creates connection manager objects on one RDMA provider.
type Fabric interface {
	Name() string
	CreateEventChannel() (EventChannel, error)
	CreateID(ch EventChannel) (CMID, error)
	Close() error
}

// EventChannel delivers connection manager events. GetEvent blocks until an
// event arrives or the channel is closed, in which case it returns
// ErrChannelClosed.
type EventChannel interface {
	GetEvent() (*CMEvent, error)
	Close() error
}

// CMID is a connection manager identifier (struct rdma_cm_id).
type CMID interface {
	BindAddr(addr string) error
	Listen(backlog int) error
	ResolveAddr(dst string, timeout time.Duration) error
	ResolveRoute(timeout time.Duration) error
	Connect(param ConnParam) error
	Accept(param ConnParam) error
	Reject() error
	Disconnect() error
	Migrate(ch EventChannel) error
	// Context returns the device context the id is bound to. It is nil until
	// the address is bound or resolved.
	Context() DeviceContext
	CreateQP(pd ProtectionDomain, attr *QPInitAttr) (QueuePair, error)
	QP() QueuePair
	LocalAddr() string
	RemoteAddr() string
	Destroy() error
}

// DeviceContext is an opened RDMA device (struct ibv_context).
type DeviceContext interface {
	Name() string
	AllocPD() (ProtectionDomain, error)
	CreateCompChannel() (CompChannel, error)
	CreateCQ(cqe int, ch CompChannel) (CompletionQueue, error)
}

// ProtectionDomain owns memory registrations and shared receive queues.
type ProtectionDomain interface {
	RegMR(buf []byte, access AccessFlags) (MemoryRegion, error)
	CreateSRQ(maxWR, maxSGE uint32) (SharedReceiveQueue, error)
	Dealloc() error
}

// CompChannel is a completion event channel. GetCQEvent blocks until an armed
// completion queue has a new entry or the channel is closed.
type CompChannel interface {
	GetCQEvent() (CompletionQueue, error)
	Close() error
}

// CompletionQueue is a completion queue. Poll is non-blocking and returns the
// number of entries written into wcs.
type CompletionQueue interface {
	ReqNotify() error
	AckEvents(n int)
	Poll(wcs []WorkCompletion) (int, error)
	Destroy() error
}

// QueuePair is a connected queue pair.
type QueuePair interface {
	Num() uint32
	PostSend(wrs []SendWR) error
	PostRecv(wr RecvWR) error
	Destroy() error
}

// SharedReceiveQueue is a receive queue shared by queue pairs.
type SharedReceiveQueue interface {
	PostRecv(wr RecvWR) error
	Destroy() error
}

// MemoryRegion is a registered memory region.
type MemoryRegion interface {
	LKey() uint32
	RKey() uint32
	Addr() uint64
	Bytes() []byte
	Dereg() error
}
