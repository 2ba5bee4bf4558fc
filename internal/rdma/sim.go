package rdma

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	simDeviceName = "sim_0"
	// simRejectStatus is the reject reason reported when no listener exists
	// (IB_CM_REJ_CONSUMER_DEFINED).
	simRejectStatus = 28
	simFirstQPN     = 0x100
	simFirstPort    = 40000
)

// SimFabric is an in-process reliable-connected fabric. It implements the
// connection manager handshake (address and route resolution, connect
// requests, id migration, accept/reject, disconnect) and the verbs data path
// (scatter/gather copies between registered regions, immediate data, receive
// not ready waits, shared receive queues, armed completion notification and
// flushing of outstanding work requests when a queue pair enters the error
// state).
//
// All fabric state is guarded by one mutex, so work requests posted on a queue
// pair complete in posting order.
type SimFabric struct {
	mu        sync.Mutex
	device    *simDevice
	listeners map[string]*simID
	bound     map[string]*simID
	mrs       map[uint32]*simMR
	faults    map[EventType]int
	nextQPN   uint32
	nextKey   uint32
	nextPort  int
}

// NewSimFabric creates an empty simulated fabric with one device.
func NewSimFabric() *SimFabric {
	f := &SimFabric{
		listeners: make(map[string]*simID),
		bound:     make(map[string]*simID),
		mrs:       make(map[uint32]*simMR),
		faults:    make(map[EventType]int),
		nextQPN:   simFirstQPN,
		nextKey:   1,
		nextPort:  simFirstPort,
	}
	f.device = &simDevice{fabric: f}
	return f
}

// Name returns FabricSim.
func (f *SimFabric) Name() string { return FabricSim }

// FailNext makes the next handshake step that would otherwise succeed report
// the given failure event instead. Supported events are EventAddrError,
// EventRouteError, EventUnreachable, EventConnectError and EventRejected.
func (f *SimFabric) FailNext(ev EventType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[ev]++
}

func (f *SimFabric) takeFaultLocked(ev EventType) bool {
	if f.faults[ev] == 0 {
		return false
	}
	f.faults[ev]--
	return true
}

// CreateEventChannel creates a connection manager event channel.
func (f *SimFabric) CreateEventChannel() (EventChannel, error) {
	return newSimEventChannel(), nil
}

// CreateID creates an id whose events are delivered on ch.
func (f *SimFabric) CreateID(ch EventChannel) (CMID, error) {
	sch, ok := ch.(*simEventChannel)
	if !ok {
		return nil, fmt.Errorf("event channel %T does not belong to the simulated fabric", ch)
	}
	return &simID{fabric: f, ch: sch}, nil
}

// Close releases the fabric. Objects created from it must not be used
// afterwards.
func (f *SimFabric) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = make(map[string]*simID)
	f.bound = make(map[string]*simID)
	return nil
}

// simEventChannel is an unbounded event queue with a close signal.
type simEventChannel struct {
	mu        sync.Mutex
	queue     []*CMEvent
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSimEventChannel() *simEventChannel {
	return &simEventChannel{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (c *simEventChannel) post(ev *CMEvent) {
	c.mu.Lock()
	c.queue = append(c.queue, ev)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *simEventChannel) GetEvent() (*CMEvent, error) {
	for {
		select {
		case <-c.done:
			return nil, ErrChannelClosed
		default:
		}

		c.mu.Lock()
		if len(c.queue) > 0 {
			ev := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return ev, nil
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-c.done:
			return nil, ErrChannelClosed
		}
	}
}

func (c *simEventChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

type simIDState int

const (
	simIDIdle simIDState = iota
	simIDBound
	simIDListening
	simIDAddrResolved
	simIDRouteResolved
	simIDConnecting
	simIDConnected
	simIDDisconnected
	simIDDestroyed
)

// simID is a connection manager id on the simulated fabric.
type simID struct {
	fabric   *SimFabric
	ch       *simEventChannel
	state    simIDState
	local    string
	remote   string
	listener *simID
	peer     *simID
	qp       *simQP
	ctx      DeviceContext
}

func (id *simID) BindAddr(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid bind address %q: %w", addr, err)
	}
	f := id.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.state == simIDDestroyed {
		return ErrDestroyed
	}
	if _, ok := f.bound[addr]; ok {
		return fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}
	f.bound[addr] = id
	id.local = addr
	id.state = simIDBound
	id.ctx = f.device
	return nil
}

func (id *simID) Listen(backlog int) error {
	f := id.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.state != simIDBound {
		return fmt.Errorf("listen on unbound id: %w", ErrAddrNotResolved)
	}
	f.listeners[id.local] = id
	id.state = simIDListening
	log.Trace().Str("addr", id.local).Int("backlog", backlog).Msg("Simulated fabric: listening")
	return nil
}

func (id *simID) ResolveAddr(dst string, timeout time.Duration) error {
	if _, _, err := net.SplitHostPort(dst); err != nil {
		return fmt.Errorf("invalid destination address %q: %w", dst, err)
	}
	f := id.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.state == simIDDestroyed {
		return ErrDestroyed
	}
	if f.takeFaultLocked(EventAddrError) {
		id.ch.post(&CMEvent{Type: EventAddrError, ID: id, Status: -110})
		return nil
	}
	if id.local == "" {
		id.local = fmt.Sprintf("127.0.0.1:%d", f.nextPort)
		f.nextPort++
	}
	id.remote = dst
	id.ctx = f.device
	id.state = simIDAddrResolved
	id.ch.post(&CMEvent{Type: EventAddrResolved, ID: id})
	return nil
}

func (id *simID) ResolveRoute(timeout time.Duration) error {
	f := id.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.state != simIDAddrResolved {
		return ErrAddrNotResolved
	}
	if f.takeFaultLocked(EventRouteError) {
		id.ch.post(&CMEvent{Type: EventRouteError, ID: id, Status: -110})
		return nil
	}
	id.state = simIDRouteResolved
	id.ch.post(&CMEvent{Type: EventRouteResolved, ID: id})
	return nil
}

func (id *simID) Connect(param ConnParam) error {
	f := id.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.state != simIDRouteResolved {
		return fmt.Errorf("connect before route resolution: %w", ErrAddrNotResolved)
	}
	if id.qp == nil {
		return ErrNoQP
	}
	for _, ev := range []EventType{EventUnreachable, EventConnectError, EventRejected} {
		if f.takeFaultLocked(ev) {
			id.ch.post(&CMEvent{Type: ev, ID: id, Status: simRejectStatus})
			return nil
		}
	}

	listener, ok := f.listeners[id.remote]
	if !ok || listener.state != simIDListening {
		id.ch.post(&CMEvent{Type: EventRejected, ID: id, Status: simRejectStatus})
		return nil
	}

	passive := &simID{
		fabric:   f,
		ch:       listener.ch,
		state:    simIDConnecting,
		local:    listener.local,
		remote:   id.local,
		listener: listener,
		peer:     id,
		ctx:      f.device,
	}
	id.peer = passive
	id.state = simIDConnecting
	listener.ch.post(&CMEvent{Type: EventConnectRequest, ID: passive, ListenID: listener})
	return nil
}

func (id *simID) Accept(param ConnParam) error {
	f := id.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.state != simIDConnecting || id.listener == nil || id.peer == nil {
		return fmt.Errorf("accept on id without a pending request: %w", ErrNotConnected)
	}
	if id.qp == nil {
		return ErrNoQP
	}
	active := id.peer
	if active.state != simIDConnecting || active.qp == nil {
		return ErrNotConnected
	}

	id.qp.peer = active.qp
	active.qp.peer = id.qp
	id.qp.state = simQPReady
	active.qp.state = simQPReady
	id.state = simIDConnected
	active.state = simIDConnected

	id.ch.post(&CMEvent{Type: EventEstablished, ID: id})
	active.ch.post(&CMEvent{Type: EventEstablished, ID: active})
	return nil
}

func (id *simID) Reject() error {
	f := id.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.state != simIDConnecting || id.peer == nil {
		return ErrNotConnected
	}
	active := id.peer
	id.state = simIDDisconnected
	active.state = simIDDisconnected
	active.peer = nil
	id.peer = nil
	active.ch.post(&CMEvent{Type: EventRejected, ID: active, Status: simRejectStatus})
	return nil
}

func (id *simID) Disconnect() error {
	f := id.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.state != simIDConnected {
		return ErrNotConnected
	}
	f.disconnectLocked(id)
	return nil
}

// disconnectLocked moves both ends of a connection to the disconnected state,
// flushes their queue pairs and reports DISCONNECTED on each side.
func (f *SimFabric) disconnectLocked(id *simID) {
	for _, end := range []*simID{id, id.peer} {
		if end == nil || end.state != simIDConnected {
			continue
		}
		end.state = simIDDisconnected
		if end.qp != nil {
			f.errorQPLocked(end.qp)
		}
		end.ch.post(&CMEvent{Type: EventDisconnected, ID: end})
	}
}

func (id *simID) Migrate(ch EventChannel) error {
	sch, ok := ch.(*simEventChannel)
	if !ok {
		return fmt.Errorf("event channel %T does not belong to the simulated fabric", ch)
	}
	f := id.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	id.ch = sch
	return nil
}

func (id *simID) Context() DeviceContext {
	f := id.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	return id.ctx
}

func (id *simID) CreateQP(pd ProtectionDomain, attr *QPInitAttr) (QueuePair, error) {
	if attr.Type != QPTypeRC {
		return nil, fmt.Errorf("simulated fabric supports RC queue pairs only, got %s", attr.Type)
	}
	spd, ok := pd.(*simPD)
	if !ok {
		return nil, fmt.Errorf("protection domain %T does not belong to the simulated fabric", pd)
	}
	sendCQ, ok := attr.SendCQ.(*simCQ)
	if !ok {
		return nil, fmt.Errorf("send CQ %T does not belong to the simulated fabric", attr.SendCQ)
	}
	recvCQ, ok := attr.RecvCQ.(*simCQ)
	if !ok {
		return nil, fmt.Errorf("recv CQ %T does not belong to the simulated fabric", attr.RecvCQ)
	}
	var srq *simSRQ
	if attr.SRQ != nil {
		if srq, ok = attr.SRQ.(*simSRQ); !ok {
			return nil, fmt.Errorf("SRQ %T does not belong to the simulated fabric", attr.SRQ)
		}
	}

	f := id.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.ctx == nil {
		return nil, fmt.Errorf("create QP on unresolved id: %w", ErrAddrNotResolved)
	}
	if id.qp != nil {
		return nil, fmt.Errorf("id already has QP 0x%x", id.qp.num)
	}
	qp := &simQP{
		fabric:  f,
		num:     f.nextQPN,
		pd:      spd,
		sendCQ:  sendCQ,
		recvCQ:  recvCQ,
		srq:     srq,
		maxSend: int(attr.MaxSendWR),
		maxRecv: int(attr.MaxRecvWR),
	}
	f.nextQPN++
	if srq != nil {
		srq.qps = append(srq.qps, qp)
	}
	id.qp = qp
	return qp, nil
}

func (id *simID) QP() QueuePair {
	f := id.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.qp == nil {
		return nil
	}
	return id.qp
}

func (id *simID) LocalAddr() string {
	f := id.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	return id.local
}

func (id *simID) RemoteAddr() string {
	f := id.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	return id.remote
}

func (id *simID) Destroy() error {
	f := id.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.state == simIDDestroyed {
		return nil
	}
	if id.state == simIDConnected {
		f.disconnectLocked(id)
	}
	if id.local != "" {
		if f.bound[id.local] == id {
			delete(f.bound, id.local)
		}
		if f.listeners[id.local] == id {
			delete(f.listeners, id.local)
		}
	}
	id.state = simIDDestroyed
	return nil
}
