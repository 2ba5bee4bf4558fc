package rdma

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddr = "127.0.0.1:7471"

type simEndpoint struct {
	ch   EventChannel
	id   CMID
	pd   ProtectionDomain
	cch  CompChannel
	cq   CompletionQueue
	qp   QueuePair
	mr   MemoryRegion
	buf  []byte
	srq  SharedReceiveQueue
	done func()
}

func expectEvent(t *testing.T, ch EventChannel, want EventType) *CMEvent {
	t.Helper()
	ev, err := ch.GetEvent()
	require.NoError(t, err)
	require.Equal(t, want, ev.Type, "unexpected event %s", ev.Type)
	return ev
}

// setupVerbs allocates a PD, a CQ with completion channel, a registered buffer
// and an RC QP on id.
func setupVerbs(t *testing.T, id CMID, useSRQ bool) *simEndpoint {
	t.Helper()
	ctx := id.Context()
	require.NotNil(t, ctx)
	pd, err := ctx.AllocPD()
	require.NoError(t, err)
	cch, err := ctx.CreateCompChannel()
	require.NoError(t, err)
	cq, err := ctx.CreateCQ(64, cch)
	require.NoError(t, err)
	region, err := AllocRegion(8*64, false)
	require.NoError(t, err)
	mr, err := pd.RegMR(region.Bytes(), AccessLocalWrite|AccessRemoteRead|AccessRemoteWrite)
	require.NoError(t, err)

	attr := &QPInitAttr{Type: QPTypeRC, SendCQ: cq, RecvCQ: cq, MaxSendWR: 8, MaxRecvWR: 8, MaxSendSGE: 1, MaxRecvSGE: 1}
	ep := &simEndpoint{id: id, pd: pd, cch: cch, cq: cq, mr: mr, buf: region.Bytes()}
	if useSRQ {
		ep.srq, err = pd.CreateSRQ(16, 1)
		require.NoError(t, err)
		attr.SRQ = ep.srq
	}
	ep.qp, err = id.CreateQP(pd, attr)
	require.NoError(t, err)
	ep.done = func() {
		_ = ep.qp.Destroy()
		_ = mr.Dereg()
		_ = region.Free()
	}
	return ep
}

func (ep *simEndpoint) sge(slot int, n uint32) SGE {
	return SGE{Addr: ep.mr.Addr() + uint64(slot*64), Length: n, LKey: ep.mr.LKey()}
}

func (ep *simEndpoint) postRecv(t *testing.T, slot int) {
	t.Helper()
	wr := RecvWR{WRID: uint64(slot + 1), SGList: []SGE{ep.sge(slot, 64)}}
	if ep.srq != nil {
		require.NoError(t, ep.srq.PostRecv(wr))
		return
	}
	require.NoError(t, ep.qp.PostRecv(wr))
}

func pollOne(t *testing.T, cq CompletionQueue) WorkCompletion {
	t.Helper()
	wcs := make([]WorkCompletion, 1)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := cq.Poll(wcs)
		require.NoError(t, err)
		if n == 1 {
			return wcs[0]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for a completion")
	return WorkCompletion{}
}

// connectPair runs the full CM handshake on f and returns both endpoints.
func connectPair(t *testing.T, f *SimFabric, useSRQ bool) (server, client *simEndpoint) {
	t.Helper()

	lch, err := f.CreateEventChannel()
	require.NoError(t, err)
	listenID, err := f.CreateID(lch)
	require.NoError(t, err)
	require.NoError(t, listenID.BindAddr(testAddr))
	require.NoError(t, listenID.Listen(1))

	cch, err := f.CreateEventChannel()
	require.NoError(t, err)
	cid, err := f.CreateID(cch)
	require.NoError(t, err)
	require.NoError(t, cid.ResolveAddr(testAddr, time.Second))
	expectEvent(t, cch, EventAddrResolved)
	require.NoError(t, cid.ResolveRoute(time.Second))
	expectEvent(t, cch, EventRouteResolved)

	client = setupVerbs(t, cid, useSRQ)
	client.ch = cch
	require.NoError(t, cid.Connect(ConnParam{ResponderResources: 1, RetryCount: 7, RNRRetryCount: 7}))

	req := expectEvent(t, lch, EventConnectRequest)
	assert.Same(t, listenID, req.ListenID)

	// Move the new id to its own channel, as the transport does.
	sch, err := f.CreateEventChannel()
	require.NoError(t, err)
	require.NoError(t, req.ID.Migrate(sch))
	server = setupVerbs(t, req.ID, useSRQ)
	server.ch = sch
	require.NoError(t, req.ID.Accept(ConnParam{ResponderResources: 1}))

	expectEvent(t, sch, EventEstablished)
	expectEvent(t, cch, EventEstablished)
	return server, client
}

func TestSimHandshakeAndSend(t *testing.T) {
	for _, useSRQ := range []bool{false, true} {
		f := NewSimFabric()
		server, client := connectPair(t, f, useSRQ)

		server.postRecv(t, 0)
		copy(client.buf[0:], "hello server\x00")
		require.NoError(t, client.qp.PostSend([]SendWR{{
			WRID:   1,
			SGList: []SGE{client.sge(0, 13)},
			Opcode: OpSend,
			Flags:  SendSignaled,
		}}))

		recv := pollOne(t, server.cq)
		assert.Equal(t, WCSuccess, recv.Status)
		assert.Equal(t, WCRecv, recv.Opcode)
		assert.Equal(t, uint32(13), recv.ByteLen)
		assert.Equal(t, uint64(1), recv.WRID)
		assert.Equal(t, server.qp.Num(), recv.QPNum)
		assert.False(t, recv.HasImm())
		assert.Equal(t, "hello server\x00", string(server.buf[:13]))

		send := pollOne(t, client.cq)
		assert.Equal(t, WCSuccess, send.Status)
		assert.Equal(t, WCSend, send.Opcode)
		assert.Equal(t, client.qp.Num(), send.QPNum)

		server.done()
		client.done()
	}
}

func TestSimReceiverNotReadyWaits(t *testing.T) {
	f := NewSimFabric()
	server, client := connectPair(t, f, false)
	defer server.done()
	defer client.done()

	require.NoError(t, client.qp.PostSend([]SendWR{
		{WRID: 1, SGList: []SGE{client.sge(0, 4)}, Opcode: OpSend, Flags: SendSignaled},
		{WRID: 2, Opcode: OpSendWithImm, Flags: SendSignaled, ImmData: 0xCAFEBEEF},
	}))

	wcs := make([]WorkCompletion, 4)
	n, err := client.cq.Poll(wcs)
	require.NoError(t, err)
	assert.Zero(t, n, "sends must wait for a posted receive")

	server.postRecv(t, 0)
	server.postRecv(t, 1)

	first := pollOne(t, server.cq)
	assert.Equal(t, uint32(4), first.ByteLen)
	second := pollOne(t, server.cq)
	assert.True(t, second.HasImm())
	assert.Equal(t, uint32(0xCAFEBEEF), second.ImmData)
	assert.Zero(t, second.ByteLen)

	assert.Equal(t, uint64(1), pollOne(t, client.cq).WRID)
	assert.Equal(t, uint64(2), pollOne(t, client.cq).WRID)
}

func TestSimArmedNotification(t *testing.T) {
	f := NewSimFabric()
	server, client := connectPair(t, f, false)
	defer server.done()
	defer client.done()

	require.NoError(t, server.cq.ReqNotify())
	server.postRecv(t, 0)
	require.NoError(t, client.qp.PostSend([]SendWR{{WRID: 1, SGList: []SGE{client.sge(0, 8)}, Opcode: OpSend, Flags: SendSignaled}}))

	cq, err := server.cch.GetCQEvent()
	require.NoError(t, err)
	assert.Same(t, server.cq, cq)
	cq.AckEvents(1)

	// Not re-armed: a second completion raises no event.
	server.postRecv(t, 1)
	require.NoError(t, client.qp.PostSend([]SendWR{{WRID: 2, SGList: []SGE{client.sge(1, 8)}, Opcode: OpSend, Flags: SendSignaled}}))
	select {
	case <-server.cch.(*simCompChannel).events:
		t.Fatal("unexpected completion event on a disarmed CQ")
	default:
	}

	wcs := make([]WorkCompletion, 8)
	n, err := server.cq.Poll(wcs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, server.cch.Close())
	_, err = server.cch.GetCQEvent()
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestSimDisconnectFlushes(t *testing.T) {
	f := NewSimFabric()
	server, client := connectPair(t, f, false)
	defer server.done()
	defer client.done()

	server.postRecv(t, 0)
	server.postRecv(t, 1)
	require.NoError(t, client.id.Disconnect())

	expectEvent(t, client.ch, EventDisconnected)
	expectEvent(t, server.ch, EventDisconnected)

	for i := 0; i < 2; i++ {
		wc := pollOne(t, server.cq)
		assert.Equal(t, WCWRFlushErr, wc.Status)
		assert.Equal(t, WCRecv, wc.Opcode)
	}

	assert.ErrorIs(t, client.id.Disconnect(), ErrNotConnected)

	// Posting on an errored QP completes with a flush error.
	require.NoError(t, client.qp.PostSend([]SendWR{{WRID: 9, Opcode: OpSend, Flags: SendSignaled}}))
	wc := pollOne(t, client.cq)
	assert.Equal(t, WCWRFlushErr, wc.Status)
	assert.Equal(t, uint64(9), wc.WRID)
}

func TestSimSendToDestroyedPeer(t *testing.T) {
	f := NewSimFabric()
	server, client := connectPair(t, f, false)
	defer client.done()

	server.done()
	require.NoError(t, client.qp.PostSend([]SendWR{{WRID: 3, Opcode: OpSend, Flags: SendSignaled}}))
	wc := pollOne(t, client.cq)
	assert.Equal(t, WCRetryExcErr, wc.Status)
}

func TestSimLengthError(t *testing.T) {
	f := NewSimFabric()
	server, client := connectPair(t, f, false)
	defer server.done()
	defer client.done()

	require.NoError(t, server.qp.PostRecv(RecvWR{WRID: 1, SGList: []SGE{server.sge(0, 4)}}))
	require.NoError(t, client.qp.PostSend([]SendWR{{WRID: 1, SGList: []SGE{client.sge(0, 16)}, Opcode: OpSend, Flags: SendSignaled}}))

	assert.Equal(t, WCLocLenErr, pollOne(t, server.cq).Status)
	assert.Equal(t, WCRemOpErr, pollOne(t, client.cq).Status)
}

func TestSimConnectWithoutListenerIsRejected(t *testing.T) {
	f := NewSimFabric()
	ch, err := f.CreateEventChannel()
	require.NoError(t, err)
	id, err := f.CreateID(ch)
	require.NoError(t, err)

	require.NoError(t, id.ResolveAddr("127.0.0.1:1", time.Second))
	expectEvent(t, ch, EventAddrResolved)
	require.NoError(t, id.ResolveRoute(time.Second))
	expectEvent(t, ch, EventRouteResolved)
	ep := setupVerbs(t, id, false)
	defer ep.done()

	require.NoError(t, id.Connect(ConnParam{}))
	ev := expectEvent(t, ch, EventRejected)
	assert.Equal(t, simRejectStatus, ev.Status)
}

func TestSimFailNext(t *testing.T) {
	f := NewSimFabric()
	ch, err := f.CreateEventChannel()
	require.NoError(t, err)
	id, err := f.CreateID(ch)
	require.NoError(t, err)

	f.FailNext(EventAddrError)
	require.NoError(t, id.ResolveAddr(testAddr, time.Second))
	expectEvent(t, ch, EventAddrError)

	require.NoError(t, id.ResolveAddr(testAddr, time.Second))
	expectEvent(t, ch, EventAddrResolved)

	f.FailNext(EventRouteError)
	require.NoError(t, id.ResolveRoute(time.Second))
	expectEvent(t, ch, EventRouteError)
}

func TestSimBindAddrInUse(t *testing.T) {
	f := NewSimFabric()
	ch, err := f.CreateEventChannel()
	require.NoError(t, err)
	a, err := f.CreateID(ch)
	require.NoError(t, err)
	b, err := f.CreateID(ch)
	require.NoError(t, err)

	require.NoError(t, a.BindAddr(testAddr))
	assert.ErrorIs(t, b.BindAddr(testAddr), ErrAddrInUse)

	require.NoError(t, a.Destroy())
	assert.NoError(t, b.BindAddr(testAddr))
}

func TestSimEventChannelClose(t *testing.T) {
	f := NewSimFabric()
	ch, err := f.CreateEventChannel()
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.GetEvent()
		errCh <- err
	}()
	require.NoError(t, ch.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("GetEvent did not return after Close")
	}
}

func TestScatter(t *testing.T) {
	a := make([]byte, 3)
	b := make([]byte, 5)
	scatter([][]byte{a, b}, [][]byte{[]byte("hel"), []byte("lo!")})
	assert.Equal(t, "hel", string(a))
	assert.Equal(t, "lo!\x00\x00", string(b))
}

func TestParseQPType(t *testing.T) {
	qpType, err := ParseQPType("RC")
	require.NoError(t, err)
	assert.Equal(t, QPTypeRC, qpType)
	assert.Equal(t, "RC", qpType.String())

	_, err = ParseQPType("XRC")
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	f, err := Open(FabricSim)
	require.NoError(t, err)
	assert.Equal(t, FabricSim, f.Name())

	_, err = Open("tcp")
	assert.ErrorIs(t, err, ErrUnknownFabric)
}
