package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/rdmamsg/internal/chunk"
	"github.com/yuuki/rdmamsg/internal/rdma"
)

var (
	helloServer = []byte("hello server\x00")
	helloClient = []byte("hello client\x00")
)

func TestAcceptAndConnectFireOnce(t *testing.T) {
	server := new(MockHandler)
	client := new(MockHandler)
	accepted := make(chan *Connection, 1)
	server.On("HandleEvent", mock.AnythingOfType("transport.Accepted")).
		Run(func(args mock.Arguments) {
			conn := args.Get(0).(Accepted).Conn
			assert.Equal(t, ConnActive, conn.State())
			accepted <- conn
		}).Once()
	client.On("HandleEvent", mock.AnythingOfType("transport.Connected")).
		Run(func(args mock.Arguments) {
			assert.Equal(t, ConnActive, args.Get(0).(Connected).Conn.State())
		}).Once()

	p := newPair(t, testConfig(), server, client)
	conn := p.connect(t)
	serverConn := waitConn(t, accepted)

	assert.Equal(t, StateConnected, p.connector.State())
	assert.Equal(t, ConnActive, conn.State())
	assert.Equal(t, conn.LocalAddr(), serverConn.RemoteAddr())
	assert.Equal(t, testAddr, conn.RemoteAddr())
	assert.Equal(t, 1, p.acceptor.Registry().Len())
	assert.Equal(t, 1, p.connector.Registry().Len())

	// Connected has been dispatched by the time Connect returns.
	client.AssertExpectations(t)
	server.AssertExpectations(t)
}

func TestSendReceive(t *testing.T) {
	for _, useSRQ := range []bool{true, false} {
		cfg := testConfig()
		cfg.UseSRQ = useSRQ
		server := newRecorder()
		client := newRecorder()
		p := newPair(t, cfg, server, client)

		conn := p.connect(t)
		require.NoError(t, conn.AsyncSend(helloServer))

		msg := waitMessage(t, server.received)
		assert.Len(t, msg.payload, 13, "srq=%v", useSRQ)
		assert.Equal(t, helloServer, msg.payload)
		assert.True(t, msg.recv)

		// The receive chunk is reposted once the handler returns and the send
		// chunk returns to the free list once its completion is polled.
		assert.Eventually(t, func() bool {
			return msg.conn.RecvStats() == chunk.Stats{Posted: 8} &&
				conn.SendStats() == chunk.Stats{Free: 8}
		}, 5*time.Second, time.Millisecond)
	}
}

func TestSendVDeliversInOrder(t *testing.T) {
	server := newRecorder()
	p := newPair(t, testConfig(), server, nil)
	conn := p.connect(t)

	require.NoError(t, conn.AsyncSendV([][]byte{[]byte("one"), []byte("two"), []byte("three")}))
	for _, want := range []string{"one", "two", "three"} {
		assert.Equal(t, want, string(waitMessage(t, server.received).payload))
	}
}

func TestZeroCopySend(t *testing.T) {
	server := newRecorder()
	p := newPair(t, testConfig(), server, nil)
	conn := p.connect(t)

	ch, err := conn.GetChunk()
	require.NoError(t, err)
	n := copy(ch.Buffer(), "filled in place")
	require.NoError(t, conn.SendChunk(ch, n))
	assert.Equal(t, "filled in place", string(waitMessage(t, server.received).payload))
}

func TestPerConnectionHandler(t *testing.T) {
	stackHandler := newRecorder()
	connHandler := newRecorder()
	accepted := make(chan *Connection, 1)
	server := HandlerFunc(func(ev Event) {
		if a, ok := ev.(Accepted); ok {
			a.Conn.SetHandler(connHandler)
			accepted <- a.Conn
			return
		}
		stackHandler.HandleEvent(ev)
	})
	p := newPair(t, testConfig(), server, nil)
	conn := p.connect(t)
	waitConn(t, accepted)

	require.NoError(t, conn.AsyncSend([]byte("direct")))
	assert.Equal(t, "direct", string(waitMessage(t, connHandler.received).payload))
	assert.Equal(t, 0, stackHandler.receivedCount())
}

func TestFinishTearsDownBothSides(t *testing.T) {
	server := newRecorder()
	client := newRecorder()
	p := newPair(t, testConfig(), server, client)

	conn := p.connect(t)
	serverConn := waitConn(t, server.accepted)
	require.NoError(t, conn.AsyncSend(helloServer))
	waitMessage(t, server.received)
	before := server.receivedCount()

	require.NoError(t, conn.Finish())

	assert.Eventually(t, func() bool {
		return conn.State() == ConnClose && serverConn.State() == ConnClose
	}, 5*time.Second, time.Millisecond)
	assert.Eventually(t, func() bool {
		return p.acceptor.Registry().Len() == 0 && p.connector.Registry().Len() == 0
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, before, server.receivedCount(), "the FIN is not delivered as a message")
	assert.ErrorIs(t, conn.AsyncSend([]byte("late")), ErrConnectionClosed)
}

func TestCompletionErrorClosesConnection(t *testing.T) {
	server := newRecorder()
	p := newPair(t, testConfig(), server, nil)
	conn := p.connect(t)
	serverConn := waitConn(t, server.accepted)

	// Destroying the server's queue pair under it makes the client's next
	// send fail.
	require.NoError(t, serverConn.qp.Destroy())
	_ = conn.AsyncSend([]byte("lost"))

	assert.Eventually(t, func() bool {
		return conn.State() == ConnClose
	}, 5*time.Second, time.Millisecond)
	assert.Nil(t, p.connector.Registry().Get(conn.QPNum()))
}

func TestHandlerMayCloseConnection(t *testing.T) {
	server := newRecorder()
	var calls atomic.Int32
	server.setOnRecv(func(ev Received) {
		calls.Add(1)
		assert.NoError(t, ev.Conn.Close())
	})
	p := newPair(t, testConfig(), server, nil)
	conn := p.connect(t)

	require.NoError(t, conn.AsyncSend([]byte("bye")))
	assert.Eventually(t, func() bool {
		return conn.State() == ConnClose && p.acceptor.Registry().Len() == 0
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConnectWithoutListener(t *testing.T) {
	fabric := rdma.NewSimFabric()
	connector := NewConnector(testConfig(), fabric, nil)
	t.Cleanup(func() {
		_ = connector.Shutdown()
		connector.Join()
	})

	_, err := connector.Connect(context.Background(), testAddr)
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, PhaseConnect, hsErr.Phase)
	assert.Equal(t, rdma.EventRejected, hsErr.Event)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Equal(t, StateError, connector.State())
	assert.Equal(t, 0, connector.Registry().Len(), "the failed attempt's connection is torn down")
}

func TestHandshakeFailures(t *testing.T) {
	tests := []struct {
		fault rdma.EventType
		phase Phase
	}{
		{rdma.EventAddrError, PhaseAddrResolution},
		{rdma.EventRouteError, PhaseRouteResolution},
		{rdma.EventUnreachable, PhaseConnect},
		{rdma.EventConnectError, PhaseConnect},
		{rdma.EventRejected, PhaseConnect},
	}
	for _, tt := range tests {
		t.Run(tt.fault.String(), func(t *testing.T) {
			p := newPair(t, testConfig(), nil, nil)
			p.fabric.FailNext(tt.fault)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := p.connector.Connect(ctx, testAddr)
			var hsErr *HandshakeError
			require.ErrorAs(t, err, &hsErr)
			assert.Equal(t, tt.phase, hsErr.Phase)
			assert.Equal(t, tt.fault, hsErr.Event)
			assert.Equal(t, 0, p.connector.Registry().Len())

			// The fault is consumed; the next attempt succeeds.
			p.connect(t)
			assert.Equal(t, 1, p.connector.Registry().Len())
		})
	}
}

func TestConnectHonoursContext(t *testing.T) {
	fabric := rdma.NewSimFabric()
	connector := NewConnector(testConfig(), fabric, nil)
	t.Cleanup(func() {
		_ = connector.Shutdown()
		connector.Join()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := connector.Connect(ctx, testAddr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, connector.Registry().Len())
}

func TestConnectedNeverFollowsFailedConnect(t *testing.T) {
	client := newRecorder()
	p := newPair(t, testConfig(), nil, client)

	succeeded := 0
	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(i%20)*10*time.Microsecond)
		conn, err := p.connector.Connect(ctx, testAddr)
		cancel()
		if err != nil {
			select {
			case c := <-client.connected:
				t.Fatalf("iteration %d: Connect failed (%v) but Connected fired for conn %d in state %s", i, err, c.ID(), c.State())
			default:
			}
			continue
		}
		succeeded++
		assert.Same(t, conn, waitConn(t, client.connected), "iteration %d", i)
		assert.Equal(t, ConnActive, conn.State())
		require.NoError(t, conn.Close())
	}
	t.Logf("%d of 200 attempts connected", succeeded)

	assert.Never(t, func() bool { return len(client.connected) > 0 }, 50*time.Millisecond, time.Millisecond)
}

func TestShutdown(t *testing.T) {
	server := newRecorder()
	p := newPair(t, testConfig(), server, nil)
	conn := p.connect(t)
	serverConn := waitConn(t, server.accepted)

	require.NoError(t, p.acceptor.Shutdown())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.acceptor.JoinContext(ctx))
	assert.Equal(t, ConnClose, serverConn.State())
	assert.Equal(t, StateDisconnected, p.acceptor.State())

	// The peer observes the disconnect.
	assert.Eventually(t, func() bool { return conn.State() == ConnClose }, 5*time.Second, time.Millisecond)

	_, err := p.connector.Connect(ctx, testAddr)
	assert.Error(t, err, "nobody listens any more")
	require.NoError(t, p.connector.Shutdown())
	_, err = p.connector.Connect(ctx, testAddr)
	assert.ErrorIs(t, err, ErrStackClosed)
}
