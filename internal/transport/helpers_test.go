package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/rdmamsg/internal/config"
	"github.com/yuuki/rdmamsg/internal/rdma"
)

const testAddr = "127.0.0.1:20079"

// testConfig returns a small configuration valid on the simulated fabric.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ServerAddr = testAddr
	cfg.SendDepth = 8
	cfg.RecvDepth = 8
	cfg.SRQDepth = 64
	cfg.ChunkSize = 256
	cfg.CQEPerCQ = 64
	cfg.PollBatch = 4
	cfg.WorkerCount = 2
	cfg.StagingBufferSize = 1024
	return cfg
}

// MockHandler is a mock implementation of Handler
type MockHandler struct {
	mock.Mock
}

func (m *MockHandler) HandleEvent(ev Event) {
	m.Called(ev)
}

// message is a Received event with its payload copied out of the chunk.
type message struct {
	conn    *Connection
	payload []byte
	recv    bool // chunk belonged to the receive region
}

// recorder collects events on channels.
type recorder struct {
	accepted  chan *Connection
	connected chan *Connection
	received  chan message

	mu        sync.Mutex
	onRecv    func(ev Received)
	nReceived int
}

func newRecorder() *recorder {
	return &recorder{
		accepted:  make(chan *Connection, 64),
		connected: make(chan *Connection, 64),
		received:  make(chan message, 1024),
	}
}

func (r *recorder) HandleEvent(ev Event) {
	switch e := ev.(type) {
	case Accepted:
		r.accepted <- e.Conn
	case Connected:
		r.connected <- e.Conn
	case Received:
		r.mu.Lock()
		r.nReceived++
		fn := r.onRecv
		r.mu.Unlock()
		if fn != nil {
			fn(e)
			return
		}
		payload := append([]byte(nil), e.Chunk.Bytes()...)
		select {
		case r.received <- message{conn: e.Conn, payload: payload, recv: e.Conn.IsRecvChunk(e.Chunk)}:
		default:
		}
	}
}

func (r *recorder) setOnRecv(fn func(ev Received)) {
	r.mu.Lock()
	r.onRecv = fn
	r.mu.Unlock()
}

func (r *recorder) receivedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nReceived
}

func waitConn(t *testing.T, ch <-chan *Connection) *Connection {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection event")
		return nil
	}
}

func waitMessage(t *testing.T, ch <-chan message) message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return message{}
	}
}

// pair is a listening acceptor and a connector on one simulated fabric.
type pair struct {
	fabric    *rdma.SimFabric
	acceptor  *Acceptor
	connector *Connector
}

func newPair(t *testing.T, cfg *config.Config, serverHandler, clientHandler Handler) *pair {
	t.Helper()
	fabric := rdma.NewSimFabric()
	p := &pair{
		fabric:    fabric,
		acceptor:  NewAcceptor(cfg, fabric, serverHandler),
		connector: NewConnector(cfg, fabric, clientHandler),
	}
	require.NoError(t, p.acceptor.Listen(cfg.ServerAddr))
	t.Cleanup(func() {
		_ = p.connector.Shutdown()
		p.connector.Join()
		_ = p.acceptor.Shutdown()
		p.acceptor.Join()
		_ = fabric.Close()
	})
	return p
}

func (p *pair) connect(t *testing.T) *Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := p.connector.Connect(ctx, testAddr)
	require.NoError(t, err)
	return conn
}

// resolvedID returns a CM id with a device context but no connection.
func resolvedID(t *testing.T, fabric rdma.Fabric) rdma.CMID {
	t.Helper()
	ch, err := fabric.CreateEventChannel()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	id, err := fabric.CreateID(ch)
	require.NoError(t, err)
	require.NoError(t, id.ResolveAddr(testAddr, time.Second))
	return id
}

// newTestRegistry creates a registry whose workers discard completions.
func newTestRegistry(t *testing.T, cfg *config.Config) *Registry {
	t.Helper()
	r := NewRegistry(cfg, func(*rdma.WorkCompletion) {})
	t.Cleanup(func() { _ = r.Close() })
	return r
}
