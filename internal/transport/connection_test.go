package transport

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/rdmamsg/internal/chunk"
	"github.com/yuuki/rdmamsg/internal/config"
	"github.com/yuuki/rdmamsg/internal/rdma"
)

// newIdleConnection builds a registered connection that is not connected to
// a peer, so posted sends never complete.
func newIdleConnection(t *testing.T, cfg *config.Config) *Connection {
	t.Helper()
	r := newTestRegistry(t, cfg)
	conn, err := r.NewConnection(resolvedID(t, rdma.NewSimFabric()))
	require.NoError(t, err)
	return conn
}

func TestConnectionPoolsAfterConstruction(t *testing.T) {
	for _, useSRQ := range []bool{true, false} {
		cfg := testConfig()
		cfg.UseSRQ = useSRQ
		conn := newIdleConnection(t, cfg)

		assert.Equal(t, chunk.Stats{Free: 8}, conn.SendStats(), "srq=%v", useSRQ)
		assert.Equal(t, chunk.Stats{Posted: 8}, conn.RecvStats(), "srq=%v", useSRQ)
		assert.Equal(t, 256, conn.ChunkSize())
	}
}

func TestConnectionSendBackpressure(t *testing.T) {
	conn := newIdleConnection(t, testConfig())

	var held []*chunk.Chunk
	for i := 0; i < 8; i++ {
		ch, err := conn.GetChunk()
		require.NoError(t, err)
		assert.True(t, conn.IsSendChunk(ch))
		assert.False(t, conn.IsRecvChunk(ch))
		held = append(held, ch)

		st := conn.SendStats()
		assert.Equal(t, 8, st.Free+st.CheckedOut)
	}

	_, err := conn.GetChunk()
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.ErrorIs(t, conn.AsyncSend([]byte("x")), ErrWouldBlock)

	require.NoError(t, conn.ReapChunk(held[0]))
	var stateErr *chunk.StateError
	assert.ErrorAs(t, conn.ReapChunk(held[0]), &stateErr, "double reap")

	// AsyncSendV needs two chunks and only one is free: nothing is taken.
	assert.ErrorIs(t, conn.AsyncSendV([][]byte{[]byte("a"), []byte("b")}), ErrWouldBlock)
	assert.Equal(t, chunk.Stats{Free: 1, CheckedOut: 7}, conn.SendStats())

	for _, ch := range held[1:] {
		require.NoError(t, conn.ReapChunk(ch))
	}
	assert.Equal(t, chunk.Stats{Free: 8}, conn.SendStats())
}

func TestConnectionPayloadTooLarge(t *testing.T) {
	conn := newIdleConnection(t, testConfig())

	err := conn.AsyncSend(make([]byte, 257))
	var sizeErr *PayloadSizeError
	require.ErrorAs(t, err, &sizeErr)
	assert.Equal(t, 257, sizeErr.Size)
	assert.Equal(t, 256, sizeErr.ChunkSize)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	err = conn.AsyncSendV([][]byte{make([]byte, 10), make([]byte, 300)})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	ch, err := conn.GetChunk()
	require.NoError(t, err)
	assert.ErrorIs(t, conn.SendChunk(ch, 257), ErrPayloadTooLarge)
	require.NoError(t, conn.ReapChunk(ch))
	assert.Equal(t, chunk.Stats{Free: 8}, conn.SendStats())
}

func TestConnectionSendOnUnconnectedQP(t *testing.T) {
	conn := newIdleConnection(t, testConfig())

	err := conn.AsyncSend([]byte("hello"))
	assert.ErrorIs(t, err, rdma.ErrNotConnected)
	assert.Equal(t, chunk.Stats{Free: 8}, conn.SendStats(), "a failed post returns the chunk")
}

func TestConnectionForeignChunk(t *testing.T) {
	a := newIdleConnection(t, testConfig())
	b := newIdleConnection(t, testConfig())

	ch, err := a.GetChunk()
	require.NoError(t, err)
	assert.ErrorIs(t, b.ReapChunk(ch), ErrNotChunkOwner)
	assert.ErrorIs(t, b.SendChunk(ch, 1), ErrNotChunkOwner)
	require.NoError(t, a.ReapChunk(ch))
}

func TestConnectionStagingBuffer(t *testing.T) {
	conn := newIdleConnection(t, testConfig())

	n, err := conn.WriteBuffer(make([]byte, 1000))
	require.NoError(t, err)
	assert.Equal(t, 1000, n)

	n, err = conn.WriteBuffer([]byte("0123456789abcdefghijklmnopqrstuvwxyz"))
	assert.True(t, errors.Is(err, io.ErrShortWrite))
	assert.Equal(t, 24, n)
	assert.Equal(t, 1024, conn.Staged())

	buf := make([]byte, 1000)
	assert.Equal(t, 1000, conn.ReadBuffer(buf))
	buf = make([]byte, 64)
	n = conn.ReadBuffer(buf)
	assert.Equal(t, "0123456789abcdefghijklmn", string(buf[:n]))
	assert.Equal(t, 0, conn.Staged())
}

func TestConnectionCloseOnce(t *testing.T) {
	conn := newIdleConnection(t, testConfig())
	held, err := conn.GetChunk()
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.Equal(t, ConnClose, conn.State())
	assert.ErrorIs(t, conn.Close(), ErrConnectionClosed)

	assert.ErrorIs(t, conn.AsyncSend([]byte("x")), ErrConnectionClosed)
	assert.ErrorIs(t, conn.AsyncSendV([][]byte{[]byte("x")}), ErrConnectionClosed)
	assert.ErrorIs(t, conn.Finish(), ErrConnectionClosed)
	_, err = conn.GetChunk()
	assert.ErrorIs(t, err, ErrConnectionClosed)

	// A chunk checked out before Close stays writable until it is reaped.
	copy(held.Buffer(), "still mapped")
	require.NoError(t, conn.ReapChunk(held))
}
