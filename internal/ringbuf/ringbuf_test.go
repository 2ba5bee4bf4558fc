package ringbuf

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsEmpty(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
	_, err = New(-1)
	assert.Error(t, err)
}

func TestWriteReadWrapAround(t *testing.T) {
	r, err := New(8)
	require.NoError(t, err)

	assert.Equal(t, 6, r.Write([]byte("abcdef")))
	out := make([]byte, 4)
	assert.Equal(t, 4, r.Read(out))
	assert.Equal(t, "abcd", string(out))

	// tail wraps past the end of the backing array
	assert.Equal(t, 6, r.Write([]byte("ghijkl")))
	assert.Equal(t, 8, r.Len())
	assert.Equal(t, 0, r.Free())

	out = make([]byte, 16)
	n := r.Read(out)
	assert.Equal(t, "efghijkl", string(out[:n]))
	assert.Equal(t, 0, r.Len())
}

func TestWriteTruncatesWhenFull(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)
	assert.Equal(t, 4, r.Write([]byte("0123456789")))
	assert.Equal(t, 0, r.Write([]byte("x")))
	assert.Equal(t, 4, r.Cap())
}

func TestPeekDoesNotConsume(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)
	r.Write([]byte("ab"))
	p := make([]byte, 2)
	assert.Equal(t, 2, r.Peek(p))
	assert.Equal(t, 2, r.Len())
	r.Reset()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.Read(p))
}

func TestConcurrentProducerConsumerPreservesOrder(t *testing.T) {
	r, err := New(64)
	require.NoError(t, err)

	src := bytes.Repeat([]byte("0123456789"), 1000)
	var got []byte
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rest := src
		for len(rest) > 0 {
			rest = rest[r.Write(rest[:min(len(rest), 17)]):]
		}
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, 13)
		for len(got) < len(src) {
			n := r.Read(buf)
			got = append(got, buf[:n]...)
		}
	}()
	wg.Wait()
	assert.Equal(t, src, got)
}
