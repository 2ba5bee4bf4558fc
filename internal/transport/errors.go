package transport

import (
	"errors"
	"fmt"

	"github.com/yuuki/rdmamsg/internal/rdma"
)

var (
	// ErrWouldBlock is returned by sends when every send chunk is in flight.
	// The caller may retry once a send completion has returned a chunk.
	ErrWouldBlock = errors.New("transport: no free send chunk")
	// ErrPayloadTooLarge is wrapped by PayloadSizeError.
	ErrPayloadTooLarge = errors.New("transport: payload exceeds chunk size")
	// ErrConnectionClosed is returned by operations on a closed connection.
	ErrConnectionClosed = errors.New("transport: connection closed")
	// ErrHandshakeFailed is wrapped by HandshakeError.
	ErrHandshakeFailed = errors.New("transport: handshake failed")
	// ErrStackClosed is returned by control calls after Shutdown.
	ErrStackClosed = errors.New("transport: stack shut down")
	// ErrNotChunkOwner is returned when a chunk does not belong to the
	// connection's send region.
	ErrNotChunkOwner = errors.New("transport: chunk does not belong to this connection")
)

// PayloadSizeError reports a payload larger than one chunk.
type PayloadSizeError struct {
	Size      int
	ChunkSize int
}

func (e *PayloadSizeError) Error() string {
	return fmt.Sprintf("transport: payload of %d bytes exceeds chunk size %d", e.Size, e.ChunkSize)
}

func (e *PayloadSizeError) Unwrap() error { return ErrPayloadTooLarge }

// Phase is the handshake step a result or failure belongs to.
type Phase int

const (
	PhaseAddrResolution Phase = iota
	PhaseRouteResolution
	PhaseConnect
	PhaseAccept
)

func (p Phase) String() string {
	switch p {
	case PhaseAddrResolution:
		return "address resolution"
	case PhaseRouteResolution:
		return "route resolution"
	case PhaseConnect:
		return "connect"
	case PhaseAccept:
		return "accept"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// HandshakeError describes a failed connection handshake.
type HandshakeError struct {
	Phase  Phase
	Event  rdma.EventType
	Status int
	Err    error // underlying call error, if the failure was not an event
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: handshake failed during %s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("transport: handshake failed during %s: %s (status %d)", e.Phase, e.Event, e.Status)
}

// Unwrap returns both ErrHandshakeFailed and the underlying error.
func (e *HandshakeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrHandshakeFailed, e.Err}
	}
	return []error{ErrHandshakeFailed}
}
