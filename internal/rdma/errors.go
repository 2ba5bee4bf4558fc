package rdma

import "errors"

// Fabric errors.
var (
	ErrChannelClosed    = errors.New("rdma: channel closed")
	ErrVerbsUnavailable = errors.New("rdma: verbs fabric not built in (rebuild with -tags rdma_hw)")
	ErrUnknownFabric    = errors.New("rdma: unknown fabric")
	ErrAddrInUse        = errors.New("rdma: address already in use")
	ErrAddrNotResolved  = errors.New("rdma: address not resolved")
	ErrNotConnected     = errors.New("rdma: not connected")
	ErrNoQP             = errors.New("rdma: no queue pair")
	ErrQueueFull        = errors.New("rdma: work queue full")
	ErrInvalidWR        = errors.New("rdma: invalid work request")
	ErrDestroyed        = errors.New("rdma: object destroyed")
)
