package transport

import (
	"context"

	"github.com/yuuki/rdmamsg/internal/config"
	"github.com/yuuki/rdmamsg/internal/rdma"
)

// Connector is the active side of the transport.
type Connector struct {
	*Stack
}

// NewConnector creates a client stack on fabric.
func NewConnector(cfg *config.Config, fabric rdma.Fabric, handler Handler, opts ...StackOption) *Connector {
	return &Connector{Stack: NewStack(cfg, fabric, RoleClient, handler, opts...)}
}

// Connect establishes one connection to addr on a fresh CM channel and id.
// It blocks through address resolution, route resolution and establishment;
// the Connected event has been dispatched by the time it returns. A failed
// handshake returns a *HandshakeError and leaves nothing behind.
func (c *Connector) Connect(ctx context.Context, addr string) (*Connection, error) {
	return c.connect(ctx, addr)
}
