package transport

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rdmamsg/internal/config"
	"github.com/yuuki/rdmamsg/internal/rdma"
)

// Acceptor is the passive side of the transport. It listens on one address
// and accepts every incoming connection into its stack.
type Acceptor struct {
	*Stack
}

// NewAcceptor creates a server stack on fabric.
func NewAcceptor(cfg *config.Config, fabric rdma.Fabric, handler Handler, opts ...StackOption) *Acceptor {
	return &Acceptor{Stack: NewStack(cfg, fabric, RoleServer, handler, opts...)}
}

// Listen binds addr and starts accepting connections. It returns once the
// listener is in place; connections are reported as Accepted events.
func (a *Acceptor) Listen(addr string) error {
	a.mu.Lock()
	listening := a.listenID != nil
	a.mu.Unlock()
	if listening {
		return errors.New("transport: acceptor is already listening")
	}

	ch, err := a.newChannel()
	if err != nil {
		return err
	}
	id, err := a.fabric.CreateID(ch)
	if err != nil {
		a.untrack(ch)
		_ = ch.Close()
		return fmt.Errorf("failed to create listening CM id: %w", err)
	}

	a.wg.Add(1)
	go a.runPassive(ch)

	fail := func(err error) error {
		a.untrack(ch)
		_ = ch.Close()
		_ = id.Destroy()
		return err
	}
	if err := id.BindAddr(addr); err != nil {
		return fail(fmt.Errorf("failed to bind %s: %w", addr, err))
	}
	if err := id.Listen(a.cfg.ListenBacklog); err != nil {
		return fail(fmt.Errorf("failed to listen on %s: %w", addr, err))
	}

	a.mu.Lock()
	if a.stopped.Load() {
		a.mu.Unlock()
		_ = id.Destroy()
		return ErrStackClosed
	}
	a.listenID = id
	a.mu.Unlock()

	log.Info().
		Str("addr", addr).
		Int("backlog", a.cfg.ListenBacklog).
		Str("instance_id", a.instanceID.String()).
		Msg("Listening for RDMA connections")
	return nil
}
