package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/rdmamsg/internal/affinity"
	"github.com/yuuki/rdmamsg/internal/config"
	"github.com/yuuki/rdmamsg/internal/rdma"
	"github.com/yuuki/rdmamsg/internal/telemetry"
)

// Role names the side of a stack.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// HandshakeState is the connection manager state last observed by a stack.
type HandshakeState int32

const (
	StateIdle HandshakeState = iota
	StateAddrResolved
	StateRouteResolved
	StateConnectRequest
	StateConnected
	StateDisconnected
	StateError
)

func (s HandshakeState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAddrResolved:
		return "ADDR_RESOLVED"
	case StateRouteResolved:
		return "ROUTE_RESOLVED"
	case StateConnectRequest:
		return "CONNECT_REQUEST"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("HandshakeState(%d)", int32(s))
	}
}

// Stack drives the connection manager handshake for one endpoint and owns
// the registry of the connections it established. Handshake goroutines,
// per-connection CM watchers and completion workers all run under it.
type Stack struct {
	cfg        *config.Config
	fabric     rdma.Fabric
	role       Role
	instanceID uuid.UUID
	registry   *Registry
	handler    Handler
	metrics    *telemetry.Metrics
	hint       *affinity.Hint
	closeHooks []func(*Connection)

	state   atomic.Int32
	stopped atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	listenID rdma.CMID
	channels map[rdma.EventChannel]struct{} // listener and in-flight handshakes
}

// StackOption configures a Stack.
type StackOption func(*Stack)

// WithTelemetry records transport metrics on m.
func WithTelemetry(m *telemetry.Metrics) StackOption {
	return func(s *Stack) { s.metrics = m }
}

// WithInstanceID sets the instance id used in logs and metric resources.
func WithInstanceID(id uuid.UUID) StackOption {
	return func(s *Stack) { s.instanceID = id }
}

// WithAffinityHint pins the completion workers to the CPUs of hint when
// worker_affinity is enabled.
func WithAffinityHint(hint *affinity.Hint) StackOption {
	return func(s *Stack) { s.hint = hint }
}

// OnConnectionClosed calls fn after every teardown of a connection of the
// stack.
func OnConnectionClosed(fn func(*Connection)) StackOption {
	return func(s *Stack) { s.closeHooks = append(s.closeHooks, fn) }
}

// NewStack creates a stack and its registry. handler receives every event
// not claimed by a per-connection handler; nil drops them.
func NewStack(cfg *config.Config, fabric rdma.Fabric, role Role, handler Handler, opts ...StackOption) *Stack {
	if handler == nil {
		handler = nopHandler{}
	}
	s := &Stack{
		cfg:        cfg,
		fabric:     fabric,
		role:       role,
		instanceID: uuid.New(),
		handler:    handler,
		metrics:    telemetry.Noop(),
		done:       make(chan struct{}),
		channels:   make(map[rdma.EventChannel]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(int32(StateIdle))
	s.registry = NewRegistry(cfg, s.processCompletion,
		WithMetrics(s.metrics),
		WithAffinity(s.hint),
		WithCloseHook(s.connectionClosed),
	)

	log.Debug().
		Str("role", string(role)).
		Str("instance_id", s.instanceID.String()).
		Str("fabric", fabric.Name()).
		Uint32("worker_count", cfg.WorkerCount).
		Bool("use_srq", cfg.UseSRQ).
		Msg("Transport stack created")
	return s
}

// Role returns the side of the stack.
func (s *Stack) Role() Role { return s.role }

// InstanceID returns the stack's instance id.
func (s *Stack) InstanceID() uuid.UUID { return s.instanceID }

// Registry returns the connection registry.
func (s *Stack) Registry() *Registry { return s.registry }

// State returns the last observed handshake state.
func (s *Stack) State() HandshakeState { return HandshakeState(s.state.Load()) }

// Done is closed by Shutdown.
func (s *Stack) Done() <-chan struct{} { return s.done }

func (s *Stack) setState(st HandshakeState) {
	prev := HandshakeState(s.state.Swap(int32(st)))
	if prev != st {
		log.Trace().
			Str("role", string(s.role)).
			Str("from", prev.String()).
			Str("to", st.String()).
			Msg("Handshake state changed")
	}
}

func (s *Stack) connParam() rdma.ConnParam {
	return rdma.ConnParam{
		ResponderResources: s.cfg.ResponderResources,
		InitiatorDepth:     s.cfg.InitiatorDepth,
		RetryCount:         s.cfg.RetryCount,
		RNRRetryCount:      s.cfg.RNRRetryCount,
	}
}

// dispatch hands ev to the connection's handler, or to the stack handler if
// the connection has none.
func (s *Stack) dispatch(ev Event) {
	if h := ev.Connection().connHandler(); h != nil {
		h.HandleEvent(ev)
		return
	}
	s.handler.HandleEvent(ev)
}

func (s *Stack) connectionClosed(c *Connection) {
	for _, fn := range s.closeHooks {
		fn(c)
	}
}

// newChannel creates an event channel that Shutdown closes while it is
// tracked.
func (s *Stack) newChannel() (rdma.EventChannel, error) {
	ch, err := s.fabric.CreateEventChannel()
	if err != nil {
		return nil, fmt.Errorf("failed to create event channel: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		_ = ch.Close()
		return nil, ErrStackClosed
	}
	s.channels[ch] = struct{}{}
	return ch, nil
}

func (s *Stack) untrack(ch rdma.EventChannel) {
	s.mu.Lock()
	delete(s.channels, ch)
	s.mu.Unlock()
}

// Shutdown stops accepting and connecting, tears down every connection and
// stops the completion workers. Goroutines are joined by Join.
func (s *Stack) Shutdown() error {
	s.mu.Lock()
	if !s.stopped.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return nil
	}
	close(s.done)
	channels := s.channels
	s.channels = make(map[rdma.EventChannel]struct{})
	listenID := s.listenID
	s.listenID = nil
	s.mu.Unlock()

	s.setState(StateDisconnected)
	for ch := range channels {
		_ = ch.Close()
	}
	if listenID != nil {
		if err := listenID.Destroy(); err != nil {
			log.Warn().Err(err).Msg("Failed to destroy listening CM id")
		}
	}

	err := s.registry.Close()
	log.Info().
		Str("role", string(s.role)).
		Str("instance_id", s.instanceID.String()).
		Msg("Transport stack shut down")
	return err
}

// Join waits for the handshake goroutines and CM watchers to exit.
func (s *Stack) Join() {
	s.wg.Wait()
}

// JoinContext is Join bounded by ctx.
func (s *Stack) JoinContext(ctx context.Context) error {
	joined := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
