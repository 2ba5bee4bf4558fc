package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rdmamsg/internal/rdma"
)

// phaseResult releases a Connect call blocked on one handshake phase.
type phaseResult struct {
	phase Phase
	err   error
}

// attempt is the state shared by one Connect call and its handshake
// goroutine.
type attempt struct {
	// at most one result per waited phase is sent, so sends never block
	results chan phaseResult

	mu        sync.Mutex
	conn      *Connection
	abandoned bool
	delivered bool
}

func newAttempt() *attempt {
	return &attempt{results: make(chan phaseResult, 2)}
}

func (a *attempt) release(phase Phase, err error) {
	select {
	case a.results <- phaseResult{phase: phase, err: err}:
	default:
		log.Warn().Str("phase", phase.String()).Msg("Dropping handshake result nobody waits for")
	}
}

// setConn publishes the materialized connection to the handshake goroutine.
func (a *attempt) setConn(c *Connection) {
	a.mu.Lock()
	a.conn = c
	a.mu.Unlock()
}

// claim hands the established connection to the handler unless Connect has
// given up. Once claimed, the attempt can no longer be abandoned.
func (a *attempt) claim() *Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.abandoned || a.conn == nil {
		return nil
	}
	a.delivered = true
	return a.conn
}

// abandon marks the attempt as given up and returns the connection to tear
// down, if any. It reports delivered instead when the connection was already
// claimed for the handler; the attempt then stays live.
func (a *attempt) abandon() (conn *Connection, delivered bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.delivered {
		return a.conn, true
	}
	a.abandoned = true
	return a.conn, false
}

// failurePhase maps a connection manager failure event to the phase it
// aborts. DEVICE_REMOVAL and DISCONNECTED abort the phase in progress.
func failurePhase(ev rdma.EventType, current Phase) Phase {
	switch ev {
	case rdma.EventAddrError:
		return PhaseAddrResolution
	case rdma.EventRouteError:
		return PhaseRouteResolution
	case rdma.EventConnectError, rdma.EventUnreachable, rdma.EventRejected:
		return PhaseConnect
	default:
		return current
	}
}

// connect runs the active handshake to addr and returns the established
// connection. The attempt's channel becomes the connection's CM channel.
func (s *Stack) connect(ctx context.Context, addr string) (*Connection, error) {
	if s.stopped.Load() {
		return nil, ErrStackClosed
	}
	ch, err := s.newChannel()
	if err != nil {
		return nil, err
	}
	id, err := s.fabric.CreateID(ch)
	if err != nil {
		s.untrack(ch)
		_ = ch.Close()
		return nil, fmt.Errorf("failed to create CM id: %w", err)
	}

	a := newAttempt()
	s.setState(StateIdle)
	s.wg.Add(1)
	go s.runActive(ch, a)

	conn, err := s.handshake(ctx, addr, id, ch, a)
	s.untrack(ch)
	var c *Connection
	if err != nil {
		var delivered bool
		if c, delivered = a.abandon(); delivered {
			// ESTABLISHED won over ctx and Connected is being dispatched.
			if err = s.awaitRelease(a); err == nil {
				conn = c
			}
		}
	}
	if err != nil {
		s.metrics.HandshakeFailure()
		if c != nil {
			// Close also destroys the id and closes the channel.
			s.teardown(c)
		} else {
			_ = ch.Close()
			_ = id.Destroy()
		}
		log.Warn().Err(err).
			Str("role", string(s.role)).
			Str("addr", addr).
			Msg("Connection attempt failed")
		return nil, err
	}

	log.Info().
		Uint64("conn_id", conn.ID()).
		Str("qpn", fmt.Sprintf("0x%x", conn.QPNum())).
		Str("local_addr", conn.LocalAddr()).
		Str("remote_addr", addr).
		Msg("Connection established")
	return conn, nil
}

func (s *Stack) handshake(ctx context.Context, addr string, id rdma.CMID, ch rdma.EventChannel, a *attempt) (*Connection, error) {
	if err := id.ResolveAddr(addr, s.cfg.ResolveAddrTimeout()); err != nil {
		return nil, &HandshakeError{Phase: PhaseAddrResolution, Err: err}
	}
	if err := s.wait(ctx, a); err != nil {
		return nil, err
	}

	conn, err := s.registry.newConnectionOn(id, ch)
	if err != nil {
		return nil, fmt.Errorf("failed to materialize connection: %w", err)
	}
	a.setConn(conn)

	if err := id.Connect(s.connParam()); err != nil {
		return nil, &HandshakeError{Phase: PhaseConnect, Err: err}
	}
	if err := s.wait(ctx, a); err != nil {
		return nil, err
	}
	return conn, nil
}

// wait blocks until the handshake goroutine releases the next phase, ctx
// ends or the stack shuts down.
func (s *Stack) wait(ctx context.Context, a *attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case res := <-a.results:
		log.Trace().Str("phase", res.phase.String()).Bool("ok", res.err == nil).Msg("Handshake phase released")
		return res.err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStackClosed
	}
}

// awaitRelease waits for the connect phase result of a claimed attempt,
// ignoring the caller's context.
func (s *Stack) awaitRelease(a *attempt) error {
	select {
	case res := <-a.results:
		return res.err
	case <-s.done:
		return ErrStackClosed
	}
}

// runActive serves the CM channel of one Connect call. Once the connection
// is established it keeps serving the channel as the connection's watcher.
func (s *Stack) runActive(ch rdma.EventChannel, a *attempt) {
	defer s.wg.Done()

	phase := PhaseAddrResolution
	for {
		ev, err := ch.GetEvent()
		if err != nil {
			if !errors.Is(err, rdma.ErrChannelClosed) {
				log.Error().Err(err).Msg("Failed to get CM event")
			}
			return
		}
		if s.stopped.Load() {
			return
		}
		log.Debug().
			Str("role", string(s.role)).
			Str("event", ev.Type.String()).
			Int("status", ev.Status).
			Msg("CM event")

		switch ev.Type {
		case rdma.EventAddrResolved:
			s.setState(StateAddrResolved)
			phase = PhaseRouteResolution
			if err := ev.ID.ResolveRoute(s.cfg.ResolveRouteTimeout()); err != nil {
				s.setState(StateError)
				a.release(phase, &HandshakeError{Phase: phase, Event: ev.Type, Err: err})
				return
			}

		case rdma.EventRouteResolved:
			s.setState(StateRouteResolved)
			phase = PhaseConnect
			a.release(PhaseRouteResolution, nil)

		case rdma.EventEstablished:
			s.setState(StateConnected)
			conn := a.claim()
			if conn != nil {
				s.dispatch(Connected{Conn: conn})
			}
			a.release(PhaseConnect, nil)
			if conn == nil {
				return
			}
			s.watch(conn, ch)
			return

		case rdma.EventAddrError, rdma.EventRouteError, rdma.EventConnectError,
			rdma.EventUnreachable, rdma.EventRejected, rdma.EventDeviceRemoval,
			rdma.EventDisconnected:
			s.setState(StateError)
			failed := failurePhase(ev.Type, phase)
			a.release(failed, &HandshakeError{Phase: failed, Event: ev.Type, Status: ev.Status})
			return

		default:
			log.Debug().Str("event", ev.Type.String()).Msg("Ignoring CM event")
		}
	}
}

// runPassive serves the listening channel until it is closed.
func (s *Stack) runPassive(ch rdma.EventChannel) {
	defer s.wg.Done()

	for {
		ev, err := ch.GetEvent()
		if err != nil {
			if !errors.Is(err, rdma.ErrChannelClosed) {
				log.Error().Err(err).Msg("Failed to get CM event")
			}
			return
		}
		if s.stopped.Load() {
			return
		}
		log.Debug().
			Str("role", string(s.role)).
			Str("event", ev.Type.String()).
			Int("status", ev.Status).
			Msg("CM event")

		switch ev.Type {
		case rdma.EventConnectRequest:
			s.setState(StateConnectRequest)
			s.handleConnectRequest(ev.ID)
		case rdma.EventDeviceRemoval:
			s.setState(StateError)
			log.Error().Msg("RDMA device removed under the listener")
		default:
			log.Debug().Str("event", ev.Type.String()).Msg("Ignoring CM event on listener")
		}
	}
}

// handleConnectRequest migrates a new CM id onto its own channel,
// materializes and accepts its connection and starts its watcher. The
// request is rejected if the connection cannot be built.
func (s *Stack) handleConnectRequest(id rdma.CMID) {
	reject := func(err error) {
		s.metrics.HandshakeFailure()
		log.Warn().Err(err).Str("remote_addr", id.RemoteAddr()).Msg("Rejecting connection request")
		if rerr := id.Reject(); rerr != nil {
			log.Warn().Err(rerr).Msg("Failed to reject connection request")
		}
		_ = id.Destroy()
	}

	ch, err := s.fabric.CreateEventChannel()
	if err != nil {
		reject(fmt.Errorf("failed to create event channel: %w", err))
		return
	}
	if err := id.Migrate(ch); err != nil {
		_ = ch.Close()
		reject(fmt.Errorf("failed to migrate CM id: %w", err))
		return
	}
	conn, err := s.registry.newConnectionOn(id, ch)
	if err != nil {
		_ = ch.Close()
		reject(err)
		return
	}
	if err := id.Accept(s.connParam()); err != nil {
		s.metrics.HandshakeFailure()
		log.Warn().Err(&HandshakeError{Phase: PhaseAccept, Err: err}).
			Uint64("conn_id", conn.ID()).
			Msg("Failed to accept connection")
		s.teardown(conn)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watch(conn, ch)
	}()

	s.setState(StateConnected)
	log.Info().
		Uint64("conn_id", conn.ID()).
		Str("qpn", fmt.Sprintf("0x%x", conn.QPNum())).
		Str("remote_addr", conn.RemoteAddr()).
		Msg("Connection accepted")
	s.dispatch(Accepted{Conn: conn})
}

// watch serves the CM channel of an established connection and tears the
// connection down when the peer disconnects. It returns once the connection
// has closed the channel.
func (s *Stack) watch(conn *Connection, ch rdma.EventChannel) {
	for {
		ev, err := ch.GetEvent()
		if err != nil {
			if !errors.Is(err, rdma.ErrChannelClosed) {
				log.Error().Err(err).Uint64("conn_id", conn.ID()).Msg("Failed to get CM event")
			}
			return
		}
		switch ev.Type {
		case rdma.EventDisconnected, rdma.EventDeviceRemoval:
			log.Debug().
				Uint64("conn_id", conn.ID()).
				Str("event", ev.Type.String()).
				Msg("Peer disconnected, closing connection")
			s.teardown(conn)
		default:
			log.Trace().
				Uint64("conn_id", conn.ID()).
				Str("event", ev.Type.String()).
				Msg("Ignoring CM event on connection")
		}
	}
}
