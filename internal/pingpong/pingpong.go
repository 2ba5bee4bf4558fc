// Package pingpong is a request/response driver over the transport. The
// server answers every message; the client keeps one request in flight per
// connection and measures the round-trip time of each exchange.
package pingpong

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"

	"github.com/yuuki/rdmamsg/internal/config"
	"github.com/yuuki/rdmamsg/internal/rdma"
	"github.com/yuuki/rdmamsg/internal/telemetry"
	"github.com/yuuki/rdmamsg/internal/transport"
)

var (
	// Request is sent by the client.
	Request = []byte("hello server\x00")
	// Response is sent back by the server for every message it receives.
	Response = []byte("hello client\x00")
)

// ErrConnectionLost is returned by Client.Run when a connection closes before
// finishing its round trips.
var ErrConnectionLost = errors.New("pingpong: connection closed before all round trips completed")

// ServerHandler answers every Received event with Response.
type ServerHandler struct{}

// HandleEvent implements transport.Handler.
func (ServerHandler) HandleEvent(ev transport.Event) {
	switch e := ev.(type) {
	case transport.Accepted:
		log.Debug().Uint64("conn_id", e.Conn.ID()).Str("remote_addr", e.Conn.RemoteAddr()).Msg("Ping-pong peer connected")
	case transport.Received:
		if err := e.Conn.AsyncSend(Response); err != nil {
			log.Warn().Err(err).Uint64("conn_id", e.Conn.ID()).Msg("Failed to send response")
		}
	}
}

// NewServer creates a transport server answering with ServerHandler.
func NewServer(cfg *config.Config, fabric rdma.Fabric, m *telemetry.Metrics, opts ...transport.StackOption) *transport.Server {
	if m != nil {
		opts = append(opts, transport.WithTelemetry(m))
	}
	return transport.NewServer(cfg, fabric, ServerHandler{}, opts...)
}

// Stats summarizes a client run.
type Stats struct {
	Connections int
	RoundTrips  int64
	Elapsed     time.Duration
	MinRTT      time.Duration
	MaxRTT      time.Duration
	MeanRTT     time.Duration
}

// session is the ping-pong state of one connection.
type session struct {
	conn    *transport.Connection
	limiter ratelimit.Limiter
	replies chan struct{}
	closed  chan struct{}
	once    sync.Once
	sentAt  time.Time
	done    int
}

// Client drives cfg.PingPong.Connections connections through
// cfg.PingPong.RoundTrips round trips each.
type Client struct {
	cfg       *config.Config
	transport *transport.Client
	metrics   *telemetry.Metrics

	mu       sync.Mutex
	sessions map[*transport.Connection]*session
	rtts     rttStats
}

type rttStats struct {
	count int64
	sum   time.Duration
	min   time.Duration
	max   time.Duration
}

// NewClient creates a ping-pong client. m may be nil.
func NewClient(cfg *config.Config, fabric rdma.Fabric, m *telemetry.Metrics, opts ...transport.StackOption) *Client {
	if m == nil {
		m = telemetry.Noop()
	}
	c := &Client{
		cfg:      cfg,
		metrics:  m,
		sessions: make(map[*transport.Connection]*session),
		rtts:     rttStats{min: math.MaxInt64},
	}
	opts = append(opts, transport.WithTelemetry(m), transport.OnConnectionClosed(c.connectionClosed))
	c.transport = transport.NewClient(cfg, fabric, c, opts...)
	return c
}

// Transport returns the underlying transport client.
func (c *Client) Transport() *transport.Client { return c.transport }

func (c *Client) session(conn *transport.Connection) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[conn]
}

// HandleEvent implements transport.Handler.
func (c *Client) HandleEvent(ev transport.Event) {
	switch e := ev.(type) {
	case transport.Connected:
		s := &session{
			conn:    e.Conn,
			limiter: c.newLimiter(),
			replies: make(chan struct{}, 1),
			closed:  make(chan struct{}),
		}
		c.mu.Lock()
		c.sessions[e.Conn] = s
		c.mu.Unlock()
		if c.cfg.PingPong.RoundTrips > 0 {
			c.send(s)
		}

	case transport.Received:
		s := c.session(e.Conn)
		if s == nil {
			return
		}
		if !bytes.Equal(e.Chunk.Bytes(), Response) {
			log.Warn().
				Uint64("conn_id", e.Conn.ID()).
				Int("size", e.Chunk.Len()).
				Msg("Unexpected response payload")
		}
		select {
		case s.replies <- struct{}{}:
		default:
			log.Warn().Uint64("conn_id", e.Conn.ID()).Msg("Response arrived with another one pending")
		}
	}
}

func (c *Client) connectionClosed(conn *transport.Connection) {
	if s := c.session(conn); s != nil {
		s.once.Do(func() { close(s.closed) })
	}
}

// newLimiter paces one connection at pingpong.rate_per_second.
func (c *Client) newLimiter() ratelimit.Limiter {
	if rate := c.cfg.PingPong.RatePerSecond; rate > 0 {
		return ratelimit.New(rate)
	}
	return ratelimit.NewUnlimited()
}

// send posts the next request, waiting for a free send chunk if needed.
func (c *Client) send(s *session) {
	s.limiter.Take()
	s.sentAt = time.Now()
	for {
		err := s.conn.AsyncSend(Request)
		if err == nil {
			return
		}
		if !errors.Is(err, transport.ErrWouldBlock) {
			log.Warn().Err(err).Uint64("conn_id", s.conn.ID()).Msg("Failed to send request")
			return
		}
		runtime.Gosched()
	}
}

func (c *Client) recordRTT(rtt time.Duration) {
	c.metrics.RecordRTT(rtt)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rtts.count++
	c.rtts.sum += rtt
	if rtt < c.rtts.min {
		c.rtts.min = rtt
	}
	if rtt > c.rtts.max {
		c.rtts.max = rtt
	}
}

// drive waits for each response, records its round-trip time and sends the
// next request. After the last response it finishes the connection.
func (c *Client) drive(ctx context.Context, s *session) error {
	rounds := c.cfg.PingPong.RoundTrips
	for s.done < rounds {
		select {
		case <-s.replies:
		case <-s.closed:
			return fmt.Errorf("connection %d after %d round trips: %w", s.conn.ID(), s.done, ErrConnectionLost)
		case <-ctx.Done():
			return ctx.Err()
		}
		c.recordRTT(time.Since(s.sentAt))
		s.done++
		if s.done < rounds {
			c.send(s)
		}
	}

	log.Debug().Uint64("conn_id", s.conn.ID()).Int("round_trips", s.done).Msg("Round trips completed, finishing connection")
	if err := s.conn.Finish(); err != nil {
		return fmt.Errorf("finish connection %d: %w", s.conn.ID(), err)
	}
	return nil
}

// Run connects, drives every connection through its round trips and waits
// for the connections to be torn down.
func (c *Client) Run(ctx context.Context) (*Stats, error) {
	start := time.Now()
	conns, err := c.transport.Connect(ctx, c.cfg.PingPong.Connections)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range conns {
		s := c.session(conn)
		if s == nil {
			return nil, fmt.Errorf("connection %d has no session", conn.ID())
		}
		g.Go(func() error {
			return c.drive(gctx, s)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := c.transport.Wait(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	stats := &Stats{
		Connections: len(conns),
		RoundTrips:  c.rtts.count,
		Elapsed:     time.Since(start),
	}
	if c.rtts.count > 0 {
		stats.MinRTT = c.rtts.min
		stats.MaxRTT = c.rtts.max
		stats.MeanRTT = c.rtts.sum / time.Duration(c.rtts.count)
	}
	log.Info().
		Int("connections", stats.Connections).
		Int64("round_trips", stats.RoundTrips).
		Dur("elapsed", stats.Elapsed).
		Dur("min_rtt", stats.MinRTT).
		Dur("mean_rtt", stats.MeanRTT).
		Dur("max_rtt", stats.MaxRTT).
		Msg("Ping-pong run completed")
	return stats, nil
}

// Close shuts the client's transport down.
func (c *Client) Close() error {
	return c.transport.Close()
}
