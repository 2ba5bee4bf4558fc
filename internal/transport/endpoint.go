package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/yuuki/rdmamsg/internal/affinity"
	"github.com/yuuki/rdmamsg/internal/config"
	"github.com/yuuki/rdmamsg/internal/rdma"
)

// shutdownTimeout bounds the join of the stack goroutines in Close.
const shutdownTimeout = 5 * time.Second

// Server is a listening endpoint serving cfg.ServerAddr.
type Server struct {
	cfg      *config.Config
	acceptor *Acceptor
}

// NewServer creates a server endpoint. When worker_affinity is enabled and
// no hint is given, the workers are pinned near the RNIC owning the listen
// address.
func NewServer(cfg *config.Config, fabric rdma.Fabric, handler Handler, opts ...StackOption) *Server {
	if cfg.WorkerAffinity {
		opts = append([]StackOption{WithAffinityHint(discoverHint(listenIP(cfg.ServerAddr)))}, opts...)
	}
	return &Server{cfg: cfg, acceptor: NewAcceptor(cfg, fabric, handler, opts...)}
}

// Stack returns the server's transport stack.
func (s *Server) Stack() *Stack { return s.acceptor.Stack }

// Start starts listening.
func (s *Server) Start() error {
	return s.acceptor.Listen(s.cfg.ServerAddr)
}

// Wait blocks until Close is called or ctx ends.
func (s *Server) Wait(ctx context.Context) error {
	select {
	case <-s.acceptor.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the server down and joins its goroutines.
func (s *Server) Close() error {
	return shutdown(s.acceptor.Stack)
}

// Client is an endpoint holding connections to cfg.ServerAddr.
type Client struct {
	cfg       *config.Config
	connector *Connector

	changed chan struct{}

	mu        sync.Mutex
	connected int
}

// NewClient creates a client endpoint.
func NewClient(cfg *config.Config, fabric rdma.Fabric, handler Handler, opts ...StackOption) *Client {
	c := &Client{cfg: cfg, changed: make(chan struct{}, 1)}
	opts = append(opts, OnConnectionClosed(func(*Connection) {
		select {
		case c.changed <- struct{}{}:
		default:
		}
	}))
	if cfg.WorkerAffinity {
		opts = append([]StackOption{WithAffinityHint(discoverHint(routeIP(cfg.ServerAddr)))}, opts...)
	}
	c.connector = NewConnector(cfg, fabric, handler, opts...)
	return c
}

// Stack returns the client's transport stack.
func (c *Client) Stack() *Stack { return c.connector.Stack }

// Connect opens n connections to the server one after another. On failure
// the connections opened so far stay up and are returned with the error.
func (c *Client) Connect(ctx context.Context, n int) ([]*Connection, error) {
	conns := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		conn, err := c.connector.Connect(ctx, c.cfg.ServerAddr)
		if err != nil {
			return conns, fmt.Errorf("connection %d of %d: %w", i+1, n, err)
		}
		c.mu.Lock()
		c.connected++
		c.mu.Unlock()
		conns = append(conns, conn)
	}
	return conns, nil
}

// Wait blocks until every connection opened by Connect has closed, Close is
// called or ctx ends.
func (c *Client) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		connected := c.connected
		c.mu.Unlock()
		if connected > 0 && c.connector.Registry().Len() == 0 {
			return nil
		}
		select {
		case <-c.changed:
		case <-c.connector.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close shuts the client down and joins its goroutines.
func (c *Client) Close() error {
	return shutdown(c.connector.Stack)
}

func shutdown(s *Stack) error {
	err := s.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if jerr := s.JoinContext(ctx); jerr != nil {
		err = errors.Join(err, fmt.Errorf("join stack goroutines: %w", jerr))
	}
	return err
}

func listenIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// routeIP returns the local address the kernel would use to reach addr.
func routeIP(addr string) net.IP {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil
	}
	defer conn.Close()
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return ua.IP
	}
	return nil
}

// discoverHint looks up the RNIC owning ip. Failures leave the workers
// unpinned.
func discoverHint(ip net.IP) *affinity.Hint {
	if ip == nil || ip.IsUnspecified() {
		log.Warn().Msg("Worker affinity requested without a concrete address, workers stay unpinned")
		return nil
	}
	hint, err := affinity.NewDiscoverer(afero.NewOsFs(), affinity.SystemInterfaces).Discover(ip)
	if err != nil {
		log.Warn().Err(err).Str("ip", ip.String()).Msg("Failed to discover RNIC affinity, workers stay unpinned")
		return nil
	}
	log.Info().
		Str("ip", ip.String()).
		Str("interface", hint.Interface).
		Str("ib_device", hint.IBDevice).
		Int("port", hint.Port).
		Int("numa_node", hint.NUMANode).
		Ints("cpus", hint.CPUs).
		Msg("Discovered RNIC affinity")
	return hint
}
