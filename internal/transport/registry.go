package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rdmamsg/internal/affinity"
	"github.com/yuuki/rdmamsg/internal/config"
	"github.com/yuuki/rdmamsg/internal/rdma"
	"github.com/yuuki/rdmamsg/internal/telemetry"
)

// Registry owns the connections of a stack and the completion queue workers
// that drain them.
//
// The first worker_count connections each get a dedicated completion queue,
// completion channel and worker. Connection i beyond that shares the queue of
// connection i mod worker_count. Dedicated queues outlive the connection that
// created them and are only destroyed by Close, or replaced after their worker
// fails. Delete drops the CQ assignment of every connection, dedicated or
// not, since the workers own the dedicated queues.
type Registry struct {
	cfg      *config.Config
	metrics  *telemetry.Metrics
	hint     *affinity.Hint
	dispatch func(*rdma.WorkCompletion)
	onClose  func(*Connection)

	// createMu serializes NewConnection.
	createMu sync.Mutex
	nextID   uint64
	workers  []*worker // indexed by connection id, at most worker_count

	mu     sync.Mutex
	byQP   map[uint32]*Connection
	byID   map[uint64]*Connection
	cqByID map[uint64]rdma.CompletionQueue
	closed bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMetrics records connection counters on m.
func WithMetrics(m *telemetry.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithAffinity pins worker i to hint.CPUFor(i) when worker_affinity is set.
func WithAffinity(hint *affinity.Hint) RegistryOption {
	return func(r *Registry) { r.hint = hint }
}

// WithCloseHook calls fn after a registered connection has been torn down.
func WithCloseHook(fn func(*Connection)) RegistryOption {
	return func(r *Registry) { r.onClose = fn }
}

// NewRegistry creates an empty registry. dispatch is called by the workers
// for every polled completion.
func NewRegistry(cfg *config.Config, dispatch func(*rdma.WorkCompletion), opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:      cfg,
		metrics:  telemetry.Noop(),
		dispatch: dispatch,
		workers:  make([]*worker, cfg.WorkerCount),
		byQP:     make(map[uint32]*Connection),
		byID:     make(map[uint64]*Connection),
		cqByID:   make(map[uint64]rdma.CompletionQueue),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the connection owning qpNum, or nil.
func (r *Registry) Get(qpNum uint32) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byQP[qpNum]
}

// GetByID returns the connection with the given id, or nil.
func (r *Registry) GetByID(id uint64) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// CQ returns the completion queue assigned to connection id.
func (r *Registry) CQ(id uint64) (rdma.CompletionQueue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cq, ok := r.cqByID[id]
	return cq, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Connections returns a snapshot of the live connections.
func (r *Registry) Connections() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// Workers returns the number of started workers.
func (r *Registry) Workers() int {
	r.createMu.Lock()
	defer r.createMu.Unlock()
	n := 0
	for _, w := range r.workers {
		if w != nil {
			n++
		}
	}
	return n
}

// NewConnection materializes a connection on cmID: it allocates a protection
// domain, assigns a completion queue, builds the connection, registers it
// and posts every receive chunk. The connection id only advances when all of
// this succeeds.
func (r *Registry) NewConnection(cmID rdma.CMID) (*Connection, error) {
	return r.newConnectionOn(cmID, nil)
}

// newConnectionOn is NewConnection for a CM id whose events arrive on events.
// The connection closes events when it is torn down; on failure the caller
// keeps ownership of it.
func (r *Registry) newConnectionOn(cmID rdma.CMID, events rdma.EventChannel) (*Connection, error) {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrStackClosed
	}

	ctx := cmID.Context()
	if ctx == nil {
		return nil, fmt.Errorf("CM id has no device context: %w", rdma.ErrAddrNotResolved)
	}

	id := r.nextID
	pd, err := ctx.AllocPD()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate PD: %w", err)
	}

	slot := int(id % uint64(len(r.workers)))
	w := r.workers[slot]
	if w != nil && w.failed.Load() {
		// Its connections were torn down when it failed.
		w.stop()
		w.destroy()
		r.workers[slot] = nil
		w = nil
	}
	dedicated := w == nil
	if dedicated {
		if w, err = r.createWorker(ctx, slot); err != nil {
			_ = pd.Dealloc()
			return nil, err
		}
	}

	// From here on the connection owns the PD.
	conn, err := newConnection(id, cmID, events, pd, w.cq, r.cfg, r)
	if err != nil {
		if dedicated {
			w.destroy()
		}
		return nil, err
	}
	if dedicated {
		r.workers[slot] = w
		w.start()
	}

	// Nothing can complete on the receives before the peer connects, so they
	// are posted before the connection becomes visible.
	if err := conn.postReceives(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to post receives: %w", err)
	}

	r.mu.Lock()
	r.byQP[conn.qpn] = conn
	r.byID[id] = conn
	r.cqByID[id] = w.cq
	r.mu.Unlock()
	r.metrics.ConnectionOpened()

	r.nextID++
	log.Info().
		Uint64("conn_id", id).
		Str("qpn", fmt.Sprintf("0x%x", conn.qpn)).
		Int("worker", slot).
		Bool("dedicated_cq", dedicated).
		Str("device", ctx.Name()).
		Msg("Connection registered")
	return conn, nil
}

// createWorker creates a completion channel and an armed completion queue for
// worker slot.
func (r *Registry) createWorker(ctx rdma.DeviceContext, slot int) (*worker, error) {
	ch, err := ctx.CreateCompChannel()
	if err != nil {
		return nil, fmt.Errorf("failed to create completion channel: %w", err)
	}
	cq, err := ctx.CreateCQ(r.cfg.CQDepth(), ch)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to create CQ: %w", err)
	}
	if err := cq.ReqNotify(); err != nil {
		_ = cq.Destroy()
		_ = ch.Close()
		return nil, fmt.Errorf("failed to arm CQ: %w", err)
	}

	cpu := -1
	if r.cfg.WorkerAffinity {
		cpu = r.hint.CPUFor(slot)
	}
	return newWorker(slot, ch, cq, int(r.cfg.PollBatch), cpu, r.dispatch, r.workerFailed), nil
}

// Delete removes the entries of a connection. It reports whether they were
// present, so exactly one caller observes the removal.
func (r *Registry) Delete(id uint64, qpNum uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	delete(r.cqByID, id)
	if r.byQP[qpNum] == conn {
		delete(r.byQP, qpNum)
	}
	return true
}

// workerFailed tears down the connections whose completions can no longer be
// delivered by w. The slot gets a fresh worker on the next NewConnection.
func (r *Registry) workerFailed(w *worker) {
	r.mu.Lock()
	var conns []*Connection
	for id, cq := range r.cqByID {
		if cq == w.cq {
			conns = append(conns, r.byID[id])
		}
	}
	r.mu.Unlock()

	log.Error().
		Int("worker", w.index).
		Int("connections", len(conns)).
		Msg("CQ worker failed, closing its connections")
	for _, conn := range conns {
		if err := conn.Close(); err != nil && !errors.Is(err, ErrConnectionClosed) {
			log.Warn().Err(err).Uint64("conn_id", conn.ID()).Msg("Failed to close connection of failed worker")
		}
	}
}

// connectionClosed is called by Connection.Close after a registered
// connection was torn down.
func (r *Registry) connectionClosed(c *Connection) {
	r.metrics.ConnectionClosed()
	if r.onClose != nil {
		r.onClose(c)
	}
}

// Close tears down every connection, then stops and joins the workers and
// destroys their completion queues. Close hooks run without any registry lock
// held.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	// Wait for an in-flight NewConnection so its connection is torn down too.
	// No connection or worker is created once closed is set.
	r.createMu.Lock()
	conns := r.Connections()
	workers := make([]*worker, 0, len(r.workers))
	for i, w := range r.workers {
		if w != nil {
			workers = append(workers, w)
			r.workers[i] = nil
		}
	}
	r.createMu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && !errors.Is(err, ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("close connection %d: %w", conn.ID(), err))
		}
	}

	for _, w := range workers {
		w.stop()
		w.destroy()
	}
	return errors.Join(errs...)
}
