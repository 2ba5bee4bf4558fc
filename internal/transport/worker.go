package transport

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rdmamsg/internal/affinity"
	"github.com/yuuki/rdmamsg/internal/rdma"
)

const rearmAttempts = 3

// worker drains one completion queue. It is the only goroutine that polls
// its queue, so completions of a queue pair are handled in queue order.
type worker struct {
	index    int
	channel  rdma.CompChannel
	cq       rdma.CompletionQueue
	batch    int
	cpu      int
	dispatch func(*rdma.WorkCompletion)
	onFail   func(*worker)

	stopped atomic.Bool
	failed  atomic.Bool
	started bool
	done    chan struct{}
	once    sync.Once
}

// newWorker creates a stopped worker. onFail, if set, is called from the
// worker goroutine when the queue can no longer be waited on.
func newWorker(index int, ch rdma.CompChannel, cq rdma.CompletionQueue, batch, cpu int, dispatch func(*rdma.WorkCompletion), onFail func(*worker)) *worker {
	if batch <= 0 {
		batch = 1
	}
	return &worker{
		index:    index,
		channel:  ch,
		cq:       cq,
		batch:    batch,
		cpu:      cpu,
		dispatch: dispatch,
		onFail:   onFail,
		done:     make(chan struct{}),
	}
}

func (w *worker) start() {
	w.started = true
	go w.run()
}

// run blocks on the completion channel, acknowledges and re-arms, then polls
// the queue empty before blocking again.
func (w *worker) run() {
	defer close(w.done)

	if w.cpu >= 0 {
		if err := affinity.PinThread(w.cpu); err != nil {
			log.Warn().Err(err).Int("worker", w.index).Int("cpu", w.cpu).Msg("Failed to pin CQ worker, continuing unpinned")
		} else {
			log.Debug().Int("worker", w.index).Int("cpu", w.cpu).Msg("Pinned CQ worker")
		}
	}

	log.Debug().Int("worker", w.index).Int("poll_batch", w.batch).Msg("CQ worker started")
	wcs := make([]rdma.WorkCompletion, w.batch)
	for !w.stopped.Load() {
		cq, err := w.channel.GetCQEvent()
		if err != nil {
			if errors.Is(err, rdma.ErrChannelClosed) || w.stopped.Load() {
				break
			}
			log.Error().Err(err).Int("worker", w.index).Msg("Failed to get CQ event")
			w.fail()
			break
		}
		cq.AckEvents(1)
		if err := w.rearm(cq); err != nil {
			log.Error().Err(err).Int("worker", w.index).Msg("Failed to re-request CQ notification")
			w.drain(cq, wcs)
			w.fail()
			break
		}
		w.drain(cq, wcs)
	}
	log.Debug().Int("worker", w.index).Msg("CQ worker stopped")
}

// rearm requests the next notification, retrying a few times before giving
// up on the queue.
func (w *worker) rearm(cq rdma.CompletionQueue) error {
	var err error
	for attempt := 0; attempt < rearmAttempts; attempt++ {
		if err = cq.ReqNotify(); err == nil {
			return nil
		}
		if w.stopped.Load() {
			return err
		}
	}
	return err
}

// fail marks the worker as dead and reports it unless it is being stopped.
func (w *worker) fail() {
	w.failed.Store(true)
	if w.onFail != nil && !w.stopped.Load() {
		w.onFail(w)
	}
}

// drain polls cq until it is empty.
func (w *worker) drain(cq rdma.CompletionQueue, wcs []rdma.WorkCompletion) {
	for !w.stopped.Load() {
		n, err := cq.Poll(wcs)
		if err != nil {
			log.Error().Err(err).Int("worker", w.index).Msg("Failed to poll CQ")
			return
		}
		if n == 0 {
			return
		}
		for i := 0; i < n; i++ {
			w.dispatch(&wcs[i])
		}
	}
}

// stop ends the worker loop by closing its completion channel and waits for
// the goroutine to exit.
func (w *worker) stop() {
	w.stopped.Store(true)
	_ = w.channel.Close()
	if w.started {
		<-w.done
	}
}

// destroy releases the completion queue and channel.
func (w *worker) destroy() {
	w.once.Do(func() {
		if err := w.cq.Destroy(); err != nil {
			log.Warn().Err(err).Int("worker", w.index).Msg("Failed to destroy CQ")
		}
		_ = w.channel.Close()
	})
}
