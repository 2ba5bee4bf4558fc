package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/yuuki/rdmamsg/internal/rdma"
)

// MockCompChannel is a mock implementation of rdma.CompChannel
type MockCompChannel struct {
	mock.Mock
}

func (m *MockCompChannel) GetCQEvent() (rdma.CompletionQueue, error) {
	args := m.Called()
	cq, _ := args.Get(0).(rdma.CompletionQueue)
	return cq, args.Error(1)
}

func (m *MockCompChannel) Close() error {
	return m.Called().Error(0)
}

// MockCQ is a mock implementation of rdma.CompletionQueue
type MockCQ struct {
	mock.Mock
}

func (m *MockCQ) ReqNotify() error {
	return m.Called().Error(0)
}

func (m *MockCQ) AckEvents(n int) {
	m.Called(n)
}

func (m *MockCQ) Poll(wcs []rdma.WorkCompletion) (int, error) {
	args := m.Called(wcs)
	return args.Int(0), args.Error(1)
}

func (m *MockCQ) Destroy() error {
	return m.Called().Error(0)
}

func TestWorkerRearmFailureReportsFailure(t *testing.T) {
	cq := new(MockCQ)
	ch := new(MockCompChannel)
	ch.On("GetCQEvent").Return(cq, nil).Once()
	ch.On("Close").Return(nil)
	cq.On("AckEvents", 1).Once()
	cq.On("ReqNotify").Return(errors.New("notify failed")).Times(rearmAttempts)
	// Completions already queued are still delivered.
	cq.On("Poll", mock.Anything).Run(func(args mock.Arguments) {
		args.Get(0).([]rdma.WorkCompletion)[0] = rdma.WorkCompletion{WRID: 7}
	}).Return(1, nil).Once()
	cq.On("Poll", mock.Anything).Return(0, nil).Once()

	var delivered []uint64
	failed := make(chan *worker, 1)
	w := newWorker(0, ch, cq, 4, -1, func(wc *rdma.WorkCompletion) {
		delivered = append(delivered, wc.WRID)
	}, func(w *worker) { failed <- w })
	w.start()

	select {
	case got := <-failed:
		assert.Same(t, w, got)
	case <-time.After(5 * time.Second):
		t.Fatal("worker failure was not reported")
	}
	<-w.done
	assert.True(t, w.failed.Load())
	assert.Equal(t, []uint64{7}, delivered)
	cq.AssertExpectations(t)
}

func TestWorkerRearmRetries(t *testing.T) {
	cq := new(MockCQ)
	ch := new(MockCompChannel)
	ch.On("GetCQEvent").Return(cq, nil).Once()
	ch.On("GetCQEvent").Return(nil, rdma.ErrChannelClosed)
	ch.On("Close").Return(nil)
	cq.On("AckEvents", 1).Once()
	cq.On("ReqNotify").Return(errors.New("transient")).Once()
	cq.On("ReqNotify").Return(nil).Once()
	cq.On("Poll", mock.Anything).Return(0, nil).Once()

	w := newWorker(0, ch, cq, 4, -1, func(*rdma.WorkCompletion) {}, func(*worker) {
		t.Error("worker must not fail after a successful retry")
	})
	w.start()
	<-w.done

	assert.False(t, w.failed.Load())
	cq.AssertExpectations(t)
}

func TestWorkerStopDoesNotReportFailure(t *testing.T) {
	cq := new(MockCQ)
	ch := new(MockCompChannel)
	var w *worker
	// stop interrupts the blocked wait with an error.
	ch.On("GetCQEvent").Run(func(mock.Arguments) {
		w.stopped.Store(true)
	}).Return(nil, errors.New("interrupted")).Once()
	ch.On("Close").Return(nil)

	w = newWorker(0, ch, cq, 4, -1, func(*rdma.WorkCompletion) {}, func(*worker) {
		t.Error("stopped worker must not report failure")
	})
	w.start()
	<-w.done
	assert.False(t, w.failed.Load())
	ch.AssertExpectations(t)
}
