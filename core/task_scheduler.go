package core

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// TaskScheduler is the shared FIFO ready queue behind a goroutine pool.
// Workers block in GetWork; lanes reach it through the pool's Execute.
type TaskScheduler struct {
	mu          sync.Mutex
	queue       fifo[func()]
	signal      chan struct{}
	workerCount int

	metricQueued atomic.Int32 // Waiting in the ready queue
	metricActive atomic.Int32 // Executing in a worker

	panicHandler        PanicHandler
	metrics             Metrics
	rejectedTaskHandler RejectedTaskHandler

	shuttingDown atomic.Bool
}

// NewTaskScheduler creates a scheduler for workerCount workers with default handlers.
func NewTaskScheduler(workerCount int) *TaskScheduler {
	return NewTaskSchedulerWithConfig(workerCount, DefaultTaskQueueConfig())
}

// NewTaskSchedulerWithConfig creates a scheduler using the handlers in config.
func NewTaskSchedulerWithConfig(workerCount int, config *TaskQueueConfig) *TaskScheduler {
	cfg := config.withDefaults()
	return &TaskScheduler{
		queue:               newFIFO[func()](),
		signal:              make(chan struct{}, workerCount*2),
		workerCount:         workerCount,
		panicHandler:        cfg.PanicHandler,
		metrics:             cfg.Metrics,
		rejectedTaskHandler: cfg.RejectedTaskHandler,
	}
}

// PostInternal queues fn for the next free worker.
func (s *TaskScheduler) PostInternal(fn func()) error {
	if s.shuttingDown.Load() {
		s.rejectedTaskHandler.HandleRejectedTask("TaskScheduler", "shutting down")
		s.metrics.RecordTaskRejected("TaskScheduler", "shutting down")
		return ErrExecutorStopped
	}

	s.mu.Lock()
	s.queue.push(fn)
	s.mu.Unlock()
	s.metricQueued.Add(1)

	select {
	case s.signal <- struct{}{}:
	default:
		// Signal channel full, but the function is already queued
	}
	return nil
}

// GetWork blocks until a function is available or stopCh closes.
func (s *TaskScheduler) GetWork(stopCh <-chan struct{}) (func(), bool) {
	for {
		s.mu.Lock()
		fn, ok := s.queue.pop()
		s.mu.Unlock()
		if ok {
			s.metricQueued.Add(-1)
			return fn, true
		}

		select {
		case <-s.signal:
			continue
		case <-stopCh:
			return nil, false
		}
	}
}

// Shutdown stops accepting work and drops everything still queued.
func (s *TaskScheduler) Shutdown() {
	s.shuttingDown.Store(true)
	s.clear()
}

// ShutdownGraceful waits for all queued and active work to complete.
// Returns error if timeout is exceeded before the work completes.
func (s *TaskScheduler) ShutdownGraceful(timeout time.Duration) error {
	s.shuttingDown.Store(true)

	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			s.clear()
			return fmt.Errorf("shutdown graceful timeout after %v, forced clearing", timeout)
		case <-ticker.C:
			if s.QueuedTaskCount() == 0 && s.ActiveTaskCount() == 0 {
				return nil
			}
		}
	}
}

func (s *TaskScheduler) clear() {
	s.mu.Lock()
	dropped := s.queue.drain()
	s.mu.Unlock()
	s.metricQueued.Add(-int32(len(dropped)))
}

func (s *TaskScheduler) WorkerCount() int     { return s.workerCount }
func (s *TaskScheduler) QueuedTaskCount() int { return int(s.metricQueued.Load()) }
func (s *TaskScheduler) ActiveTaskCount() int { return int(s.metricActive.Load()) }

func (s *TaskScheduler) OnTaskStart() {
	s.metricActive.Add(1)
}

func (s *TaskScheduler) OnTaskEnd() {
	s.metricActive.Add(-1)
}

// GetPanicHandler returns the panic handler for this scheduler
func (s *TaskScheduler) GetPanicHandler() PanicHandler {
	return s.panicHandler
}

// GetMetrics returns the metrics collector for this scheduler
func (s *TaskScheduler) GetMetrics() Metrics {
	return s.metrics
}
