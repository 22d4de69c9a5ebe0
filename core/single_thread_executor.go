package core

import (
	"context"
	"runtime/debug"
	"sync"
)

// SingleThreadExecutor binds a dedicated goroutine to execute functions
// sequentially. Everything posted to it runs on the same goroutine.
//
// Use cases:
// 1. A lane that must never share a goroutine with other lanes
// 2. Blocking IO sinks (slow files, pipes)
type SingleThreadExecutor struct {
	id string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  fifo[func(ctx context.Context)]
	closed bool

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	once    sync.Once

	panicHandler PanicHandler
}

// NewSingleThreadExecutor creates and starts a new SingleThreadExecutor.
// It immediately spawns a dedicated goroutine for execution.
func NewSingleThreadExecutor(id string) *SingleThreadExecutor {
	return NewSingleThreadExecutorWithHandler(id, &DefaultPanicHandler{})
}

// NewSingleThreadExecutorWithHandler is NewSingleThreadExecutor with a custom
// handler for panics that escape the posted functions.
func NewSingleThreadExecutorWithHandler(id string, handler PanicHandler) *SingleThreadExecutor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &SingleThreadExecutor{
		id:           id,
		queue:        newFIFO[func(ctx context.Context)](),
		ctx:          ctx,
		cancel:       cancel,
		stopped:      make(chan struct{}),
		panicHandler: handler,
	}
	e.cond = sync.NewCond(&e.mu)

	go e.runLoop()

	return e
}

// ID returns the executor id
func (e *SingleThreadExecutor) ID() string {
	return e.id
}

// Execute queues fn for the dedicated goroutine.
func (e *SingleThreadExecutor) Execute(fn func(ctx context.Context)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrExecutorStopped
	}
	e.queue.push(fn)
	e.cond.Signal()
	return nil
}

// QueuedTaskCount returns the number of functions waiting to run.
func (e *SingleThreadExecutor) QueuedTaskCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.len()
}

// Shutdown stops accepting new functions. Already queued functions still
// run, then the goroutine exits. It does not block, so a function running on
// the executor may call it.
func (e *SingleThreadExecutor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	e.cond.Broadcast()
}

// IsClosed returns true once Shutdown or Stop has been called
func (e *SingleThreadExecutor) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Stop shuts the executor down and waits for the goroutine to exit.
// Must not be called from the executor's own goroutine.
func (e *SingleThreadExecutor) Stop() {
	e.once.Do(func() {
		e.Shutdown()
		<-e.stopped
		e.cancel()
	})
}

// WaitStopped blocks until the dedicated goroutine has exited.
func (e *SingleThreadExecutor) WaitStopped(ctx context.Context) error {
	select {
	case <-e.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLoop is the core of this executor, it occupies a dedicated goroutine
func (e *SingleThreadExecutor) runLoop() {
	defer close(e.stopped)

	for {
		e.mu.Lock()
		for e.queue.len() == 0 && !e.closed {
			e.cond.Wait()
		}
		fn, ok := e.queue.pop()
		e.mu.Unlock()

		if !ok {
			// closed and drained
			return
		}
		e.run(fn)
	}
}

func (e *SingleThreadExecutor) run(fn func(ctx context.Context)) {
	defer func() {
		if rec := recover(); rec != nil {
			e.panicHandler.HandlePanic(e.ctx, e.id, -1, rec, debug.Stack())
		}
	}()
	fn(e.ctx)
}
