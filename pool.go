package pdstream

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/PatternDirClean/PDStream/core"
)

// GoroutineThreadPool manages a set of worker goroutines.
// Workers pull lane drain loops from the scheduler and run them, so many lanes
// can share a few goroutines while each lane still runs one task at a time.
type GoroutineThreadPool struct {
	id        string
	workers   int
	scheduler *core.TaskScheduler
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	runningMu sync.RWMutex
}

var _ core.Executor = (*GoroutineThreadPool)(nil)

// NewGoroutineThreadPool creates a new GoroutineThreadPool with default handlers.
func NewGoroutineThreadPool(id string, workers int) *GoroutineThreadPool {
	return NewGoroutineThreadPoolWithConfig(id, workers, core.DefaultTaskQueueConfig())
}

// NewGoroutineThreadPoolWithConfig creates a pool whose panic handler and
// metrics come from cfg.
func NewGoroutineThreadPoolWithConfig(id string, workers int, cfg *core.TaskQueueConfig) *GoroutineThreadPool {
	if workers < 1 {
		workers = 1
	}
	return &GoroutineThreadPool{
		id:        id,
		workers:   workers,
		scheduler: core.NewTaskSchedulerWithConfig(workers, cfg),
	}
}

// Start starts all worker goroutines
func (tg *GoroutineThreadPool) Start(ctx context.Context) {
	tg.runningMu.Lock()
	defer tg.runningMu.Unlock()

	if tg.running {
		return // Already running
	}

	tg.ctx, tg.cancel = context.WithCancel(ctx)
	tg.running = true

	for i := 0; i < tg.workers; i++ {
		tg.wg.Add(1)
		go tg.workerLoop(i, tg.ctx)
	}
}

// Stop stops the pool and drops queued work.
// Lanes whose drain loop is dropped stay stalled; close them first.
func (tg *GoroutineThreadPool) Stop() {
	// Always shut the scheduler down, even if the pool was never started
	tg.scheduler.Shutdown()

	tg.runningMu.Lock()
	if !tg.running {
		tg.runningMu.Unlock()
		return
	}
	tg.runningMu.Unlock()

	if tg.cancel != nil {
		tg.cancel()
	}
	tg.Join()

	tg.runningMu.Lock()
	tg.running = false
	tg.runningMu.Unlock()
}

// StopGraceful stops the pool once queued work has run.
// Returns error if timeout is exceeded before the work completes.
func (tg *GoroutineThreadPool) StopGraceful(timeout time.Duration) error {
	tg.runningMu.Lock()
	if !tg.running {
		tg.runningMu.Unlock()
		return nil
	}
	tg.runningMu.Unlock()

	err := tg.scheduler.ShutdownGraceful(timeout)

	if tg.cancel != nil {
		tg.cancel()
	}
	tg.Join()

	tg.runningMu.Lock()
	tg.running = false
	tg.runningMu.Unlock()

	return err
}

// Execute queues fn for the next free worker. It fails with
// ErrExecutorStopped once the pool is stopped or its context is done.
func (tg *GoroutineThreadPool) Execute(fn func(ctx context.Context)) error {
	if fn == nil {
		return core.ErrNilTask
	}
	tg.runningMu.RLock()
	running, ctx := tg.running, tg.ctx
	tg.runningMu.RUnlock()

	// Workers exit once ctx is done, even before Stop runs.
	if !running || ctx.Err() != nil {
		return fmt.Errorf("pool %s: %w", tg.id, core.ErrExecutorStopped)
	}
	return tg.scheduler.PostInternal(func() { fn(ctx) })
}

// ID returns the ID of the thread pool
func (tg *GoroutineThreadPool) ID() string {
	return tg.id
}

// IsRunning returns whether the thread pool is running
func (tg *GoroutineThreadPool) IsRunning() bool {
	tg.runningMu.RLock()
	defer tg.runningMu.RUnlock()
	return tg.running
}

func (tg *GoroutineThreadPool) workerLoop(id int, ctx context.Context) {
	defer tg.wg.Done()
	stopCh := ctx.Done()

	for {
		fn, ok := tg.scheduler.GetWork(stopCh)
		if !ok {
			return
		}

		tg.scheduler.OnTaskStart()
		tg.run(ctx, id, fn)
	}
}

func (tg *GoroutineThreadPool) run(ctx context.Context, workerID int, fn func()) {
	defer func() {
		tg.scheduler.OnTaskEnd()
		if r := recover(); r != nil {
			tg.scheduler.GetPanicHandler().HandlePanic(ctx, tg.id, workerID, r, debug.Stack())
			tg.scheduler.GetMetrics().RecordTaskPanic(tg.id, r)
		}
	}()
	fn()
}

// Join waits for all worker goroutines to finish
func (tg *GoroutineThreadPool) Join() {
	tg.wg.Wait()
}

// WorkerCount returns the number of workers
func (tg *GoroutineThreadPool) WorkerCount() int {
	return tg.workers
}

func (tg *GoroutineThreadPool) QueuedTaskCount() int {
	return tg.scheduler.QueuedTaskCount()
}

func (tg *GoroutineThreadPool) ActiveTaskCount() int {
	return tg.scheduler.ActiveTaskCount()
}

// Stats returns a point-in-time snapshot of the pool.
func (tg *GoroutineThreadPool) Stats() core.PoolStats {
	return core.PoolStats{
		ID:      tg.id,
		Workers: tg.workers,
		Queued:  tg.QueuedTaskCount(),
		Active:  tg.ActiveTaskCount(),
		Running: tg.IsRunning(),
	}
}
