package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

type taskItem struct {
	task    Task
	name    string
	handle  *WaitHandle
	onError func(error)
}

// lane is a strict FIFO of tasks with at most one task in flight.
// The drain loop is posted to the lane's executor one task at a time, so a
// pooled lane yields its worker between tasks.
type lane struct {
	id       LaneID
	name     string
	exec     Executor
	ownsExec bool
	cfg      *TaskQueueConfig

	mu         sync.Mutex
	queue      fifo[taskItem]
	running    bool          // a runLoop is posted or executing
	closing    bool          // no more user tasks accepted
	terminated bool          // closing task ran; leftover work discarded
	idle       chan struct{} // closed while !running

	activeRunners atomic.Int32 // guard for the single-consumer assertion
	rejected      atomic.Int64
	history       *executionHistory
}

func newLane(id LaneID, name string, exec Executor, owns bool, cfg *TaskQueueConfig) *lane {
	idle := make(chan struct{})
	close(idle)
	return &lane{
		id:       id,
		name:     name,
		exec:     exec,
		ownsExec: owns,
		cfg:      cfg,
		queue:    newFIFO[taskItem](),
		idle:     idle,
		history:  newExecutionHistory(cfg.HistoryCapacity),
	}
}

// push appends item and starts the drain loop if the lane is idle.
// A closing item marks the lane closing; later pushes fail.
func (l *lane) push(item taskItem, isClose bool) error {
	l.mu.Lock()
	if l.closing || l.terminated {
		l.mu.Unlock()
		return ErrLaneClosed
	}
	if isClose {
		l.closing = true
	}
	l.queue.push(item)
	depth := l.queue.len()
	start := !l.running
	if start {
		l.running = true
		l.idle = make(chan struct{})
	}
	l.mu.Unlock()

	l.cfg.Metrics.RecordQueueDepth(l.name, depth)

	if start {
		l.scheduleRunLoop()
	}
	return nil
}

func (l *lane) scheduleRunLoop() {
	if err := l.exec.Execute(l.runLoop); err != nil {
		l.abort(err)
	}
}

func (l *lane) runLoop(ctx context.Context) {
	if l.step(ctx) {
		l.scheduleRunLoop()
	}
}

// step runs one task and reports whether more work is queued.
//
// The runner count is released under l.mu before the lane is marked idle,
// so a push that restarts the lane never overlaps this step.
func (l *lane) step(ctx context.Context) bool {
	// Assertion: Ensure strictly one goroutine at a time
	if n := l.activeRunners.Add(1); n > 1 {
		l.activeRunners.Add(-1)
		panic(fmt.Sprintf("lane %s: concurrent runLoop detected (count=%d)", l.name, n))
	}

	l.mu.Lock()
	item, ok := l.queue.pop()
	if !ok {
		l.releaseLocked(true)
		l.mu.Unlock()
		return false
	}
	depth := l.queue.len()
	l.mu.Unlock()

	l.cfg.Metrics.RecordQueueDepth(l.name, depth)
	l.execute(ctx, item)

	l.mu.Lock()
	defer l.mu.Unlock()
	idle := l.terminated || l.queue.len() == 0
	l.releaseLocked(idle)
	return !idle
}

// releaseLocked ends the current step, marking the lane idle if asked.
func (l *lane) releaseLocked(idle bool) {
	l.activeRunners.Add(-1)
	if idle {
		l.markIdleLocked()
	}
}

func (l *lane) markIdleLocked() {
	if !l.running {
		return
	}
	l.running = false
	close(l.idle)
}

func (l *lane) execute(ctx context.Context, item taskItem) {
	runCtx := context.WithValue(ctx, laneKey, l.id)
	startedAt := time.Now()

	panicked, err := l.invoke(runCtx, item.task)

	finishedAt := time.Now()
	duration := finishedAt.Sub(startedAt)
	l.cfg.Metrics.RecordTaskDuration(l.name, duration)
	l.history.Add(TaskExecutionRecord{
		TaskID:     item.handle.ID(),
		Name:       resolveTaskName(item.task, item.name),
		LaneName:   l.name,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Duration:   duration,
		Panicked:   panicked,
		Failed:     err != nil,
	})

	if err != nil {
		l.reportError(runCtx, item, err)
	}
	item.handle.complete(err)
}

func (l *lane) invoke(ctx context.Context, task Task) (panicked bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			l.cfg.PanicHandler.HandlePanic(ctx, l.name, -1, rec, stack)
			l.cfg.Metrics.RecordTaskPanic(l.name, rec)
			err = &PanicError{Value: rec, Stack: stack}
			panicked = true
		}
	}()
	return false, task(ctx)
}

func (l *lane) reportError(ctx context.Context, item taskItem, err error) {
	if item.onError == nil {
		l.cfg.Logger.Warn("Task failed",
			F("lane", l.name),
			F("task", item.handle.ID().String()),
			F("error", err))
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			l.cfg.PanicHandler.HandlePanic(ctx, l.name, -1, rec, debug.Stack())
		}
	}()
	item.onError(err)
}

// terminate marks the lane closed for good and returns the discarded work.
func (l *lane) terminate() []taskItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closing = true
	l.terminated = true
	return l.queue.drain()
}

// abort is called when the executor refuses the drain loop. Queued work can
// no longer run, so it is failed with err.
func (l *lane) abort(err error) {
	l.mu.Lock()
	items := l.queue.drain()
	l.markIdleLocked()
	l.mu.Unlock()

	l.cfg.Logger.Error("Lane executor refused work",
		F("lane", l.name),
		F("executor", l.exec.ID()),
		F("dropped", len(items)),
		F("error", err))
	l.discard(items, err)
}

func (l *lane) discard(items []taskItem, err error) {
	for _, item := range items {
		l.rejected.Add(1)
		l.cfg.RejectedTaskHandler.HandleRejectedTask(l.name, "discarded")
		l.cfg.Metrics.RecordTaskRejected(l.name, "discarded")
		item.handle.complete(err)
	}
}

func (l *lane) shutdownExecutor() {
	if !l.ownsExec {
		return
	}
	if s, ok := l.exec.(shutdowner); ok {
		s.Shutdown()
	}
}

func (l *lane) hasTask() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running || l.queue.len() > 0
}

func (l *lane) idleChan() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idle
}

func (l *lane) stats() LaneStats {
	l.mu.Lock()
	st := LaneStats{
		ID:       l.id,
		Name:     l.name,
		Executor: l.exec.ID(),
		Pending:  l.queue.len(),
		Running:  l.running,
		Closing:  l.closing,
	}
	l.mu.Unlock()

	st.Rejected = l.rejected.Load()
	if last, ok := l.history.Last(); ok {
		st.LastTaskName = last.Name
		st.LastTaskAt = last.FinishedAt
	}
	return st
}

func (l *lane) isClosing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closing
}
