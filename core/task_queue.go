package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// TaskQueue is a registry of independent FIFO lanes.
//
// Each lane runs its tasks strictly in submission order, one at a time, on
// the Executor it was registered with. Lanes have no ordering relationship
// with each other. A TaskQueue is safe for concurrent use.
type TaskQueue struct {
	cfg TaskQueueConfig

	mu     sync.RWMutex
	lanes  map[LaneID]*lane
	nextID atomic.Uint64

	dmOnce sync.Once
	dm     *DelayManager
}

// NewTaskQueue creates a TaskQueue with default handlers.
func NewTaskQueue() *TaskQueue {
	return NewTaskQueueWithConfig(nil)
}

// NewTaskQueueWithConfig creates a TaskQueue. Nil fields in config fall back
// to the defaults of DefaultTaskQueueConfig.
func NewTaskQueueWithConfig(config *TaskQueueConfig) *TaskQueue {
	return &TaskQueue{
		cfg:   config.withDefaults(),
		lanes: make(map[LaneID]*lane),
	}
}

// =============================================================================
// Lane options
// =============================================================================

type laneOptions struct {
	name     string
	executor Executor
}

// LaneOption configures AddQueue.
type LaneOption func(*laneOptions)

// WithExecutor runs the lane on e instead of a dedicated goroutine.
// The lane never stops an executor it did not create.
func WithExecutor(e Executor) LaneOption {
	return func(o *laneOptions) {
		o.executor = e
	}
}

// WithName names the lane in logs, metrics and stats.
func WithName(name string) LaneOption {
	return func(o *laneOptions) {
		o.name = name
	}
}

// AddQueue registers a new lane and returns its id.
func (q *TaskQueue) AddQueue(opts ...LaneOption) LaneID {
	var o laneOptions
	for _, opt := range opts {
		opt(&o)
	}

	id := LaneID(q.nextID.Add(1))
	if o.name == "" {
		o.name = fmt.Sprintf("lane-%d", id)
	}

	exec, owns := o.executor, false
	if exec == nil {
		exec = NewSingleThreadExecutorWithHandler(o.name, q.cfg.PanicHandler)
		owns = true
	}

	l := newLane(id, o.name, exec, owns, &q.cfg)

	q.mu.Lock()
	q.lanes[id] = l
	q.mu.Unlock()

	q.cfg.Logger.Debug("Lane registered",
		F("lane", o.name),
		F("id", uint64(id)),
		F("executor", exec.ID()))
	return id
}

func (q *TaskQueue) lookup(id LaneID) (*lane, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	l, ok := q.lanes[id]
	return l, ok
}

func (q *TaskQueue) remove(id LaneID) {
	q.mu.Lock()
	delete(q.lanes, id)
	q.mu.Unlock()
}

func (q *TaskQueue) reject(id LaneID, l *lane, reason string) {
	name := fmt.Sprintf("lane-%d", id)
	if l != nil {
		name = l.name
		l.rejected.Add(1)
	}
	q.cfg.RejectedTaskHandler.HandleRejectedTask(name, reason)
	q.cfg.Metrics.RecordTaskRejected(name, reason)
}

// AddTask appends task to lane id and returns a handle that completes once
// the task has run.
//
// Errors:
//   - ErrContextDone (wrapping ctx.Err()) if ctx is already done
//   - ErrUnknownLane if id was never registered or has been removed
//   - ErrLaneClosed once Close or Destroy was requested for the lane
func (q *TaskQueue) AddTask(ctx context.Context, id LaneID, task Task, opts ...TaskOption) (*WaitHandle, error) {
	if task == nil {
		return nil, ErrNilTask
	}

	l, ok := q.lookup(id)
	if !ok {
		q.reject(id, nil, "unknown lane")
		return nil, fmt.Errorf("%w: %d", ErrUnknownLane, id)
	}

	if err := ctx.Err(); err != nil {
		q.reject(id, l, "context done")
		return nil, fmt.Errorf("%w: %w", ErrContextDone, err)
	}

	var o taskOptions
	for _, opt := range opts {
		opt(&o)
	}

	h := newWaitHandle()
	item := taskItem{task: task, name: o.name, handle: h, onError: o.onError}
	if err := l.push(item, false); err != nil {
		q.reject(id, l, "lane closed")
		return nil, fmt.Errorf("%w: %s", err, l.name)
	}
	return h, nil
}

// AddDelayedTask enqueues task on lane id once delay has elapsed.
// The lane is checked now and again when the delay fires; a task whose lane
// closed in between is dropped and logged.
func (q *TaskQueue) AddDelayedTask(ctx context.Context, id LaneID, task Task, delay time.Duration, opts ...TaskOption) error {
	if task == nil {
		return ErrNilTask
	}
	l, ok := q.lookup(id)
	if !ok {
		q.reject(id, nil, "unknown lane")
		return fmt.Errorf("%w: %d", ErrUnknownLane, id)
	}
	if err := ctx.Err(); err != nil {
		q.reject(id, l, "context done")
		return fmt.Errorf("%w: %w", ErrContextDone, err)
	}
	if l.isClosing() {
		q.reject(id, l, "lane closed")
		return fmt.Errorf("%w: %s", ErrLaneClosed, l.name)
	}

	q.delayManager().AddDelayedTask(func() {
		if _, err := q.AddTask(context.Background(), id, task, opts...); err != nil {
			q.cfg.Logger.Warn("Delayed task dropped", F("lane", l.name), F("error", err))
		}
	}, delay)
	return nil
}

func (q *TaskQueue) delayManager() *DelayManager {
	q.dmOnce.Do(func() {
		q.dm = NewDelayManager()
	})
	return q.dm
}

// HasTask reports whether lane id has queued or in-flight work.
// It is a snapshot; the answer may be stale by the time it is used.
func (q *TaskQueue) HasTask(id LaneID) bool {
	l, ok := q.lookup(id)
	if !ok {
		return false
	}
	return l.hasTask()
}

// AwaitDrain blocks until lane id has no queued or in-flight work.
// Tasks added while waiting extend the wait.
func (q *TaskQueue) AwaitDrain(ctx context.Context, id LaneID) error {
	l, ok := q.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownLane, id)
	}
	for {
		idle := l.idleChan()
		select {
		case <-idle:
			if !l.hasTask() {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close requests an orderly shutdown of lane id.
//
// Later AddTask calls fail with ErrLaneClosed. A closing task is queued
// behind everything already submitted; when it runs the lane is removed,
// anything still queued is discarded, an executor created by AddQueue is
// stopped and onClosed (if non-nil) is called. The returned handle
// completes after onClosed returns.
func (q *TaskQueue) Close(id LaneID, onClosed func()) (*WaitHandle, error) {
	l, ok := q.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLane, id)
	}

	closeTask := func(ctx context.Context) error {
		discarded := l.terminate()
		l.discard(discarded, ErrLaneClosed)
		q.remove(id)
		l.shutdownExecutor()

		q.cfg.Logger.Debug("Lane closed",
			F("lane", l.name),
			F("discarded", len(discarded)))

		if onClosed != nil {
			onClosed()
		}
		return nil
	}

	h := newWaitHandle()
	if err := l.push(taskItem{task: closeTask, name: "close", handle: h}, true); err != nil {
		return nil, fmt.Errorf("%w: %s", err, l.name)
	}
	return h, nil
}

// Destroy tears lane id down without running its queued tasks. A task
// already executing finishes. It returns the number of discarded tasks.
func (q *TaskQueue) Destroy(id LaneID) int {
	l, ok := q.lookup(id)
	if !ok {
		return 0
	}
	discarded := l.terminate()
	q.remove(id)
	l.shutdownExecutor()
	l.discard(discarded, ErrLaneClosed)

	q.cfg.Logger.Debug("Lane destroyed",
		F("lane", l.name),
		F("discarded", len(discarded)))
	return len(discarded)
}

// Shutdown closes every lane and waits until all of them have terminated
// or ctx ends.
func (q *TaskQueue) Shutdown(ctx context.Context) error {
	q.mu.RLock()
	ids := make([]LaneID, 0, len(q.lanes))
	for id := range q.lanes {
		ids = append(ids, id)
	}
	q.mu.RUnlock()

	handles := make([]*WaitHandle, 0, len(ids))
	for _, id := range ids {
		h, err := q.Close(id, nil)
		if err != nil {
			// already closing; wait for its drain instead
			if err := q.AwaitDrain(ctx, id); err != nil && ctx.Err() != nil {
				return err
			}
			continue
		}
		handles = append(handles, h)
	}

	for _, h := range handles {
		if err := h.Wait(ctx); err != nil {
			return err
		}
	}

	if q.dm != nil {
		q.dm.Stop()
	}
	return nil
}

// Stats returns a snapshot of lane id.
func (q *TaskQueue) Stats(id LaneID) (LaneStats, bool) {
	l, ok := q.lookup(id)
	if !ok {
		return LaneStats{}, false
	}
	return l.stats(), true
}

// AllStats returns a snapshot of every registered lane.
func (q *TaskQueue) AllStats() []LaneStats {
	q.mu.RLock()
	lanes := make([]*lane, 0, len(q.lanes))
	for _, l := range q.lanes {
		lanes = append(lanes, l)
	}
	q.mu.RUnlock()

	out := make([]LaneStats, 0, len(lanes))
	for _, l := range lanes {
		out = append(out, l.stats())
	}
	return out
}

// RecentTasks returns up to limit execution records of lane id, newest first.
func (q *TaskQueue) RecentTasks(id LaneID, limit int) []TaskExecutionRecord {
	l, ok := q.lookup(id)
	if !ok {
		return nil
	}
	return l.history.Recent(limit)
}

// LaneCount returns the number of registered lanes.
func (q *TaskQueue) LaneCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.lanes)
}
