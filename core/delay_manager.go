package core

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DelayedTask is a callback scheduled for the future
type DelayedTask struct {
	RunAt time.Time
	Fire  func()
	index int // for heap interface
}

// DelayedTaskHeap implements heap.Interface
type DelayedTaskHeap []*DelayedTask

func (h DelayedTaskHeap) Len() int           { return len(h) }
func (h DelayedTaskHeap) Less(i, j int) bool { return h[i].RunAt.Before(h[j].RunAt) }
func (h DelayedTaskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *DelayedTaskHeap) Push(x any) {
	n := len(*h)
	item := x.(*DelayedTask)
	item.index = n
	*h = append(*h, item)
}

func (h *DelayedTaskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[0 : n-1]
	return item
}

func (h *DelayedTaskHeap) Peek() *DelayedTask {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

// DelayManager runs callbacks at a future time from a single timer goroutine.
// Each expired callback runs on its own goroutine so a slow callback never
// holds back the timer.
type DelayManager struct {
	pq     DelayedTaskHeap
	mu     sync.Mutex
	wakeup chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func NewDelayManager() *DelayManager {
	ctx, cancel := context.WithCancel(context.Background())
	dm := &DelayManager{
		pq:     make(DelayedTaskHeap, 0),
		wakeup: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	heap.Init(&dm.pq)
	go dm.loop()
	return dm
}

// AddDelayedTask schedules fire to run once after delay.
func (dm *DelayManager) AddDelayedTask(fire func(), delay time.Duration) {
	dm.addAt(time.Now().Add(delay), fire)
}

func (dm *DelayManager) addAt(runAt time.Time, fire func()) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.ctx.Err() != nil {
		return
	}

	item := &DelayedTask{
		RunAt: runAt,
		Fire:  fire,
	}
	heap.Push(&dm.pq, item)

	if item.index == 0 {
		select {
		case dm.wakeup <- struct{}{}:
		default:
		}
	}
}

// RepeatingTaskHandle controls a repeating callback.
type RepeatingTaskHandle interface {
	// Stop prevents further runs. A run already in progress completes.
	Stop()
	IsStopped() bool
}

type repeatingTaskHandle struct {
	stopped atomic.Bool
}

func (h *repeatingTaskHandle) Stop()           { h.stopped.Store(true) }
func (h *repeatingTaskHandle) IsStopped() bool { return h.stopped.Load() }

// Repeat runs fire at first, then at next(previous scheduled time) until the
// handle is stopped. Runs never overlap: the following run is only scheduled
// once fire has returned, and it fires immediately if its time already passed.
func (dm *DelayManager) Repeat(first time.Time, next func(prev time.Time) time.Time, fire func()) RepeatingTaskHandle {
	h := &repeatingTaskHandle{}
	var schedule func(at time.Time)
	schedule = func(at time.Time) {
		dm.addAt(at, func() {
			if h.IsStopped() {
				return
			}
			fire()
			if !h.IsStopped() {
				schedule(next(at))
			}
		})
	}
	schedule(first)
	return h
}

func (dm *DelayManager) loop() {
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		nextRun := dm.calculateNextRun()
		if nextRun < 0 {
			// No tasks, wait indefinitely
			nextRun = 1000 * time.Hour
		}

		timer.Reset(nextRun)

		select {
		case <-dm.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			dm.processExpiredTasks()
		case <-dm.wakeup:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
	}
}

// calculateNextRun determines how long to wait until the next task.
// Returns -1 if nothing is scheduled and 0 if a task is already due.
func (dm *DelayManager) calculateNextRun() time.Duration {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	item := dm.pq.Peek()
	if item == nil {
		return -1
	}

	now := time.Now()
	if item.RunAt.Before(now) {
		return 0
	}
	return item.RunAt.Sub(now)
}

func (dm *DelayManager) processExpiredTasks() {
	dm.mu.Lock()

	now := time.Now()
	var expired []*DelayedTask

	for dm.pq.Len() > 0 {
		item := dm.pq.Peek()
		if item.RunAt.After(now) {
			break
		}
		heap.Pop(&dm.pq)
		expired = append(expired, item)
	}

	dm.mu.Unlock()

	for _, item := range expired {
		go item.Fire()
	}
}

// Stop cancels every pending callback. Callbacks already running complete.
func (dm *DelayManager) Stop() {
	dm.mu.Lock()
	dm.cancel()
	dm.pq = make(DelayedTaskHeap, 0)
	heap.Init(&dm.pq)
	dm.mu.Unlock()
}

func (dm *DelayManager) TaskCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.pq)
}
