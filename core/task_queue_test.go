package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *TaskQueue {
	t.Helper()
	q := NewTaskQueueWithConfig(&TaskQueueConfig{Logger: NewNoOpLogger()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestTaskQueue_FIFOOrder verifies tasks on one lane run in submission order
// Given: A lane with a dedicated executor
// When: 100 tasks are submitted from one goroutine
// Then: They run exactly in submission order
func TestTaskQueue_FIFOOrder(t *testing.T) {
	// Arrange
	q := newTestQueue(t)
	id := q.AddQueue()

	var mu sync.Mutex
	var got []int

	// Act
	var last *WaitHandle
	for i := range 100 {
		h, err := q.AddTask(context.Background(), id, func(ctx context.Context) error {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		last = h
	}
	require.NoError(t, last.Wait(waitCtx(t)))

	// Assert
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

// TestTaskQueue_SingleActiveConsumer verifies no two tasks of a lane overlap
// Given: A lane whose tasks track concurrent execution
// When: Tasks are submitted concurrently from many goroutines
// Then: At most one task is ever in flight
func TestTaskQueue_SingleActiveConsumer(t *testing.T) {
	// Arrange
	q := newTestQueue(t)
	id := q.AddQueue()

	var inFlight, maxInFlight atomic.Int32
	task := func(ctx context.Context) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(50 * time.Microsecond)
		inFlight.Add(-1)
		return nil
	}

	// Act
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				_, err := q.AddTask(context.Background(), id, task)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, q.AwaitDrain(waitCtx(t), id))

	// Assert
	assert.Equal(t, int32(1), maxInFlight.Load())
}

// TestTaskQueue_LanesAreIndependent verifies a blocked lane does not stall others
// Given: Two lanes, the first blocked on a channel
// When: A task is submitted to the second lane
// Then: It completes while the first is still blocked
func TestTaskQueue_LanesAreIndependent(t *testing.T) {
	// Arrange
	q := newTestQueue(t)
	blocked := q.AddQueue(WithName("blocked"))
	free := q.AddQueue(WithName("free"))

	release := make(chan struct{})
	defer close(release)
	_, err := q.AddTask(context.Background(), blocked, func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	// Act
	h, err := q.AddTask(context.Background(), free, func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	// Assert
	require.NoError(t, h.Wait(waitCtx(t)))
	assert.True(t, q.HasTask(blocked))
}

// TestTaskQueue_AddTaskErrors verifies submission errors are reported synchronously
// Given: A queue with one lane
// When: Tasks are submitted to an unknown lane, with a cancelled context, or nil
// Then: The matching sentinel errors are returned and the rejection is reported
func TestTaskQueue_AddTaskErrors(t *testing.T) {
	// Arrange
	metrics := &recordingMetrics{}
	q := NewTaskQueueWithConfig(&TaskQueueConfig{
		Logger:              NewNoOpLogger(),
		Metrics:             metrics,
		RejectedTaskHandler: &recordingRejectedHandler{},
	})
	id := q.AddQueue()
	defer q.Destroy(id)
	noop := func(ctx context.Context) error { return nil }

	// Act & Assert - unknown lane
	_, err := q.AddTask(context.Background(), id+100, noop)
	assert.ErrorIs(t, err, ErrUnknownLane)

	// Act & Assert - cancelled context
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.AddTask(ctx, id, noop)
	assert.ErrorIs(t, err, ErrContextDone)
	assert.ErrorIs(t, err, context.Canceled)

	// Act & Assert - nil task
	_, err = q.AddTask(context.Background(), id, nil)
	assert.ErrorIs(t, err, ErrNilTask)

	assert.Equal(t, 2, metrics.rejectedCount())
}

// TestTaskQueue_ErrorDoesNotStopLane verifies task failures are isolated
// Given: A lane where the first task errors and the second panics
// When: A third task is submitted
// Then: The handlers see both failures and the third task still runs
func TestTaskQueue_ErrorDoesNotStopLane(t *testing.T) {
	// Arrange
	panics := &recordingPanicHandler{}
	q := NewTaskQueueWithConfig(&TaskQueueConfig{Logger: NewNoOpLogger(), PanicHandler: panics})
	id := q.AddQueue(WithName("faulty"))
	defer q.Destroy(id)

	boom := errors.New("boom")
	var gotErrs []error
	var mu sync.Mutex
	onErr := WithErrorHandler(func(err error) {
		mu.Lock()
		gotErrs = append(gotErrs, err)
		mu.Unlock()
	})

	// Act
	h1, err := q.AddTask(context.Background(), id, func(ctx context.Context) error { return boom }, onErr)
	require.NoError(t, err)
	h2, err := q.AddTask(context.Background(), id, func(ctx context.Context) error { panic("kaboom") }, onErr)
	require.NoError(t, err)
	h3, err := q.AddTask(context.Background(), id, func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	// Assert
	ctx := waitCtx(t)
	assert.ErrorIs(t, h1.Wait(ctx), boom)

	var pe *PanicError
	require.ErrorAs(t, h2.Wait(ctx), &pe)
	assert.Equal(t, "kaboom", pe.Value)

	assert.NoError(t, h3.Wait(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, gotErrs, 2)
	assert.ErrorIs(t, gotErrs[0], boom)
	assert.Equal(t, 1, panics.count())
	assert.Equal(t, "faulty", panics.lastLane())
}

// TestTaskQueue_CloseDrainsEarlierTasks verifies close ordering
// Given: A lane with slow tasks queued
// When: Close is requested and then another task is submitted
// Then: Earlier tasks all ran before onClosed, the later submission fails
func TestTaskQueue_CloseDrainsEarlierTasks(t *testing.T) {
	// Arrange
	q := newTestQueue(t)
	id := q.AddQueue()

	var ran atomic.Int32
	for range 5 {
		_, err := q.AddTask(context.Background(), id, func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	var ranAtClose int32 = -1
	// Act
	h, err := q.Close(id, func() { ranAtClose = ran.Load() })
	require.NoError(t, err)
	_, addErr := q.AddTask(context.Background(), id, func(ctx context.Context) error { return nil })

	// Assert
	assert.ErrorIs(t, addErr, ErrLaneClosed)
	require.NoError(t, h.Wait(waitCtx(t)))
	assert.Equal(t, int32(5), ranAtClose)
	assert.Equal(t, 0, q.LaneCount())

	_, err = q.Close(id, nil)
	assert.ErrorIs(t, err, ErrUnknownLane)
}

// TestTaskQueue_CloseTwice verifies a second close on a closing lane fails
// Given: A lane with a blocked task and a pending close
// When: Close is requested again
// Then: ErrLaneClosed is returned
func TestTaskQueue_CloseTwice(t *testing.T) {
	// Arrange
	q := newTestQueue(t)
	id := q.AddQueue()
	release := make(chan struct{})
	_, err := q.AddTask(context.Background(), id, func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	h, err := q.Close(id, nil)
	require.NoError(t, err)

	// Act
	_, err = q.Close(id, nil)

	// Assert
	assert.ErrorIs(t, err, ErrLaneClosed)
	close(release)
	assert.NoError(t, h.Wait(waitCtx(t)))
}

// TestTaskQueue_Destroy verifies forced teardown discards queued tasks
// Given: A lane blocked on its first task with three more queued
// When: Destroy is called
// Then: Three tasks are discarded and their handles report ErrLaneClosed
func TestTaskQueue_Destroy(t *testing.T) {
	// Arrange
	q := newTestQueue(t)
	id := q.AddQueue()

	started := make(chan struct{})
	release := make(chan struct{})
	_, err := q.AddTask(context.Background(), id, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	var handles []*WaitHandle
	var ran atomic.Int32
	for range 3 {
		h, err := q.AddTask(context.Background(), id, func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	// Act
	n := q.Destroy(id)
	close(release)

	// Assert
	assert.Equal(t, 3, n)
	for _, h := range handles {
		assert.ErrorIs(t, h.Wait(waitCtx(t)), ErrLaneClosed)
	}
	assert.Equal(t, int32(0), ran.Load())
	assert.False(t, q.HasTask(id))
}

// TestTaskQueue_AwaitDrain verifies AwaitDrain blocks until the lane is idle
// Given: A lane running a task that waits on a release channel
// When: AwaitDrain is called with and without the release
// Then: It times out while blocked and returns nil once the task finished
func TestTaskQueue_AwaitDrain(t *testing.T) {
	// Arrange
	q := newTestQueue(t)
	id := q.AddQueue()
	release := make(chan struct{})
	_, err := q.AddTask(context.Background(), id, func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	// Act & Assert - still busy
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.AwaitDrain(short, id), context.DeadlineExceeded)
	assert.True(t, q.HasTask(id))

	// Act & Assert - released
	close(release)
	require.NoError(t, q.AwaitDrain(waitCtx(t), id))
	assert.False(t, q.HasTask(id))

	assert.ErrorIs(t, q.AwaitDrain(context.Background(), id+1), ErrUnknownLane)
}

// TestTaskQueue_SharedExecutor verifies lanes can share one executor
// Given: Two lanes bound to the same SingleThreadExecutor
// When: Both receive tasks
// Then: All tasks run and closing the lanes leaves the executor running
func TestTaskQueue_SharedExecutor(t *testing.T) {
	// Arrange
	exec := NewSingleThreadExecutor("shared")
	defer exec.Stop()
	q := newTestQueue(t)
	a := q.AddQueue(WithExecutor(exec))
	b := q.AddQueue(WithExecutor(exec))

	var ran atomic.Int32
	task := func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}

	// Act
	for range 10 {
		_, err := q.AddTask(context.Background(), a, task)
		require.NoError(t, err)
		_, err = q.AddTask(context.Background(), b, task)
		require.NoError(t, err)
	}
	ha, err := q.Close(a, nil)
	require.NoError(t, err)
	hb, err := q.Close(b, nil)
	require.NoError(t, err)

	// Assert
	require.NoError(t, ha.Wait(waitCtx(t)))
	require.NoError(t, hb.Wait(waitCtx(t)))
	assert.Equal(t, int32(20), ran.Load())
	assert.False(t, exec.IsClosed())
}

// TestTaskQueue_CurrentLane verifies the lane id is visible to the task
// Given: A registered lane
// When: A task reads CurrentLane from its context
// Then: It sees its own lane id
func TestTaskQueue_CurrentLane(t *testing.T) {
	// Arrange
	q := newTestQueue(t)
	id := q.AddQueue()

	var got LaneID
	var ok bool

	// Act
	h, err := q.AddTask(context.Background(), id, func(ctx context.Context) error {
		got, ok = CurrentLane(ctx)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, h.Wait(waitCtx(t)))

	// Assert
	assert.True(t, ok)
	assert.Equal(t, id, got)
	_, ok = CurrentLane(context.Background())
	assert.False(t, ok)
}

// TestTaskQueue_AddDelayedTask verifies delayed submission
// Given: A lane
// When: A task is added with a 30ms delay
// Then: It has not run immediately and runs after the delay
func TestTaskQueue_AddDelayedTask(t *testing.T) {
	// Arrange
	q := newTestQueue(t)
	id := q.AddQueue()
	done := make(chan struct{})

	// Act
	err := q.AddDelayedTask(context.Background(), id, func(ctx context.Context) error {
		close(done)
		return nil
	}, 30*time.Millisecond)
	require.NoError(t, err)

	// Assert
	select {
	case <-done:
		t.Fatal("delayed task ran too early")
	default:
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delayed task never ran")
	}

	assert.ErrorIs(t, q.AddDelayedTask(context.Background(), id+1, func(ctx context.Context) error { return nil }, 0), ErrUnknownLane)
}

// TestTaskQueue_AddTaskAndReply verifies the reply runs only after success
// Given: A work lane and a reply lane
// When: One successful and one failing task are posted with replies
// Then: Only the successful task's reply runs, carrying its result
func TestTaskQueue_AddTaskAndReply(t *testing.T) {
	// Arrange
	q := newTestQueue(t)
	work := q.AddQueue()
	replies := q.AddQueue()

	var replied atomic.Int32
	var result atomic.Int64

	// Act
	_, err := AddTaskAndReplyWithResult(context.Background(), q, work,
		func(ctx context.Context) (int64, error) { return 42, nil },
		replies,
		func(ctx context.Context, v int64) error {
			result.Store(v)
			replied.Add(1)
			return nil
		})
	require.NoError(t, err)

	_, err = q.AddTaskAndReply(context.Background(), work,
		func(ctx context.Context) error { return errors.New("fail") },
		replies,
		func(ctx context.Context) error {
			replied.Add(1)
			return nil
		})
	require.NoError(t, err)

	require.NoError(t, q.AwaitDrain(waitCtx(t), work))
	require.NoError(t, q.AwaitDrain(waitCtx(t), replies))

	// Assert
	assert.Equal(t, int32(1), replied.Load())
	assert.Equal(t, int64(42), result.Load())
}

// TestTaskQueue_StatsAndHistory verifies lane observability
// Given: A named lane that ran two named tasks, one failing
// When: Stats and RecentTasks are read
// Then: They report the lane name, last task and failure flags newest first
func TestTaskQueue_StatsAndHistory(t *testing.T) {
	// Arrange
	q := newTestQueue(t)
	id := q.AddQueue(WithName("observed"))

	_, err := q.AddTask(context.Background(), id, func(ctx context.Context) error { return nil }, WithTaskName("first"))
	require.NoError(t, err)
	h, err := q.AddTask(context.Background(), id, func(ctx context.Context) error { return errors.New("x") }, WithTaskName("second"))
	require.NoError(t, err)
	_ = h.Wait(waitCtx(t))
	require.NoError(t, q.AwaitDrain(waitCtx(t), id))

	// Act
	st, ok := q.Stats(id)
	recent := q.RecentTasks(id, 10)

	// Assert
	require.True(t, ok)
	assert.Equal(t, "observed", st.Name)
	assert.Equal(t, "observed", st.Executor)
	assert.Equal(t, "second", st.LastTaskName)
	assert.False(t, st.Running)
	require.Len(t, recent, 2)
	assert.Equal(t, "second", recent[0].Name)
	assert.True(t, recent[0].Failed)
	assert.False(t, recent[1].Failed)
	assert.Len(t, q.AllStats(), 1)
}

// TestTaskQueue_Shutdown verifies Shutdown drains every lane
// Given: Three lanes with queued work
// When: Shutdown is called
// Then: All work ran and no lanes remain
func TestTaskQueue_Shutdown(t *testing.T) {
	// Arrange
	q := NewTaskQueueWithConfig(&TaskQueueConfig{Logger: NewNoOpLogger()})
	var ran atomic.Int32
	for range 3 {
		id := q.AddQueue()
		for range 4 {
			_, err := q.AddTask(context.Background(), id, func(ctx context.Context) error {
				ran.Add(1)
				return nil
			})
			require.NoError(t, err)
		}
	}

	// Act
	err := q.Shutdown(waitCtx(t))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, int32(12), ran.Load())
	assert.Equal(t, 0, q.LaneCount())
}

// =============================================================================
// Test doubles
// =============================================================================

type recordingPanicHandler struct {
	mu    sync.Mutex
	lanes []string
}

func (h *recordingPanicHandler) HandlePanic(ctx context.Context, laneName string, workerID int, panicInfo any, stackTrace []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lanes = append(h.lanes, laneName)
}

func (h *recordingPanicHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lanes)
}

func (h *recordingPanicHandler) lastLane() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.lanes) == 0 {
		return ""
	}
	return h.lanes[len(h.lanes)-1]
}

type recordingRejectedHandler struct {
	mu      sync.Mutex
	reasons []string
}

func (h *recordingRejectedHandler) HandleRejectedTask(laneName string, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reasons = append(h.reasons, reason)
}

type recordingMetrics struct {
	NilMetrics
	mu       sync.Mutex
	rejected int
}

func (m *recordingMetrics) RecordTaskRejected(laneName string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected++
}

func (m *recordingMetrics) rejectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected
}
