package pdstream

import (
	"github.com/PatternDirClean/PDStream/channel"
	"github.com/PatternDirClean/PDStream/core"
	"github.com/PatternDirClean/PDStream/queueout"
)

// Re-export commonly used types from core package for convenience.
// This allows users to import only the pdstream package for most use cases.

// Task is the unit of work executed on a lane
type Task = core.Task

// LaneID identifies a lane on a TaskQueue
type LaneID = core.LaneID

// TaskQueue is the lane registry
type TaskQueue = core.TaskQueue

// TaskQueueConfig holds the handlers shared by a TaskQueue's lanes
type TaskQueueConfig = core.TaskQueueConfig

// WaitHandle completes once its task has run
type WaitHandle = core.WaitHandle

// Executor runs lane drain loops
type Executor = core.Executor

// SingleThreadExecutor runs everything on one dedicated goroutine
type SingleThreadExecutor = core.SingleThreadExecutor

// TaskWithResult and ReplyWithResult for the generic AddTaskAndReplyWithResult pattern
type TaskWithResult[T any] = core.TaskWithResult[T]
type ReplyWithResult[T any] = core.ReplyWithResult[T]

// Sentinel errors
var (
	ErrUnknownLane = core.ErrUnknownLane
	ErrLaneClosed  = core.ErrLaneClosed
	ErrContextDone = core.ErrContextDone
)

var (
	DefaultTaskQueueConfig = core.DefaultTaskQueueConfig
	CurrentLane            = core.CurrentLane
)

// NewTaskQueue creates an empty lane registry with default handlers.
func NewTaskQueue() *TaskQueue {
	return core.NewTaskQueue()
}

// NewTaskQueueWithConfig creates an empty lane registry using cfg.
func NewTaskQueueWithConfig(cfg *TaskQueueConfig) *TaskQueue {
	return core.NewTaskQueueWithConfig(cfg)
}

// NewSingleThreadExecutor creates an executor with one dedicated goroutine.
// Use it to pin several lanes to the same goroutine.
func NewSingleThreadExecutor(id string) *SingleThreadExecutor {
	return core.NewSingleThreadExecutor(id)
}

// OnPool runs a lane on pool instead of a dedicated goroutine.
func OnPool(pool *GoroutineThreadPool) core.LaneOption {
	return core.WithExecutor(pool)
}

// NewWriter builds a channel over target with trigger and wraps it in a
// queued writer. Channel options are taken from chOpts; writer options from
// opts.
func NewWriter[T channel.Payload](target channel.Target, trigger channel.Trigger, chOpts []channel.Option, opts ...queueout.Option) (*queueout.Writer[T], error) {
	ch, err := channel.New[T](target, trigger, chOpts...)
	if err != nil {
		return nil, err
	}
	w, err := queueout.New(ch, opts...)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return w, nil
}
