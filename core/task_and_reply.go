package core

import (
	"context"
)

// =============================================================================
// Task and Reply Pattern
// =============================================================================

// AddTaskAndReply runs task on lane id and, only if it succeeds, enqueues
// reply on lane replyID. The reply lane is usually a callback lane so slow
// replies never hold up the task lane.
//
// A failing or panicking task is reported like any other task error and the
// reply is skipped. If the reply lane is gone by then, the reply is dropped
// and logged; the task itself still counts as successful.
func (q *TaskQueue) AddTaskAndReply(ctx context.Context, id LaneID, task Task, replyID LaneID, reply Task, opts ...TaskOption) (*WaitHandle, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	if reply == nil {
		return q.AddTask(ctx, id, task, opts...)
	}

	wrapped := func(taskCtx context.Context) error {
		if err := task(taskCtx); err != nil {
			return err
		}
		if _, err := q.AddTask(context.Background(), replyID, reply); err != nil {
			q.cfg.Logger.Warn("Reply dropped",
				F("lane", uint64(replyID)),
				F("error", err))
		}
		return nil
	}

	return q.AddTask(ctx, id, wrapped, opts...)
}

// TaskWithResult is a task that returns a value of type T and an error
type TaskWithResult[T any] func(ctx context.Context) (T, error)

// ReplyWithResult is a reply callback that receives the task's value
type ReplyWithResult[T any] func(ctx context.Context, result T) error

// AddTaskAndReplyWithResult is AddTaskAndReply for tasks that produce a value.
// The value is handed to reply on lane replyID only when task succeeds.
func AddTaskAndReplyWithResult[T any](
	ctx context.Context,
	q *TaskQueue,
	id LaneID,
	task TaskWithResult[T],
	replyID LaneID,
	reply ReplyWithResult[T],
	opts ...TaskOption,
) (*WaitHandle, error) {
	if task == nil || reply == nil {
		return nil, ErrNilTask
	}

	// The result is written by the task before the reply is enqueued, and
	// the enqueue orders it before the reply runs.
	var result T
	return q.AddTaskAndReply(ctx, id,
		func(taskCtx context.Context) error {
			var err error
			result, err = task(taskCtx)
			return err
		},
		replyID,
		func(replyCtx context.Context) error {
			return reply(replyCtx, result)
		},
		opts...)
}
