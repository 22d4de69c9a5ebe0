package core

import (
	"context"

	"github.com/google/uuid"
)

// Task is the unit of work executed on a lane.
// A returned error (or a recovered panic) is reported to the task's error
// handler and never stops the lane.
type Task func(ctx context.Context) error

// TaskID uniquely identifies one enqueued task.
type TaskID uuid.UUID

// GenerateTaskID returns a new random TaskID.
func GenerateTaskID() TaskID {
	return TaskID(uuid.New())
}

func (id TaskID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the zero value.
func (id TaskID) IsZero() bool {
	return id == TaskID{}
}

// LaneID identifies a lane registered on a TaskQueue. IDs are assigned
// monotonically and never reused by the same TaskQueue.
type LaneID uint64

// =============================================================================
// Task options
// =============================================================================

type taskOptions struct {
	name    string
	onError func(error)
}

// TaskOption configures a single AddTask call.
type TaskOption func(*taskOptions)

// WithErrorHandler routes the task's error (or recovered panic) to fn instead
// of the lane logger. fn runs on the lane, before the next task starts.
func WithErrorHandler(fn func(error)) TaskOption {
	return func(o *taskOptions) {
		o.onError = fn
	}
}

// WithTaskName sets the name recorded in the execution history.
func WithTaskName(name string) TaskOption {
	return func(o *taskOptions) {
		o.name = name
	}
}

// =============================================================================
// Context Helper
// =============================================================================
type laneKeyType struct{}

var laneKey laneKeyType

// CurrentLane returns the lane executing the task that owns ctx.
func CurrentLane(ctx context.Context) (LaneID, bool) {
	if v := ctx.Value(laneKey); v != nil {
		return v.(LaneID), true
	}
	return 0, false
}
