package core

import (
	"errors"
	"fmt"
)

// Submission errors. They are returned synchronously by AddTask and friends.
var (
	ErrUnknownLane     = errors.New("core: unknown lane")
	ErrLaneClosed      = errors.New("core: lane closed")
	ErrContextDone     = errors.New("core: submission context done")
	ErrExecutorStopped = errors.New("core: executor stopped")
	ErrNilTask         = errors.New("core: nil task")
)

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("core: task panicked: %v", e.Value)
}
