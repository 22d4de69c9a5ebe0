package core

import "context"

// WaitHandle lets a submitter block until one specific task has finished,
// successfully or not.
type WaitHandle struct {
	id   TaskID
	done chan struct{}
	err  error
}

func newWaitHandle() *WaitHandle {
	return &WaitHandle{
		id:   GenerateTaskID(),
		done: make(chan struct{}),
	}
}

// complete must be called exactly once.
func (h *WaitHandle) complete(err error) {
	h.err = err
	close(h.done)
}

// ID returns the id of the task behind this handle.
func (h *WaitHandle) ID() TaskID {
	return h.id
}

// Done is closed once the task has finished or was discarded.
func (h *WaitHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task outcome, or nil while the task is still pending.
// A discarded task reports ErrLaneClosed or ErrExecutorStopped.
func (h *WaitHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task has finished and returns its outcome.
// It returns ctx.Err() if ctx ends first; the task itself is not cancelled.
func (h *WaitHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
