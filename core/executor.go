package core

import "context"

// Executor runs functions on some goroutine. A lane posts its drain loop to
// an Executor; the Executor decides which goroutine runs it.
//
// Implementations must be safe for concurrent use. Execute must not block on
// the function itself and returns ErrExecutorStopped once shut down.
type Executor interface {
	Execute(fn func(ctx context.Context)) error
	ID() string
}

// shutdowner is implemented by executors a lane may stop when it closes.
// Shutdown must not block, since it can be called from the executor's own
// goroutine.
type shutdowner interface {
	Shutdown()
}
