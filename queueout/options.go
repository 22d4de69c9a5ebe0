package queueout

import (
	"runtime"

	"github.com/PatternDirClean/PDStream/core"
)

// DefaultLineTerminator is appended by Println.
var DefaultLineTerminator = func() string {
	if runtime.GOOS == "windows" {
		return "\r\n"
	}
	return "\n"
}()

type options struct {
	name         string
	queue        *core.TaskQueue
	executor     core.Executor
	callbackExec core.Executor
	logger       core.Logger
	onError      func(error)
	terminator   string
}

// Option configures a Writer.
type Option func(*options)

// WithName names the writer and its lanes.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithTaskQueue registers the writer's lanes on q instead of a private
// TaskQueue.
func WithTaskQueue(q *core.TaskQueue) Option {
	return func(o *options) { o.queue = q }
}

// WithExecutor runs the data lane on e, for example a shared goroutine pool.
// Without it the data lane gets a dedicated goroutine.
func WithExecutor(e core.Executor) Option {
	return func(o *options) { o.executor = e }
}

// WithCallbackExecutor runs OnDone callbacks on e. Without it callbacks get
// a dedicated goroutine.
func WithCallbackExecutor(e core.Executor) Option {
	return func(o *options) { o.callbackExec = e }
}

// WithLogger sets the logger used for failures nobody handles.
func WithLogger(l core.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithErrorHandler receives failures of calls that have no OnError of their
// own, including the chainable Append variants.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// WithLineTerminator overrides DefaultLineTerminator for Println.
func WithLineTerminator(s string) Option {
	return func(o *options) { o.terminator = s }
}

// =============================================================================
// Call options
// =============================================================================

type callOptions struct {
	onDone  func()
	onError func(error)
}

// CallOption configures one Write, Print, Println or Flush.
type CallOption func(*callOptions)

// OnDone queues fn on the callback lane once the call succeeded.
func OnDone(fn func()) CallOption {
	return func(o *callOptions) { o.onDone = fn }
}

// OnError calls fn on the data lane if the call fails, before the next call
// runs.
func OnError(fn func(error)) CallOption {
	return func(o *callOptions) { o.onError = fn }
}
