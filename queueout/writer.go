// Package queueout turns writes to a channel into ordered, asynchronous
// tasks on a dedicated lane.
package queueout

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/PatternDirClean/PDStream/channel"
	"github.com/PatternDirClean/PDStream/core"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("queueout: closed")

// State is the lifecycle state of a Writer.
type State int32

const (
	StateOpen    State = iota
	StateClosing       // Close requested; queued calls still run
	StateClosed        // close task ran; channel closed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Writer queues write, print, flush and close calls for one Channel on a
// data lane and runs OnDone callbacks on a separate callback lane, so slow
// callbacks never hold up writes.
//
// Every method returns immediately. Calls from one goroutine reach the
// channel in call order.
type Writer[T channel.Payload] struct {
	ch         *channel.Channel[T]
	tq         *core.TaskQueue
	dataLane   core.LaneID
	cbLane     core.LaneID
	name       string
	terminator string
	logger     core.Logger
	onError    func(error)

	state atomic.Int32
}

// New creates a Writer over ch. The writer owns ch and closes it on Close.
func New[T channel.Payload](ch *channel.Channel[T], opts ...Option) (*Writer[T], error) {
	if ch == nil {
		return nil, fmt.Errorf("queueout: nil channel")
	}

	o := options{terminator: DefaultLineTerminator}
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		o.name = ch.Name()
	}
	if o.logger == nil {
		o.logger = core.NewDefaultLogger()
	}
	if o.queue == nil {
		cfg := core.DefaultTaskQueueConfig()
		cfg.Logger = o.logger
		o.queue = core.NewTaskQueueWithConfig(cfg)
	}

	dataOpts := []core.LaneOption{core.WithName(o.name + "/data")}
	if o.executor != nil {
		dataOpts = append(dataOpts, core.WithExecutor(o.executor))
	}
	cbOpts := []core.LaneOption{core.WithName(o.name + "/callback")}
	if o.callbackExec != nil {
		cbOpts = append(cbOpts, core.WithExecutor(o.callbackExec))
	}

	w := &Writer[T]{
		ch:         ch,
		tq:         o.queue,
		name:       o.name,
		terminator: o.terminator,
		logger:     o.logger,
		onError:    o.onError,
	}
	w.dataLane = w.tq.AddQueue(dataOpts...)
	w.cbLane = w.tq.AddQueue(cbOpts...)
	return w, nil
}

// Name returns the writer name.
func (w *Writer[T]) Name() string { return w.name }

// Channel returns the underlying channel.
func (w *Writer[T]) Channel() *channel.Channel[T] { return w.ch }

// State returns the lifecycle state.
func (w *Writer[T]) State() State { return State(w.state.Load()) }

// IsClosed reports whether the close task has run.
func (w *Writer[T]) IsClosed() bool { return w.State() == StateClosed }

// Write queues p to be appended to the channel.
func (w *Writer[T]) Write(p T, opts ...CallOption) (*core.WaitHandle, error) {
	return w.submit("write", func() error { return w.ch.Append(p) }, opts)
}

// Print queues s to be appended to the channel, encoded as UTF-8 on binary
// channels.
func (w *Writer[T]) Print(s string, opts ...CallOption) (*core.WaitHandle, error) {
	return w.submit("print", func() error { return w.ch.AppendString(s) }, opts)
}

// Println is Print with the line terminator appended, as one call.
func (w *Writer[T]) Println(s string, opts ...CallOption) (*core.WaitHandle, error) {
	line := s + w.terminator
	return w.submit("println", func() error { return w.ch.AppendString(line) }, opts)
}

// Append is Write for chaining. Failures go to the writer's error handler.
func (w *Writer[T]) Append(p T) *Writer[T] {
	if _, err := w.Write(p); err != nil {
		w.handleError(err)
	}
	return w
}

// AppendString is Print for chaining.
func (w *Writer[T]) AppendString(s string) *Writer[T] {
	if _, err := w.Print(s); err != nil {
		w.handleError(err)
	}
	return w
}

// AppendLine is Println for chaining.
func (w *Writer[T]) AppendLine(s string) *Writer[T] {
	if _, err := w.Println(s); err != nil {
		w.handleError(err)
	}
	return w
}

// Flush queues an unconditional send of the channel buffer.
func (w *Writer[T]) Flush(opts ...CallOption) (*core.WaitHandle, error) {
	return w.submit("flush", w.ch.Send, opts)
}

// Close queues the close of the channel behind every call made so far.
// Calls made after Close fail with ErrClosed. The returned handle completes
// once the channel is closed; OnDone callbacks already queued still run.
func (w *Writer[T]) Close() (*core.WaitHandle, error) {
	if !w.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return nil, ErrClosed
	}

	h, err := w.tq.Close(w.dataLane, func() {
		w.state.Store(int32(StateClosed))
		if err := w.ch.Close(); err != nil {
			w.handleError(fmt.Errorf("queueout: close %s: %w", w.name, err))
		}
		if _, err := w.tq.Close(w.cbLane, nil); err != nil {
			w.logger.Warn("Callback lane already closed",
				core.F("writer", w.name),
				core.F("error", err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return h, nil
}

// IsWriting reports whether calls are still queued or running on the data
// lane.
func (w *Writer[T]) IsWriting() bool {
	return w.tq.HasTask(w.dataLane)
}

// AwaitDrain blocks until every call queued so far has run.
func (w *Writer[T]) AwaitDrain(ctx context.Context) error {
	err := w.tq.AwaitDrain(ctx, w.dataLane)
	if errors.Is(err, core.ErrUnknownLane) {
		// the data lane is removed once closed
		return nil
	}
	return err
}

func (w *Writer[T]) submit(name string, op func() error, opts []CallOption) (*core.WaitHandle, error) {
	if w.State() != StateOpen {
		return nil, ErrClosed
	}

	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	task := func(ctx context.Context) error {
		if w.IsClosed() {
			return ErrClosed
		}
		return op()
	}

	taskOpts := []core.TaskOption{core.WithTaskName(w.name + "/" + name)}
	if onError := w.errorHandler(co.onError); onError != nil {
		taskOpts = append(taskOpts, core.WithErrorHandler(onError))
	}

	var reply core.Task
	if co.onDone != nil {
		onDone := co.onDone
		reply = func(ctx context.Context) error {
			onDone()
			return nil
		}
	}

	h, err := w.tq.AddTaskAndReply(context.Background(), w.dataLane, task, w.cbLane, reply, taskOpts...)
	if err != nil {
		if errors.Is(err, core.ErrLaneClosed) || errors.Is(err, core.ErrUnknownLane) {
			return nil, fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return nil, err
	}
	return h, nil
}

func (w *Writer[T]) errorHandler(perCall func(error)) func(error) {
	if perCall != nil {
		return perCall
	}
	return w.onError
}

func (w *Writer[T]) handleError(err error) {
	if w.onError != nil {
		w.onError(err)
		return
	}
	w.logger.Warn("Write failed",
		core.F("writer", w.name),
		core.F("error", err))
}
