// Package channel implements an accumulator that buffers payloads for one
// sink and sends them when its trigger says so.
package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"

	"github.com/PatternDirClean/PDStream/core"
)

type options struct {
	name           string
	clearAfterSend bool
	flushOnClose   bool
	logger         core.Logger
	metrics        core.Metrics
	delayManager   *core.DelayManager
	serializer     Serializer
}

// Option configures a Channel.
type Option func(*options)

// WithName names the channel in logs and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithClearAfterSend controls whether a successful send empties the buffer.
// Defaults to true.
func WithClearAfterSend(clear bool) Option {
	return func(o *options) { o.clearAfterSend = clear }
}

// WithFlushOnClose sends whatever is buffered before the channel closes.
func WithFlushOnClose(flush bool) Option {
	return func(o *options) { o.flushOnClose = flush }
}

// WithLogger sets the logger for scheduled send failures.
func WithLogger(l core.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records every send.
func WithMetrics(m core.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithDelayManager runs scheduled sends on dm instead of a private timer
// loop. The channel never stops a DelayManager it was given.
func WithDelayManager(dm *core.DelayManager) Option {
	return func(o *options) { o.delayManager = dm }
}

// WithSerializer sets how SetValue/AppendValue encode structured values on
// binary channels. Defaults to JSON.
func WithSerializer(s Serializer) Option {
	return func(o *options) { o.serializer = s }
}

// Channel accumulates payloads of kind T for one Target.
//
// Set and Append replace or extend the buffer and then ask the Trigger
// whether to send. Send writes the whole buffer to the target, flushes it and
// releases one-shot resources. Mutations and sends are serialized by one
// lock. A Channel is safe for concurrent use.
type Channel[T Payload] struct {
	name           string
	kind           Kind
	target         Target
	trigger        Trigger
	clearAfterSend bool
	flushOnClose   bool
	serializer     Serializer
	logger         core.Logger
	metrics        core.Metrics

	dm     *core.DelayManager
	ownsDM bool
	ticker core.RepeatingTaskHandle

	mu     sync.Mutex
	buf    *bytebufferpool.ByteBuffer
	length int
	closed bool
}

// New creates a channel sending to target whenever trigger allows.
func New[T Payload](target Target, trigger Trigger, opts ...Option) (*Channel[T], error) {
	if target == nil {
		return nil, fmt.Errorf("channel: nil target")
	}
	if err := validateTrigger(trigger); err != nil {
		return nil, err
	}

	o := options{clearAfterSend: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		o.name = "channel-" + uuid.NewString()[:8]
	}
	if o.logger == nil {
		o.logger = core.NewDefaultLogger()
	}
	if o.metrics == nil {
		o.metrics = &core.NilMetrics{}
	}
	if o.serializer == nil {
		o.serializer = NewJSONSerializer()
	}

	c := &Channel[T]{
		name:           o.name,
		kind:           kindOf[T](),
		target:         target,
		trigger:        trigger,
		clearAfterSend: o.clearAfterSend,
		flushOnClose:   o.flushOnClose,
		serializer:     o.serializer,
		logger:         o.logger,
		metrics:        o.metrics,
		buf:            bytebufferpool.Get(),
	}

	if s, ok := trigger.(Scheduled); ok {
		c.dm = o.delayManager
		if c.dm == nil {
			c.dm = core.NewDelayManager()
			c.ownsDM = true
		}
		c.ticker = c.dm.Repeat(s.FirstRun(time.Now()), s.NextRun, c.tick)
	}
	return c, nil
}

// Sync creates a write-through channel.
func Sync[T Payload](target Target, opts ...Option) (*Channel[T], error) {
	return New[T](target, Immediate(), opts...)
}

// Timing creates a channel sent every interval.
func Timing[T Payload](target Target, interval time.Duration, opts ...Option) (*Channel[T], error) {
	return New[T](target, Timed(interval), opts...)
}

// Buffer creates a channel sent once size units are buffered.
func Buffer[T Payload](target Target, size int, opts ...Option) (*Channel[T], error) {
	return New[T](target, Threshold(size), opts...)
}

// Name returns the channel name.
func (c *Channel[T]) Name() string { return c.name }

// Kind returns the payload kind.
func (c *Channel[T]) Kind() Kind { return c.kind }

// Trigger returns the send policy.
func (c *Channel[T]) Trigger() Trigger { return c.trigger }

// Set replaces the buffer with p.
func (c *Channel[T]) Set(p T) error {
	return c.mutate(true, payloadBytes(p))
}

// Append adds p to the buffer.
func (c *Channel[T]) Append(p T) error {
	return c.mutate(false, payloadBytes(p))
}

// AppendBytes adds b, decoded as UTF-8 on text channels.
func (c *Channel[T]) AppendBytes(b []byte) error {
	return c.AppendValue(b)
}

// AppendString adds s, encoded as UTF-8 on binary channels.
func (c *Channel[T]) AppendString(s string) error {
	return c.AppendValue(s)
}

// SetValue replaces the buffer with v converted to the channel kind.
//
// Text channels only hold valid UTF-8: invalid sequences in bytes or strings
// become U+FFFD. Binary channels keep bytes and string bytes unchanged. Other values are encoded with the channel Serializer on
// binary channels and rejected with ErrTypeMismatch on text channels.
func (c *Channel[T]) SetValue(v any) error {
	b, err := c.coerce(v)
	if err != nil {
		return err
	}
	return c.mutate(true, b)
}

// AppendValue adds v converted as described for SetValue.
func (c *Channel[T]) AppendValue(v any) error {
	b, err := c.coerce(v)
	if err != nil {
		return err
	}
	return c.mutate(false, b)
}

func (c *Channel[T]) coerce(v any) ([]byte, error) {
	switch v := v.(type) {
	case []byte:
		if c.kind == KindText {
			return toValidText(v), nil
		}
		return v, nil
	case string:
		if c.kind == KindText {
			return toValidText([]byte(v)), nil
		}
		return []byte(v), nil
	case nil:
		return nil, fmt.Errorf("%w: nil value", ErrTypeMismatch)
	}

	if c.kind == KindText {
		return nil, fmt.Errorf("%w: %T on a text channel", ErrTypeMismatch, v)
	}
	b, err := c.serializer.Serialize(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTypeMismatch, c.serializer.Name(), err)
	}
	return b, nil
}

func (c *Channel[T]) mutate(reset bool, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if reset {
		c.buf.Reset()
		c.length = 0
	}
	_, _ = c.buf.Write(b)
	c.length += measure(c.kind, b)

	if c.trigger.ShouldFlush(c.length) {
		return c.sendLocked()
	}
	return nil
}

// Send writes the buffer to the target now, whatever the trigger says.
// An empty buffer is not sent. On failure the buffer is kept.
func (c *Channel[T]) Send() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	return c.sendLocked()
}

func (c *Channel[T]) sendLocked() error {
	if c.buf.Len() == 0 {
		return nil
	}
	size := c.length

	err := c.writeTo(c.buf.B)
	c.metrics.RecordFlush(c.name, size, err)
	if err != nil {
		return fmt.Errorf("channel: send %s to %s: %w", c.name, c.target, err)
	}

	c.logger.Debug("Channel sent",
		core.F("channel", c.name),
		core.F("target", c.target.String()),
		core.F("size", humanize.Bytes(uint64(c.buf.Len()))))

	if c.clearAfterSend {
		c.buf.Reset()
		c.length = 0
	}
	return nil
}

func (c *Channel[T]) writeTo(b []byte) error {
	sink, err := c.target.Open()
	if err != nil {
		return err
	}
	_, werr := sink.Write(b)
	var ferr error
	if werr == nil {
		ferr = sink.Flush()
	}
	return errors.Join(werr, ferr, sink.Done())
}

func (c *Channel[T]) tick() {
	err := c.Send()
	if err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Warn("Scheduled send failed",
			core.F("channel", c.name),
			core.F("trigger", c.trigger.String()),
			core.F("error", err))
	}
}

// Len returns the buffered length: runes for text, bytes for binary.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.length
}

// Data returns a copy of the buffered payload.
func (c *Channel[T]) Data() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		var zero T
		return zero
	}
	return T(append([]byte(nil), c.buf.B...))
}

// IsClosed reports whether Close has been called.
func (c *Channel[T]) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops scheduled sends and releases the target. Buffered data is
// dropped unless the channel was built WithFlushOnClose. Closing twice is a
// no-op.
func (c *Channel[T]) Close() error {
	if c.ticker != nil {
		c.ticker.Stop()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var sendErr error
	if c.flushOnClose {
		sendErr = c.sendLocked()
	}
	closeErr := c.target.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("channel: close %s: %w", c.target, closeErr)
	}

	bytebufferpool.Put(c.buf)
	c.buf = nil
	c.length = 0

	if c.ownsDM {
		c.dm.Stop()
	}
	return errors.Join(sendErr, closeErr)
}
