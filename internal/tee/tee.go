// Package tee copies lines from a reader into every configured output, each
// through its own queued writer.
package tee

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	pdstream "github.com/PatternDirClean/PDStream"
	"github.com/PatternDirClean/PDStream/channel"
	"github.com/PatternDirClean/PDStream/core"
	"github.com/PatternDirClean/PDStream/internal/config"
	"github.com/PatternDirClean/PDStream/queueout"
)

const maxLineSize = 1 << 20

// Options carries the process-level dependencies of a Tee.
type Options struct {
	Logger  core.Logger
	Metrics core.Metrics
	Stdout  io.Writer
	Stderr  io.Writer
}

// Tee owns the task queue, the optional worker pool and one writer per
// output.
type Tee struct {
	queue   *core.TaskQueue
	pool    *pdstream.GoroutineThreadPool
	dm      *core.DelayManager
	writers []*queueout.Writer[[]byte]
	logger  core.Logger
}

// New builds the outputs described by cfg. The worker pool, if any, runs
// until Close; cancelling Run does not stop it.
func New(cfg *config.Config, opts Options) (*Tee, error) {
	if opts.Logger == nil {
		opts.Logger = core.NewDefaultLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = &core.NilMetrics{}
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	qcfg := core.DefaultTaskQueueConfig()
	qcfg.Logger = opts.Logger
	qcfg.Metrics = opts.Metrics

	t := &Tee{
		queue:  core.NewTaskQueueWithConfig(qcfg),
		dm:     core.NewDelayManager(),
		logger: opts.Logger,
	}
	if cfg.Pool.Workers > 0 {
		t.pool = pdstream.NewGoroutineThreadPoolWithConfig("pdtee", cfg.Pool.Workers, qcfg)
		t.pool.Start(context.Background())
	}

	for _, out := range cfg.Outputs {
		w, err := t.buildWriter(out, opts)
		if err != nil {
			t.abort()
			return nil, fmt.Errorf("output %s: %w", out.Name, err)
		}
		t.writers = append(t.writers, w)
	}
	return t, nil
}

func (t *Tee) buildWriter(out config.OutputConfig, opts Options) (*queueout.Writer[[]byte], error) {
	target, err := buildTarget(out, opts)
	if err != nil {
		return nil, err
	}
	trigger, err := buildTrigger(out)
	if err != nil {
		return nil, err
	}

	ch, err := channel.New[[]byte](target, trigger,
		channel.WithName(out.Name),
		channel.WithFlushOnClose(out.FlushesOnClose()),
		channel.WithLogger(t.logger),
		channel.WithMetrics(opts.Metrics),
		channel.WithDelayManager(t.dm),
	)
	if err != nil {
		return nil, err
	}

	wopts := []queueout.Option{
		queueout.WithName(out.Name),
		queueout.WithTaskQueue(t.queue),
		queueout.WithLogger(t.logger),
	}
	if t.pool != nil {
		wopts = append(wopts, queueout.WithExecutor(t.pool), queueout.WithCallbackExecutor(t.pool))
	}
	if out.LineTerminator != "" {
		wopts = append(wopts, queueout.WithLineTerminator(out.LineTerminator))
	}
	return queueout.New(ch, wopts...)
}

func buildTarget(out config.OutputConfig, opts Options) (channel.Target, error) {
	var target channel.Target
	switch out.Target {
	case "stdout":
		target = channel.Shared(opts.Stdout)
	case "stderr":
		target = channel.Shared(opts.Stderr)
	case "file":
		retry := core.NoRetry()
		if out.Retries > 0 {
			retry = core.DefaultRetryPolicy()
			retry.MaxRetries = out.Retries
		}
		target = channel.File(out.Path, channel.FileOptions{Append: out.Append, Retry: retry})
	default:
		return nil, fmt.Errorf("unknown target %q", out.Target)
	}

	switch out.Compress {
	case "", "none":
		return target, nil
	case "fast":
		return channel.Compressed(target, channel.CompressionFast), nil
	case "default":
		return channel.Compressed(target, channel.CompressionDefault), nil
	case "best":
		return channel.Compressed(target, channel.CompressionBest), nil
	}
	return nil, fmt.Errorf("unknown compression %q", out.Compress)
}

func buildTrigger(out config.OutputConfig) (channel.Trigger, error) {
	switch out.Trigger {
	case "", "immediate":
		return channel.Immediate(), nil
	case "threshold":
		return channel.Threshold(int(out.Threshold.Int64())), nil
	case "timed":
		return channel.Timed(out.Interval.Duration()), nil
	case "cron":
		return channel.Cron(out.Cron)
	}
	return nil, fmt.Errorf("unknown trigger %q", out.Trigger)
}

// Queue returns the task queue holding every output lane.
func (t *Tee) Queue() *core.TaskQueue { return t.queue }

// Pool returns the shared worker pool, or nil when outputs run on their own
// goroutines.
func (t *Tee) Pool() *pdstream.GoroutineThreadPool { return t.pool }

// Run copies lines from r to every output until r is exhausted or ctx is
// done, and returns the number of lines read.
func (t *Tee) Run(ctx context.Context, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	lines := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return lines, err
		}
		line := scanner.Text()
		for _, w := range t.writers {
			if _, err := w.Println(line); err != nil {
				return lines, fmt.Errorf("write %s: %w", w.Name(), err)
			}
		}
		lines++
	}
	if err := scanner.Err(); err != nil {
		return lines, fmt.Errorf("read input: %w", err)
	}
	return lines, nil
}

// Close closes every writer, waits for their queued lines up to timeout and
// stops the shared resources.
func (t *Tee) Close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for _, w := range t.writers {
		h, err := w.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", w.Name(), err))
			continue
		}
		if err := h.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", w.Name(), err))
		}
	}

	if err := t.queue.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.pool != nil {
		if err := t.pool.StopGraceful(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	t.dm.Stop()
	return errors.Join(errs...)
}

func (t *Tee) abort() {
	for _, w := range t.writers {
		_, _ = w.Close()
	}
	_ = t.queue.Shutdown(context.Background())
	if t.pool != nil {
		t.pool.Stop()
	}
	t.dm.Stop()
}
