package core

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task panics during execution.
//
// Implementations should be thread-safe as they may be called concurrently
// from different lanes.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context from the panicked task (carries the lane id)
	// - laneName: The name of the lane (or pool) where the panic occurred
	// - workerID: The ID of the pool worker, -1 for lane executors
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, laneName string, workerID int, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler logs panics through the global zerolog logger.
type DefaultPanicHandler struct{}

// HandlePanic logs panic information at error level.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, laneName string, workerID int, panicInfo any, stackTrace []byte) {
	ev := log.Error().
		Str("lane", laneName).
		Interface("panic", panicInfo).
		Bytes("stack", stackTrace)
	if workerID >= 0 {
		ev = ev.Int("worker", workerID)
	}
	ev.Msg("Task panicked")
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting task and flush metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods should be non-blocking and fast; they run on the lane goroutine.
type Metrics interface {
	// RecordTaskDuration records how long a task took to execute.
	RecordTaskDuration(laneName string, duration time.Duration)

	// RecordTaskPanic records that a task panicked during execution.
	RecordTaskPanic(laneName string, panicInfo any)

	// RecordQueueDepth records the current number of queued tasks on a lane.
	RecordQueueDepth(laneName string, depth int)

	// RecordTaskRejected records that a submission was refused
	// (unknown lane, closed lane, cancelled context).
	RecordTaskRejected(laneName string, reason string)

	// RecordFlush records one channel send.
	//
	// Parameters:
	// - channelName: The name of the channel that sent
	// - size: The payload length (bytes, or runes for text channels)
	// - err: The send error, nil on success
	RecordFlush(channelName string, size int, err error)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordTaskDuration(laneName string, duration time.Duration) {}
func (m *NilMetrics) RecordTaskPanic(laneName string, panicInfo any)             {}
func (m *NilMetrics) RecordQueueDepth(laneName string, depth int)                {}
func (m *NilMetrics) RecordTaskRejected(laneName string, reason string)          {}
func (m *NilMetrics) RecordFlush(channelName string, size int, err error)        {}

// =============================================================================
// RejectedTaskHandler: Interface for handling rejected tasks
// =============================================================================

// RejectedTaskHandler is called when a task is refused or discarded.
// This can happen when:
// - The lane is unknown or already closing
// - The submission context is already done
// - A lane closes with tasks still queued
//
// Implementations should be thread-safe as they may be called concurrently.
type RejectedTaskHandler interface {
	HandleRejectedTask(laneName string, reason string)
}

// DefaultRejectedTaskHandler logs rejected tasks at warn level.
type DefaultRejectedTaskHandler struct{}

// HandleRejectedTask logs the rejected task.
func (h *DefaultRejectedTaskHandler) HandleRejectedTask(laneName string, reason string) {
	log.Warn().Str("lane", laneName).Str("reason", reason).Msg("Task rejected")
}

// =============================================================================
// TaskQueueConfig: Configuration for TaskQueue and the goroutine pool
// =============================================================================

// TaskQueueConfig holds configuration options for TaskQueue.
// All handlers are optional; if not provided, default implementations will be used.
type TaskQueueConfig struct {
	// PanicHandler is called when a task panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics is called to record task execution metrics. Defaults to NilMetrics.
	Metrics Metrics

	// RejectedTaskHandler is called when a task is rejected. Defaults to DefaultRejectedTaskHandler.
	RejectedTaskHandler RejectedTaskHandler

	// Logger receives task failures that have no error handler. Defaults to a
	// zerolog-backed logger.
	Logger Logger

	// HistoryCapacity is the number of execution records kept per lane.
	// Zero disables the history.
	HistoryCapacity int
}

// DefaultTaskQueueConfig returns a config with default handlers.
func DefaultTaskQueueConfig() *TaskQueueConfig {
	return &TaskQueueConfig{
		PanicHandler:        &DefaultPanicHandler{},
		Metrics:             &NilMetrics{},
		RejectedTaskHandler: &DefaultRejectedTaskHandler{},
		Logger:              NewDefaultLogger(),
		HistoryCapacity:     defaultTaskHistoryCapacity,
	}
}

// withDefaults fills nil handlers so callers can pass a partial config.
func (c *TaskQueueConfig) withDefaults() TaskQueueConfig {
	out := *DefaultTaskQueueConfig()
	if c == nil {
		return out
	}
	if c.PanicHandler != nil {
		out.PanicHandler = c.PanicHandler
	}
	if c.Metrics != nil {
		out.Metrics = c.Metrics
	}
	if c.RejectedTaskHandler != nil {
		out.RejectedTaskHandler = c.RejectedTaskHandler
	}
	if c.Logger != nil {
		out.Logger = c.Logger
	}
	if c.HistoryCapacity >= 0 {
		out.HistoryCapacity = c.HistoryCapacity
	}
	return out
}
