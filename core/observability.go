package core

import "time"

// TaskExecutionRecord captures a completed task execution event.
type TaskExecutionRecord struct {
	TaskID     TaskID
	Name       string
	LaneName   string
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Panicked   bool
	Failed     bool
}

// LaneStats represents runtime observability state for one lane.
type LaneStats struct {
	ID           LaneID
	Name         string
	Executor     string
	Pending      int
	Running      bool
	Closing      bool
	Rejected     int64
	LastTaskName string
	LastTaskAt   time.Time
}

// PoolStats represents runtime observability state for a goroutine pool.
type PoolStats struct {
	ID      string
	Workers int
	Queued  int
	Active  int
	Running bool
}
