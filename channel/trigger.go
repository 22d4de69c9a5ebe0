package channel

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger decides whether a mutation sends the buffer.
type Trigger interface {
	// ShouldFlush is evaluated after every Set/Append with the new buffer
	// length (runes for text channels, bytes for binary ones).
	ShouldFlush(length int) bool
	String() string
}

// Scheduled triggers are sent from a repeating timer instead of the
// mutation path.
type Scheduled interface {
	Trigger
	// FirstRun returns the first tick after now.
	FirstRun(now time.Time) time.Time
	// NextRun returns the tick following prev.
	NextRun(prev time.Time) time.Time
}

type immediateTrigger struct{}

// Immediate sends after every mutation, giving write-through behavior.
func Immediate() Trigger { return immediateTrigger{} }

func (immediateTrigger) ShouldFlush(int) bool { return true }
func (immediateTrigger) String() string       { return "immediate" }

type thresholdTrigger struct {
	size int
}

// Threshold sends once the buffer holds at least size units. The check runs
// after the mutation, so one send may exceed size by the last append.
func Threshold(size int) Trigger { return thresholdTrigger{size: size} }

func (t thresholdTrigger) ShouldFlush(length int) bool { return length >= t.size }
func (t thresholdTrigger) String() string              { return fmt.Sprintf("threshold(%d)", t.size) }

type timedTrigger struct {
	interval time.Duration
}

// Timed sends at a fixed rate. Mutations never send by themselves.
func Timed(interval time.Duration) Trigger { return timedTrigger{interval: interval} }

func (timedTrigger) ShouldFlush(int) bool               { return false }
func (t timedTrigger) String() string                   { return fmt.Sprintf("timed(%s)", t.interval) }
func (t timedTrigger) FirstRun(now time.Time) time.Time { return now.Add(t.interval) }
func (t timedTrigger) NextRun(prev time.Time) time.Time { return prev.Add(t.interval) }

type cronTrigger struct {
	spec     string
	schedule cron.Schedule
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Cron sends on a cron schedule ("*/5 * * * *", "0 */10 * * * *",
// "@every 30s"). Ticks that were missed while a send ran are skipped.
func Cron(spec string) (Trigger, error) {
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("channel: parse cron %q: %w", spec, err)
	}
	return cronTrigger{spec: spec, schedule: schedule}, nil
}

func (cronTrigger) ShouldFlush(int) bool               { return false }
func (t cronTrigger) String() string                   { return "cron(" + t.spec + ")" }
func (t cronTrigger) FirstRun(now time.Time) time.Time { return t.schedule.Next(now) }
func (t cronTrigger) NextRun(prev time.Time) time.Time {
	now := time.Now()
	if prev.After(now) {
		now = prev
	}
	return t.schedule.Next(now)
}

func validateTrigger(t Trigger) error {
	switch v := t.(type) {
	case nil:
		return fmt.Errorf("channel: nil trigger")
	case thresholdTrigger:
		if v.size <= 0 {
			return fmt.Errorf("channel: threshold must be positive, got %d", v.size)
		}
	case timedTrigger:
		if v.interval <= 0 {
			return fmt.Errorf("channel: interval must be positive, got %s", v.interval)
		}
	}
	return nil
}
