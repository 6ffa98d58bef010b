package courier

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
)

// Schedule describes when a job runs. Interval schedules use IntervalSeconds;
// cron schedules use Expression evaluated in Timezone (UTC when empty).
type Schedule struct {
	Kind            ScheduleKind `json:"kind"`
	IntervalSeconds int          `json:"interval_seconds,omitempty"`
	Expression      string       `json:"expression,omitempty"`
	Timezone        string       `json:"timezone,omitempty"`
}

func IntervalSchedule(seconds int) Schedule {
	return Schedule{Kind: ScheduleInterval, IntervalSeconds: seconds}
}

func CronSchedule(expression, timezone string) Schedule {
	return Schedule{Kind: ScheduleCron, Expression: expression, Timezone: timezone}
}

func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleInterval:
		if s.IntervalSeconds <= 0 {
			return newValidationError("schedule.interval_seconds", "must be positive")
		}
		return nil
	case ScheduleCron:
		if _, err := cron.ParseStandard(s.Expression); err != nil {
			return newValidationError("schedule.expression", err.Error())
		}
		if _, err := s.location(); err != nil {
			return newValidationError("schedule.timezone", err.Error())
		}
		return nil
	default:
		return newValidationError("schedule.kind", fmt.Sprintf("%q: %v", s.Kind, ErrUnknownScheduleType))
	}
}

// NextRun returns the first due time following lastRunAt. A nil lastRunAt
// makes an interval schedule due at now; a cron schedule waits for its first
// occurrence after now.
func (s Schedule) NextRun(lastRunAt *time.Time, now time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleInterval:
		if s.IntervalSeconds <= 0 {
			return time.Time{}, ErrCannotParseSchedule
		}
		if lastRunAt == nil {
			return now, nil
		}
		return lastRunAt.Add(time.Duration(s.IntervalSeconds) * time.Second), nil
	case ScheduleCron:
		spec, err := cron.ParseStandard(s.Expression)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrCannotParseSchedule, err)
		}
		loc, err := s.location()
		if err != nil {
			return time.Time{}, err
		}
		after := now
		if lastRunAt != nil {
			after = *lastRunAt
		}
		next := spec.Next(after.In(loc))
		if next.IsZero() {
			return time.Time{}, ErrCannotParseSchedule
		}
		return next, nil
	default:
		return time.Time{}, ErrUnknownScheduleType
	}
}

// IsDue reports whether a job last run at lastRunAt should run at now.
func (s Schedule) IsDue(lastRunAt *time.Time, now time.Time) (bool, error) {
	next, err := s.NextRun(lastRunAt, now)
	if err != nil {
		return false, err
	}

	return !next.After(now), nil
}

func (s Schedule) String() string {
	if s.Kind == ScheduleInterval {
		return fmt.Sprintf("every %ds", s.IntervalSeconds)
	}
	if s.Timezone == "" {
		return s.Expression
	}
	return s.Expression + " (" + s.Timezone + ")"
}

func (s Schedule) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}
