// Package scheduler computes occurrence times for agent schedules and drives
// scheduled submissions through the engine's admission path. It owns the
// one-in-flight-per-agent rule for scheduled runs.
package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"agent-engine/internal/domain"
)

// Trigger computes occurrence times for one schedule. Next returns the zero
// time when no further occurrence exists.
type Trigger interface {
	Next(after time.Time) time.Time
}

type intervalTrigger struct {
	every time.Duration
}

func (t intervalTrigger) Next(after time.Time) time.Time {
	return after.Add(t.every)
}

type cronTrigger struct {
	schedule cron.Schedule
}

func (t cronTrigger) Next(after time.Time) time.Time {
	return t.schedule.Next(after)
}

type onceTrigger struct {
	at time.Time
}

func (t onceTrigger) Next(after time.Time) time.Time {
	if t.at.After(after) {
		return t.at
	}
	return time.Time{}
}

// ParseTrigger compiles a trigger spec. Malformed expressions are rejected
// with ErrScheduleConfig.
func ParseTrigger(spec domain.TriggerSpec) (Trigger, error) {
	expr := strings.TrimSpace(spec.Expression)

	switch spec.Kind {
	case domain.TriggerInterval:
		every, err := time.ParseDuration(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: interval %q: %v", domain.ErrScheduleConfig, expr, err)
		}
		if every <= 0 {
			return nil, fmt.Errorf("%w: interval must be positive, got %s", domain.ErrScheduleConfig, every)
		}
		return intervalTrigger{every: every}, nil

	case domain.TriggerCron:
		schedule, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: cron %q: %v", domain.ErrScheduleConfig, expr, err)
		}
		return cronTrigger{schedule: schedule}, nil

	case domain.TriggerOnce:
		at, err := time.Parse(time.RFC3339, expr)
		if err != nil {
			return nil, fmt.Errorf("%w: once %q: %v", domain.ErrScheduleConfig, expr, err)
		}
		return onceTrigger{at: at.UTC()}, nil

	default:
		return nil, fmt.Errorf("%w: unknown trigger kind %q", domain.ErrScheduleConfig, spec.Kind)
	}
}

// CheckMinInterval simulates the next two occurrences from now and rejects
// the trigger when they are closer than min. Triggers with at most one
// remaining occurrence always pass.
func CheckMinInterval(trig Trigger, now time.Time, min time.Duration) error {
	first := trig.Next(now)
	if first.IsZero() {
		return nil
	}
	second := trig.Next(first)
	if second.IsZero() {
		return nil
	}
	if gap := second.Sub(first); gap < min {
		return fmt.Errorf("%w: occurrences %s apart, minimum is %s", domain.ErrScheduleConfig, gap, min)
	}
	return nil
}
