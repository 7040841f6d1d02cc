package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nadahlberg/codeclaw/model"
)

// InitialNextRun computes the first firing for a newly created task. Cron
// expressions use the standard five-field form; intervals are milliseconds;
// once-tasks carry an RFC 3339 timestamp.
func InitialNextRun(kind model.ScheduleKind, value string, now time.Time) (*time.Time, error) {
	switch kind {
	case model.ScheduleCron:
		sched, err := cron.ParseStandard(value)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
		next := sched.Next(now)
		return &next, nil
	case model.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid interval %q: want positive milliseconds", value)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case model.ScheduleOnce:
		next, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("invalid once timestamp %q: %w", value, err)
		}
		return &next, nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", kind)
	}
}

// NextRunAfter computes the firing after a completed run. Once-tasks return
// nil, which transitions them to completed.
func NextRunAfter(kind model.ScheduleKind, value string, now time.Time) (*time.Time, error) {
	if kind == model.ScheduleOnce {
		return nil, nil
	}
	return InitialNextRun(kind, value, now)
}
