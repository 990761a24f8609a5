// Package cronspec derives the 6-field (seconds granularity) cron expression a
// data source is scheduled with.
//
// Expressions use the field order second, minute, hour, day-of-month, month,
// day-of-week. Interval-based schedules are rounded down to whole minutes below
// one hour and to whole hours at or above one hour, so a 90 minute interval runs
// every hour.
package cronspec

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrInvalidCron is returned for explicit expressions that are not valid 6-field cron.
	ErrInvalidCron = errors.New("invalid cron expression")
	// ErrNoScheduleIntent is returned when neither a cron expression nor a positive interval is set.
	ErrNoScheduleIntent = errors.New("no schedule intent")
)

const (
	everyThirtySeconds = "*/30 * * * * *"
	everyMinute        = "0 * * * * *"
	fieldCount         = 6
)

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// IntentKind tells which variant of ScheduleIntent is set.
type IntentKind int

const (
	IntentNone IntentKind = iota
	IntentCron
	IntentInterval
)

func (k IntentKind) String() string {
	switch k {
	case IntentCron:
		return "cron"
	case IntentInterval:
		return "interval"
	default:
		return "none"
	}
}

// ScheduleIntent is either an explicit cron expression or a legacy polling interval.
type ScheduleIntent struct {
	Kind     IntentKind
	Cron     string
	Interval time.Duration
}

// CronIntent returns an explicit cron intent.
func CronIntent(expr string) ScheduleIntent {
	return ScheduleIntent{Kind: IntentCron, Cron: strings.TrimSpace(expr)}
}

// IntervalIntent returns a polling interval intent.
func IntervalIntent(d time.Duration) ScheduleIntent {
	return ScheduleIntent{Kind: IntentInterval, Interval: d}
}

// IntentFrom builds the intent carried by a data source. A non-empty explicit
// cron expression takes precedence over the interval.
func IntentFrom(explicitCron string, interval time.Duration) ScheduleIntent {
	if strings.TrimSpace(explicitCron) != "" {
		return CronIntent(explicitCron)
	}
	if interval != 0 {
		return IntervalIntent(interval)
	}
	return ScheduleIntent{}
}

func (i ScheduleIntent) String() string {
	switch i.Kind {
	case IntentCron:
		return "cron:" + i.Cron
	case IntentInterval:
		return "interval:" + i.Interval.String()
	default:
		return "none"
	}
}

// Resolve returns the effective cron expression for intent.
func Resolve(intent ScheduleIntent) (string, error) {
	switch intent.Kind {
	case IntentCron:
		if err := Validate(intent.Cron); err != nil {
			return "", err
		}
		return intent.Cron, nil
	case IntentInterval:
		return fromInterval(intent.Interval)
	default:
		return "", ErrNoScheduleIntent
	}
}

func fromInterval(d time.Duration) (string, error) {
	switch {
	case d <= 0:
		return "", fmt.Errorf("%w: interval must be positive, got %s", ErrNoScheduleIntent, d)
	case d < time.Minute:
		return everyThirtySeconds, nil
	case d == time.Minute:
		return everyMinute, nil
	case d < time.Hour:
		return fmt.Sprintf("0 */%d * * * *", int(d/time.Minute)), nil
	default:
		return fmt.Sprintf("0 0 */%d * * *", int(d/time.Hour)), nil
	}
}

// Validate checks that expr has exactly six fields and parses.
func Validate(expr string) error {
	_, err := parse(expr)
	return err
}

// Parse returns the schedule of a validated expression, ready to be registered
// on a cron engine.
func Parse(expr string) (cron.Schedule, error) {
	return parse(expr)
}

// Next returns the first activation of expr strictly after from.
func Next(expr string, from time.Time) (time.Time, error) {
	schedule, err := parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from), nil
}

func parse(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != fieldCount {
		return nil, fmt.Errorf("%w: %q has %d fields, want %d", ErrInvalidCron, expr, len(fields), fieldCount)
	}
	schedule, err := parser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return schedule, nil
}
