// Package schedule computes trigger times for the alert loop. A Spec is
// immutable after Parse: either a fixed interval anchored at decision-time
// wall clock, or a list of times-of-day evaluated in a dedicated scheduling
// timezone. The scheduling timezone is independent of the timezone used to
// display data in notifications.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Mode selects how the next trigger is computed.
type Mode string

const (
	// ModeInterval triggers a fixed duration after each decision point.
	ModeInterval Mode = "interval"

	// ModeFixedTimes triggers at explicit times of day in the scheduling timezone.
	ModeFixedTimes Mode = "fixed_times"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Spec is an immutable trigger-time calculator for one of the two modes.
type Spec struct {
	mode      Mode
	every     time.Duration
	interval  cron.Schedule
	times     []string
	schedules []cron.Schedule
	loc       *time.Location
}

// Parse builds a Spec from raw configuration. Fixed times take precedence
// over the interval when both are set. At least one mode must be configured.
func Parse(everyHours float64, times []string, tz string) (*Spec, error) {
	if len(times) > 0 {
		return parseFixedTimes(times, tz)
	}
	if everyHours <= 0 {
		return nil, fmt.Errorf("no schedule configured: need fixed times or a positive hour interval")
	}
	every := time.Duration(float64(time.Hour) * everyHours)
	return &Spec{
		mode:     ModeInterval,
		every:    every,
		interval: cron.Every(every),
	}, nil
}

func parseFixedTimes(times []string, tz string) (*Spec, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("schedule timezone %q: %w", tz, err)
	}

	type hm struct{ hour, minute int }
	parsed := make([]hm, 0, len(times))
	for _, raw := range times {
		hour, minute, err := parseHHMM(raw)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, hm{hour, minute})
	}
	sort.Slice(parsed, func(i, j int) bool {
		if parsed[i].hour != parsed[j].hour {
			return parsed[i].hour < parsed[j].hour
		}
		return parsed[i].minute < parsed[j].minute
	})

	s := &Spec{
		mode:      ModeFixedTimes,
		times:     make([]string, 0, len(parsed)),
		schedules: make([]cron.Schedule, 0, len(parsed)),
		loc:       loc,
	}
	for _, t := range parsed {
		sched, err := parser.Parse(fmt.Sprintf("%d %d * * *", t.minute, t.hour))
		if err != nil {
			return nil, fmt.Errorf("compile schedule for %02d:%02d: %w", t.hour, t.minute, err)
		}
		s.times = append(s.times, fmt.Sprintf("%02d:%02d", t.hour, t.minute))
		s.schedules = append(s.schedules, sched)
	}
	return s, nil
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid schedule time %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in schedule time %q: want 00..23", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in schedule time %q: want 00..59", s)
	}
	return hour, minute, nil
}

// Next returns the first trigger strictly after now. In fixed-times mode the
// decision happens in the scheduling timezone, so day, month, and DST
// boundaries resolve there; in interval mode the trigger is simply one
// interval after now, so slow runs never accumulate drift.
func (s *Spec) Next(now time.Time) time.Time {
	if s.mode == ModeInterval {
		return s.interval.Next(now)
	}

	local := now.In(s.loc)
	var next time.Time
	for _, sched := range s.schedules {
		n := sched.Next(local)
		if next.IsZero() || n.Before(next) {
			next = n
		}
	}
	return next
}

// Mode returns the active scheduling mode.
func (s *Spec) Mode() Mode { return s.mode }

// Every returns the interval in interval mode, zero otherwise.
func (s *Spec) Every() time.Duration { return s.every }

// Times returns the canonical sorted HH:MM list in fixed-times mode.
func (s *Spec) Times() []string { return s.times }

// String describes the active schedule for startup logs.
func (s *Spec) String() string {
	if s.mode == ModeFixedTimes {
		return fmt.Sprintf("daily at %s (%s)", strings.Join(s.times, ","), s.loc)
	}
	return fmt.Sprintf("every %s", s.every)
}

// Wait blocks until the deadline or until ctx is cancelled, whichever comes
// first. It returns ctx.Err() on cancellation and nil when the deadline
// arrives; a deadline already in the past returns immediately.
func Wait(ctx context.Context, until time.Time) error {
	d := time.Until(until)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
