package bob

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/robfig/cron/v3"
)

// Schedule is the parsed form of a human schedule string.
// Spec encoding by kind:
//
//	at    — absolute unix-ms timestamp, decimal
//	every — Go duration string ("5m", "12h")
//	cron  — 5-field cron expression
type Schedule struct {
	Kind ScheduleKind
	Spec string
}

// cronParser accepts standard 5-field expressions (minute..day-of-week).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

var (
	reCron     = regexp.MustCompile(`(?i)^cron\s+(.+)$`)
	reEvery    = regexp.MustCompile(`(?i)^every\s+(\d+)\s*([smhd])$`)
	reBareDur  = regexp.MustCompile(`(?i)^(\d+)\s*([smhd])$`)
	reInUnits  = regexp.MustCompile(`(?i)^in\s+(\d+)\s*(second|minute|hour|day|week)s?$`)
	reEveryAt  = regexp.MustCompile(`(?i)^every\s+(day|week|month|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\s+at\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	reTomorrow = regexp.MustCompile(`(?i)^tomorrow(?:\s+at)?\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	reToday    = regexp.MustCompile(`(?i)^today(?:\s+at)?\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	reClock    = regexp.MustCompile(`(?i)^(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)$`)
)

// weekday cron numbers, Monday=1 .. Saturday=6, Sunday=0.
var weekdayDOW = map[string]int{
	"monday": 1, "tuesday": 2, "wednesday": 3, "thursday": 4,
	"friday": 5, "saturday": 6, "sunday": 0,
}

var unitDurations = map[string]time.Duration{
	"s": time.Second, "m": time.Minute, "h": time.Hour, "d": 24 * time.Hour,
	"second": time.Second, "minute": time.Minute, "hour": time.Hour,
	"day": 24 * time.Hour, "week": 7 * 24 * time.Hour,
}

// ParseSchedule maps a human schedule string to a Schedule. Absolute forms
// are resolved against now in its location. Returns *ErrInvalidSchedule when
// no recognized form matches.
func ParseSchedule(input string, now time.Time) (Schedule, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return Schedule{}, &ErrInvalidSchedule{Input: input}
	}

	if m := reCron.FindStringSubmatch(s); m != nil {
		expr := strings.TrimSpace(m[1])
		if _, err := cronParser.Parse(expr); err != nil {
			return Schedule{}, &ErrInvalidSchedule{Input: input}
		}
		return Schedule{Kind: ScheduleCron, Spec: expr}, nil
	}

	if m := reEvery.FindStringSubmatch(s); m != nil {
		return Schedule{Kind: ScheduleEvery, Spec: durationSpec(m[1], m[2])}, nil
	}

	if m := reBareDur.FindStringSubmatch(s); m != nil {
		d := mustDuration(m[1], m[2])
		return atSchedule(now.Add(d)), nil
	}

	if m := reInUnits.FindStringSubmatch(s); m != nil {
		d := mustDuration(m[1], strings.ToLower(m[2]))
		return atSchedule(now.Add(d)), nil
	}

	if m := reEveryAt.FindStringSubmatch(s); m != nil {
		hour, minute, ok := clockTime(m[2], m[3], m[4])
		if !ok {
			return Schedule{}, &ErrInvalidSchedule{Input: input}
		}
		unit := strings.ToLower(m[1])
		var expr string
		switch unit {
		case "day":
			expr = fmt.Sprintf("%d %d * * *", minute, hour)
		case "month":
			expr = fmt.Sprintf("%d %d 1 * *", minute, hour)
		case "week":
			// "every week" aliases Monday.
			expr = fmt.Sprintf("%d %d * * %d", minute, hour, weekdayDOW["monday"])
		default:
			expr = fmt.Sprintf("%d %d * * %d", minute, hour, weekdayDOW[unit])
		}
		return Schedule{Kind: ScheduleCron, Spec: expr}, nil
	}

	if m := reTomorrow.FindStringSubmatch(s); m != nil {
		hour, minute, ok := clockTime(m[1], m[2], m[3])
		if !ok {
			return Schedule{}, &ErrInvalidSchedule{Input: input}
		}
		t := dayAt(now.AddDate(0, 0, 1), hour, minute)
		return atSchedule(t), nil
	}

	if m := reToday.FindStringSubmatch(s); m != nil {
		hour, minute, ok := clockTime(m[1], m[2], m[3])
		if !ok {
			return Schedule{}, &ErrInvalidSchedule{Input: input}
		}
		return atSchedule(rollForward(dayAt(now, hour, minute), now)), nil
	}

	if m := reClock.FindStringSubmatch(s); m != nil {
		hour, minute, ok := clockTime(m[1], m[2], m[3])
		if !ok {
			return Schedule{}, &ErrInvalidSchedule{Input: input}
		}
		return atSchedule(rollForward(dayAt(now, hour, minute), now)), nil
	}

	if t, err := dateparse.ParseIn(s, now.Location()); err == nil {
		return atSchedule(t), nil
	}

	return Schedule{}, &ErrInvalidSchedule{Input: input}
}

// NextRun computes the next run time (unix ms) for a schedule strictly
// relative to from.
//
//	at    — max(from, spec)
//	every — from + duration
//	cron  — first tick strictly after from
func NextRun(kind ScheduleKind, spec string, from time.Time) (int64, error) {
	switch kind {
	case ScheduleAt:
		at, err := strconv.ParseInt(spec, 10, 64)
		if err != nil {
			return 0, &ErrInvalidSchedule{Input: spec}
		}
		if fromMS := from.UnixMilli(); fromMS > at {
			return fromMS, nil
		}
		return at, nil
	case ScheduleEvery:
		d, err := time.ParseDuration(spec)
		if err != nil || d <= 0 {
			return 0, &ErrInvalidSchedule{Input: spec}
		}
		return from.Add(d).UnixMilli(), nil
	case ScheduleCron:
		sched, err := cronParser.Parse(spec)
		if err != nil {
			return 0, &ErrInvalidSchedule{Input: spec}
		}
		return sched.Next(from).UnixMilli(), nil
	}
	return 0, &ErrInvalidSchedule{Input: string(kind)}
}

func atSchedule(t time.Time) Schedule {
	return Schedule{Kind: ScheduleAt, Spec: strconv.FormatInt(t.UnixMilli(), 10)}
}

func durationSpec(n, unit string) string {
	return mustDuration(n, strings.ToLower(unit)).String()
}

func mustDuration(n, unit string) time.Duration {
	v, _ := strconv.Atoi(n)
	return time.Duration(v) * unitDurations[strings.ToLower(unit)]
}

// clockTime resolves an hour/minute/am-pm triple. 12am maps to 0, 12pm to 12.
func clockTime(h, m, ampm string) (hour, minute int, ok bool) {
	hour, _ = strconv.Atoi(h)
	if m != "" {
		minute, _ = strconv.Atoi(m)
	}
	switch strings.ToLower(ampm) {
	case "am":
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour != 12 {
			hour += 12
		}
	}
	if hour > 23 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}

// dayAt returns the wall-clock time hour:minute on ref's date in ref's zone.
func dayAt(ref time.Time, hour, minute int) time.Time {
	y, m, d := ref.Date()
	return time.Date(y, m, d, hour, minute, 0, 0, ref.Location())
}

// rollForward moves t one day ahead when it is not after now.
func rollForward(t, now time.Time) time.Time {
	if !t.After(now) {
		return t.AddDate(0, 0, 1)
	}
	return t
}
