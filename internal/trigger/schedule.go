package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts 5-field and 6-field (seconds) specs plus descriptors.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Schedule is a normalized trigger cadence.
type Schedule struct {
	// Spec is what cron is given: the expression itself or "@every <d>".
	Spec string
	// Every is set for interval schedules.
	Every time.Duration
}

// ParseSchedule accepts a cron expression ("*/1 * * * *", "@hourly"), a Go
// duration ("30s", "1m") or an HH:MM interval ("00:05"). The prefixes
// "cron:", "interval:" and "every:" force one reading.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	}
	sched, err := parseInterval(s)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q (use cron like '*/1 * * * *', HH:MM like '00:05', or a duration like '1m')", raw)
	}
	return sched, nil
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required")
	}
	if _, err := parser.Parse(expr); err != nil {
		return Schedule{}, fmt.Errorf("cron %q: %w", expr, err)
	}
	return Schedule{Spec: expr}, nil
}

func parseInterval(v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	var (
		d   time.Duration
		err error
	)
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Schedule{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else if d, err = time.ParseDuration(v); err != nil {
		return Schedule{}, fmt.Errorf("invalid interval %q", v)
	}
	if d < time.Second {
		return Schedule{}, fmt.Errorf("interval must be at least 1s")
	}
	return Schedule{Spec: "@every " + d.String(), Every: d}, nil
}

// Next returns the next n fire times after from.
func (s Schedule) Next(from time.Time, n int) []time.Time {
	sched, err := parser.Parse(s.Spec)
	if err != nil {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}
