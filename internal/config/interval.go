package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Interval sources reported by ParseInterval.
const (
	SourceDuration = "duration"
	SourceHHMM     = "hhmm"
	SourceCron     = "cron"
)

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	// cronRef anchors the gap measurement of cron expressions.
	cronRef = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// ParseInterval turns a polling interval string into a duration.
//
// Supported forms:
//   - Go duration: "30s", "2m30s"
//   - HH:MM: "00:05" (5 minutes), "01:30"
//   - cron descriptor: "@every 45s", "@hourly", "@daily"
//   - cron expression: "*/5 * * * *" (the gap between two consecutive activations)
//
// Polling is interval based, so cron forms only contribute their period;
// "@every" is rounded down to whole seconds by the cron parser.
func ParseInterval(raw string) (time.Duration, string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		d, err := cronPeriod(s)
		return d, SourceCron, err
	}
	if reHHMM.MatchString(s) {
		d, err := parseHHMM(s)
		return d, SourceHHMM, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use a duration like '30s', HH:MM like '00:05', or '@every 45s')", raw)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, SourceDuration, nil
}

func cronPeriod(expr string) (time.Duration, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0, fmt.Errorf("invalid cron interval %q: %w", expr, err)
	}
	if every, ok := sched.(cron.ConstantDelaySchedule); ok {
		return every.Delay, nil
	}
	first := sched.Next(cronRef)
	second := sched.Next(first)
	if first.IsZero() || second.IsZero() {
		return 0, fmt.Errorf("cron interval %q never fires", expr)
	}
	return second.Sub(first), nil
}

func parseHHMM(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// ParseDurationField parses an optional non-negative Go duration; empty is 0.
// path names the field in errors, e.g. "scheduler.max_backoff".
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault returns def when raw is empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
