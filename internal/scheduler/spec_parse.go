package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a normalized schedule string.
//
// Accepted forms:
//   - cron, with optional seconds field: "0 6 * * *", "*/10 * * * * *", "@hourly"
//   - time of day in the scheduler timezone: "06:00", "daily:06:00"
//   - fixed interval: "30s", "every:5m", "@every 5m"
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
	// Source is "cron", "daily" or "interval".
	Source string
}

var reClock = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "daily:"):
		return daily(strings.TrimSpace(s[len("daily:"):]))
	case strings.HasPrefix(low, "every:"):
		return interval(strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(low, "@every"):
		return interval(strings.TrimSpace(s[len("@every"):]))
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	case reClock.MatchString(s):
		return daily(s)
	}
	if _, err := time.ParseDuration(s); err == nil {
		return interval(s)
	}
	return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use cron like '0 6 * * *', a time like '06:00' or an interval like '30s')", raw)
}

func daily(v string) (ParsedSpec, error) {
	h, m, err := parseHHMM(v)
	if err != nil {
		return ParsedSpec{}, err
	}
	return ParsedSpec{Kind: SpecCron, Cron: fmt.Sprintf("%d %d * * *", m, h), Source: "daily"}, nil
}

func interval(v string) (ParsedSpec, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: "interval"}, nil
}

// parseHHMM parses a 24h clock time.
func parseHHMM(v string) (int, int, error) {
	m := reClock.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", v)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if h > 23 || mm > 59 {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", v)
	}
	return h, mm, nil
}
