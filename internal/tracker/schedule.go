package tracker

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind is the normalized kind of a polling schedule string.
type SpecKind int

const (
	SpecInterval SpecKind = iota // fixed period
	SpecDaily                    // fixed time of day
	SpecCron                     // cron expression
)

// Spec is a parsed polling schedule.
//
// Supported forms:
//   - bare number: seconds, e.g. "300" or "0.5"
//   - Go duration: "55m", "2h30m"
//   - HH:MM: fixed time of day, recurring daily
//   - cron: "cron:*/5 * * * *", "@hourly", or any whitespace-separated
//     expression (robfig/cron, optional seconds field)
type Spec struct {
	Kind   SpecKind
	Every  time.Duration
	Hour   int
	Minute int
	Source string

	sched cron.Schedule
}

var reClock = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSpec parses a schedule string. Malformed and ambiguous values are
// rejected rather than guessed at.
func ParseSpec(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}

	if strings.HasPrefix(strings.ToLower(s), "cron:") {
		return parseCron(strings.TrimSpace(s[len("cron:"):]), raw)
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(s, raw)
	}

	if m := reClock.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		return Spec{Kind: SpecDaily, Hour: hh, Minute: mm, Source: raw}, nil
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		d := time.Duration(f * float64(time.Second))
		if d <= 0 {
			return Spec{}, fmt.Errorf("interval must be > 0, got %q", raw)
		}
		return Spec{Kind: SpecInterval, Every: d, Source: raw}, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Spec{}, fmt.Errorf("interval must be > 0, got %q", raw)
		}
		return Spec{Kind: SpecInterval, Every: d, Source: raw}, nil
	}

	return Spec{}, fmt.Errorf(
		"invalid schedule %q (use seconds like '300', duration like '55m', HH:MM, or a cron expression)",
		raw,
	)
}

func parseCron(expr, raw string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("cron expression required in %q", raw)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return Spec{Kind: SpecCron, Source: raw, sched: sched}, nil
}

// Next returns the first due moment strictly after now.
func (s Spec) Next(now time.Time) time.Time {
	switch s.Kind {
	case SpecDaily:
		next := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case SpecCron:
		return s.sched.Next(now)
	default:
		return now.Add(s.Every)
	}
}
