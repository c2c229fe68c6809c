package syncloop

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule decides when the next pass runs.
//
// Supported forms:
//   - Interval duration: "360m", "6h", "2h30m"
//   - Interval HH:MM: "06:00" (6 hours), "00:50" (50 minutes)
//   - Cron: "0 */6 * * *", "@hourly", "@every 6h", "TZ=Europe/Lisbon 0 4 * * *"
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type Schedule struct {
	// Spec is the normalized source string.
	Spec string
	// Interval is the fixed spacing between passes; 0 for calendar cron specs.
	Interval time.Duration

	next cron.Schedule
	loc  *time.Location
}

// Next returns the first activation strictly after t.
func (s Schedule) Next(t time.Time) time.Time {
	if s.loc != nil {
		t = t.In(s.loc)
	}
	return s.next.Next(t)
}

// IsZero reports whether the schedule is unset.
func (s Schedule) IsZero() bool { return s.next == nil }

func (s Schedule) String() string { return s.Spec }

// every is an exact fixed-delay schedule. cron.Every rounds to whole
// seconds, which breaks sub-second intervals.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// Every returns a fixed-interval schedule.
func Every(d time.Duration) Schedule {
	return Schedule{Spec: FormatInterval(d), Interval: d, next: every(d)}
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses raw into a Schedule. loc applies to cron specs
// without an explicit TZ= prefix; nil means local time.
func ParseSchedule(raw string, loc *time.Location) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Schedule{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return parseCron(expr, loc)
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	}

	// Any whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s, loc)
	}
	if sch, err := parseInterval(s); err == nil {
		return sch, nil
	}
	return Schedule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '0 */6 * * *', HH:MM like '06:00', or duration like '360m')",
		raw,
	)
}

func parseCron(expr string, loc *time.Location) (Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	out := Schedule{Spec: expr, next: sched, loc: loc}
	if cd, ok := sched.(cron.ConstantDelaySchedule); ok {
		out.Interval = cd.Delay
		out.loc = nil
	}
	return out, nil
}

func parseInterval(v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Schedule{}, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Schedule{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		d, err = time.ParseDuration(v)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '360m'/'6h')", v)
		}
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("interval must be > 0")
	}
	return Every(d), nil
}

// FormatInterval renders d without trailing zero units ("6h", "1h30m", "5m").
func FormatInterval(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}
