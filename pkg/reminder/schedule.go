package reminder

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/halim/nia/pkg/fault"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun computes the next firing of a schedule after now, in unix
// milliseconds.
func NextRun(s Schedule, now time.Time) (int64, error) {
	switch s.Kind {
	case ScheduleKindAt:
		if s.At == "" {
			return 0, fault.New(fault.KindValidation, "reminder", "an 'at' schedule needs a timestamp")
		}
		t, err := time.Parse(time.RFC3339, s.At)
		if err != nil {
			return 0, fault.Wrapf(fault.KindValidation, "reminder", err, "the reminder timestamp is not valid")
		}
		return t.UnixMilli(), nil

	case ScheduleKindEvery:
		if s.EveryMs <= 0 {
			return 0, fault.New(fault.KindValidation, "reminder", "an 'every' schedule needs a positive interval")
		}
		return now.UnixMilli() + s.EveryMs, nil

	case ScheduleKindCron:
		if s.Expr == "" {
			return 0, fault.New(fault.KindValidation, "reminder", "a 'cron' schedule needs an expression")
		}
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return 0, fault.Wrapf(fault.KindValidation, "reminder", err, "the cron expression is not valid")
		}
		if s.TZ != "" {
			loc, err := time.LoadLocation(s.TZ)
			if err != nil {
				return 0, fault.Wrapf(fault.KindValidation, "reminder", err, "the timezone is not valid")
			}
			now = now.In(loc)
		}
		return sched.Next(now).UnixMilli(), nil

	default:
		return 0, fault.New(fault.KindValidation, "reminder", "unknown schedule kind")
	}
}

var durationPatterns = []struct {
	re *regexp.Regexp
	ms int64
}{
	{regexp.MustCompile(`(\d+)\s*(?:seconds|second|secs|sec|s)\b`), 1000},
	{regexp.MustCompile(`(\d+)\s*(?:minutes|minute|mins|min|m)\b`), 60 * 1000},
	{regexp.MustCompile(`(\d+)\s*(?:hours|hour|hrs|hr|h)\b`), 60 * 60 * 1000},
	{regexp.MustCompile(`(\d+)\s*(?:days|day|d)\b`), 24 * 60 * 60 * 1000},
}

var atPattern = regexp.MustCompile(`at\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?`)

// parseDuration reads expressions like "5 minutes", "2h", "1 hour 30 min"
// into milliseconds. Zero means no duration was found.
func parseDuration(text string) int64 {
	var total int64
	for _, p := range durationPatterns {
		for _, match := range p.re.FindAllStringSubmatch(text, -1) {
			n, err := strconv.ParseInt(match[1], 10, 64)
			if err != nil {
				continue
			}
			total += n * p.ms
		}
	}
	return total
}

// ParseWhen turns a natural time expression into a Schedule. Supported
// shapes, matching what users actually type:
//
//	"in 5 minutes", "5m", "2 hours"        one-shot, relative
//	"at 2pm", "at 14:30", "tomorrow at 9am" one-shot, wall clock
//	"every 10 minutes", "every day"         recurring interval
//	"0 9 * * 1-5"                           recurring cron
func ParseWhen(text string, now time.Time) (Schedule, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return Schedule{}, fault.New(fault.KindValidation, "reminder", "the reminder needs a time")
	}

	// A 5-field expression that the cron parser accepts wins outright.
	if len(strings.Fields(text)) == 5 {
		if _, err := cronParser.Parse(text); err == nil {
			return Schedule{Kind: ScheduleKindCron, Expr: text}, nil
		}
	}

	if rest, ok := strings.CutPrefix(text, "every "); ok {
		ms := parseDuration(rest)
		if ms == 0 {
			// "every day", "every hour" with no count.
			ms = parseDuration("1 " + rest)
		}
		if ms > 0 {
			return Schedule{Kind: ScheduleKindEvery, EveryMs: ms}, nil
		}
		return Schedule{}, fault.New(fault.KindValidation, "reminder",
			"that repeat interval was not understood; try something like 'every 10 minutes'")
	}

	if rest, ok := strings.CutPrefix(text, "in "); ok {
		if ms := parseDuration(rest); ms > 0 {
			return atSchedule(now.Add(time.Duration(ms) * time.Millisecond))
		}
	}

	if match := atPattern.FindStringSubmatch(text); match != nil {
		hour, _ := strconv.Atoi(match[1])
		minute := 0
		if match[2] != "" {
			minute, _ = strconv.Atoi(match[2])
		}
		switch match[3] {
		case "pm":
			if hour != 12 {
				hour += 12
			}
		case "am":
			if hour == 12 {
				hour = 0
			}
		}
		if hour > 23 || minute > 59 {
			return Schedule{}, fault.New(fault.KindValidation, "reminder", "that clock time is not valid")
		}

		target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !target.After(now) {
			target = target.AddDate(0, 0, 1)
		}
		if strings.Contains(text, "tomorrow") && target.Day() == now.Day() {
			target = target.AddDate(0, 0, 1)
		}
		return atSchedule(target)
	}

	// Bare durations: "5m", "2 hours".
	if ms := parseDuration(text); ms > 0 {
		return atSchedule(now.Add(time.Duration(ms) * time.Millisecond))
	}

	return Schedule{}, fault.New(fault.KindValidation, "reminder",
		"that time expression was not understood; try 'in 5 minutes' or 'at 2pm'")
}

func atSchedule(t time.Time) (Schedule, error) {
	return Schedule{Kind: ScheduleKindAt, At: t.Format(time.RFC3339)}, nil
}
