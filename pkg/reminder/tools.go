package reminder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/halim/nia/internal/tracing"
	"github.com/halim/nia/pkg/fault"
	"github.com/halim/nia/pkg/tools"
)

// Definitions exposes the reminder capabilities backed by s. The session key
// travels in the call context, so each reminder knows which session to
// announce into when it fires.
func Definitions(s *Service) []tools.Definition {
	return []tools.Definition{
		remindTool(s),
		remindersListTool(s),
		reminderCancelTool(s),
	}
}

func remindTool(s *Service) tools.Definition {
	return tools.Definition{
		Name: "remind",
		Description: "Schedule a reminder for the user. Accepts natural language times " +
			"('in 20 minutes', 'at 2pm', 'tomorrow at 9am'), intervals ('every 30 minutes'), " +
			"or a 5-field cron expression ('0 8 * * *').",
		Parameters: []tools.Parameter{
			{Name: "message", Type: "string", Description: "What to remind the user about", Required: true},
			{Name: "when", Type: "string", Description: "When the reminder should fire", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			sessionKey := tracing.GetSessionKey(ctx)
			if sessionKey == "" {
				return nil, fault.New(fault.KindExecution, "reminder.remind", "no session key in call context")
			}

			message, _ := args["message"].(string)
			when, _ := args["when"].(string)

			schedule, err := ParseWhen(when, time.Now())
			if err != nil {
				return nil, err
			}

			rem, err := s.Add(AddParams{SessionKey: sessionKey, Message: message, Schedule: schedule})
			if err != nil {
				return nil, err
			}

			return confirmation(*rem, time.Now()), nil
		},
	}
}

func remindersListTool(s *Service) tools.Definition {
	return tools.Definition{
		Name:        "reminders_list",
		Description: "List the pending reminders for this conversation.",
		Parameters:  []tools.Parameter{},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			sessionKey := tracing.GetSessionKey(ctx)
			rems := s.List(sessionKey)
			if len(rems) == 0 {
				return "No reminders are set.", nil
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "%d reminder(s):\n", len(rems))
			for _, rem := range rems {
				fmt.Fprintf(&sb, "- [%s] %q %s\n", shortID(rem.ID), rem.Message, describeNext(rem, time.Now()))
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		},
	}
}

func reminderCancelTool(s *Service) tools.Definition {
	return tools.Definition{
		Name:        "reminder_cancel",
		Description: "Cancel a pending reminder by its id (the short prefix from reminders_list works).",
		Parameters: []tools.Parameter{
			{Name: "reminder_id", Type: "string", Description: "Id of the reminder to cancel", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			sessionKey := tracing.GetSessionKey(ctx)
			id, _ := args["reminder_id"].(string)
			id = strings.TrimSpace(id)
			if id == "" {
				return nil, fault.New(fault.KindValidation, "reminder.cancel", "reminder_id is required")
			}

			var matched []Reminder
			for _, rem := range s.List(sessionKey) {
				if rem.ID == id || strings.HasPrefix(rem.ID, id) {
					matched = append(matched, rem)
				}
			}
			switch len(matched) {
			case 0:
				return nil, fault.New(fault.KindValidation, "reminder.cancel",
					fmt.Sprintf("no reminder matches %q; run reminders_list to see ids", id))
			case 1:
			default:
				return nil, fault.New(fault.KindValidation, "reminder.cancel",
					fmt.Sprintf("%d reminders match %q; use more of the id", len(matched), id))
			}

			rem := matched[0]
			if err := s.Remove(rem.ID); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Canceled reminder [%s] %q.", shortID(rem.ID), rem.Message), nil
		},
	}
}

// confirmation tells the model the authoritative firing time. Models asked
// to relay a reminder tend to re-derive relative times and drift, so the
// text insists on being repeated as is.
func confirmation(rem Reminder, now time.Time) string {
	desc := describeNext(rem, now)
	return fmt.Sprintf("Reminder [%s] set. It %s. Tell the user exactly this time. Do not recalculate it.",
		shortID(rem.ID), desc)
}

func describeNext(rem Reminder, now time.Time) string {
	var prefix string
	switch rem.Schedule.Kind {
	case ScheduleKindEvery:
		prefix = fmt.Sprintf("repeats every %s, next ", formatInterval(rem.Schedule.EveryMs))
	case ScheduleKindCron:
		prefix = fmt.Sprintf("runs on schedule %q, next ", rem.Schedule.Expr)
	default:
		prefix = "fires "
	}

	if rem.State.NextRunAt == nil {
		return prefix + "at an unknown time"
	}
	next := time.UnixMilli(*rem.State.NextRunAt)
	delta := next.Sub(now)
	switch {
	case delta < time.Minute:
		return prefix + fmt.Sprintf("in %d seconds (at %s)", int(delta.Seconds()), next.Format("15:04:05"))
	case delta < time.Hour:
		return prefix + fmt.Sprintf("in %d minutes (at %s)", int(delta.Round(time.Minute).Minutes()), next.Format("15:04"))
	case delta < 24*time.Hour:
		return prefix + "at " + next.Format("3:04 PM")
	default:
		return prefix + "on " + next.Format("Jan 2 at 3:04 PM")
	}
}

func formatInterval(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	switch {
	case d%(24*time.Hour) == 0:
		days := d / (24 * time.Hour)
		if days == 1 {
			return "day"
		}
		return fmt.Sprintf("%d days", days)
	case d%time.Hour == 0:
		hours := d / time.Hour
		if hours == 1 {
			return "hour"
		}
		return fmt.Sprintf("%d hours", hours)
	case d%time.Minute == 0:
		minutes := d / time.Minute
		if minutes == 1 {
			return "minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	default:
		return d.String()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
