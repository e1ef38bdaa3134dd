package reminder

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ScheduleKind selects how a reminder's next firing is computed.
type ScheduleKind string

const (
	// ScheduleKindAt fires once at an absolute time.
	ScheduleKindAt ScheduleKind = "at"
	// ScheduleKindEvery fires on a fixed interval.
	ScheduleKindEvery ScheduleKind = "every"
	// ScheduleKindCron fires on a 5-field cron expression.
	ScheduleKindCron ScheduleKind = "cron"
)

// Schedule is a time specification. Exactly one of the kind-specific fields
// is meaningful.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// At is an RFC 3339 timestamp for one-shot reminders.
	At string `json:"at,omitempty"`

	// EveryMs is the interval for recurring reminders.
	EveryMs int64 `json:"every_ms,omitempty"`

	// Expr is a 5-field cron expression; TZ optionally overrides the zone.
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

// Recurring reports whether the schedule outlives a single firing.
func (s Schedule) Recurring() bool {
	return s.Kind == ScheduleKindEvery || s.Kind == ScheduleKindCron
}

// State tracks a reminder's runtime bookkeeping. Timestamps are unix
// milliseconds.
type State struct {
	NextRunAt  *int64 `json:"next_run_at,omitempty"`
	LastRunAt  *int64 `json:"last_run_at,omitempty"`
	LastStatus string `json:"last_status,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Fires      int    `json:"fires,omitempty"`
}

// Reminder is one scheduled message bound to the session that created it.
type Reminder struct {
	ID         string   `json:"id"`
	SessionKey string   `json:"session_key"`
	Message    string   `json:"message"`
	Schedule   Schedule `json:"schedule"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
	State      State    `json:"state"`
}

// AddParams creates a reminder.
type AddParams struct {
	SessionKey string
	Message    string
	Schedule   Schedule
}

// EventAction classifies service events.
type EventAction string

const (
	EventActionAdded   EventAction = "added"
	EventActionFired   EventAction = "fired"
	EventActionDeleted EventAction = "deleted"
)

// Event is emitted on reminder lifecycle changes.
type Event struct {
	Action     EventAction `json:"action"`
	ReminderID string      `json:"reminder_id"`
	SessionKey string      `json:"session_key,omitempty"`
	Status     string      `json:"status,omitempty"`
	Error      string      `json:"error,omitempty"`
	NextRunAt  *int64      `json:"next_run_at,omitempty"`
}

// AnnounceFunc delivers a fired reminder back to its owning session. The
// text is the user-facing notice; the reminder carries the routing key.
type AnnounceFunc func(ctx context.Context, rem Reminder, text string)

// Options configures the Service.
type Options struct {
	// StorePath is the JSON ledger, usually ~/.nia/reminders.json.
	StorePath string
	Logger    zerolog.Logger
	// Announce is required: a reminder with nowhere to go is useless.
	Announce AnnounceFunc
	// OnEvent optionally observes lifecycle changes.
	OnEvent func(evt Event)
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func int64Ptr(v int64) *int64 {
	return &v
}
