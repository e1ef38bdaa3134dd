package reminder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/halim/nia/internal/observability"
	"github.com/halim/nia/internal/tracing"
	"github.com/halim/nia/pkg/fault"
)

// Service schedules reminders on per-reminder timers and posts fired ones
// back to their owning session through the announce callback. The ledger is
// a JSON file rewritten atomically on every change, so restarts pick up
// pending reminders and fire overdue ones immediately.
type Service struct {
	opts      Options
	logger    zerolog.Logger
	reminders map[string]*Reminder
	timers    map[string]*time.Timer

	mu      sync.RWMutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewService loads the ledger and schedules everything pending.
func NewService(opts Options) (*Service, error) {
	observability.EnsureRegistered()

	if opts.StorePath == "" {
		return nil, fault.New(fault.KindValidation, "reminder", "store path is required")
	}
	if opts.Announce == nil {
		return nil, fault.New(fault.KindValidation, "reminder", "announce callback is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		opts:      opts,
		logger:    opts.Logger.With().Str("module", "reminder").Logger(),
		reminders: make(map[string]*Reminder),
		timers:    make(map[string]*time.Timer),
		ctx:       ctx,
		cancel:    cancel,
	}

	if err := s.load(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load reminder ledger, starting empty")
	}

	s.mu.Lock()
	for _, rem := range s.reminders {
		s.scheduleLocked(rem)
	}
	count := len(s.reminders)
	s.mu.Unlock()

	s.logger.Info().Int("reminders", count).Msg("Reminder service initialized")
	return s, nil
}

// Add validates the schedule, persists the reminder and arms its timer.
func (s *Service) Add(params AddParams) (*Reminder, error) {
	if params.Message == "" {
		return nil, fault.New(fault.KindValidation, "reminder", "the reminder needs a message")
	}
	if params.SessionKey == "" {
		return nil, fault.New(fault.KindValidation, "reminder", "the reminder has no session to return to")
	}

	next, err := NextRun(params.Schedule, time.Now())
	if err != nil {
		return nil, err
	}
	if !params.Schedule.Recurring() && next <= nowMs() {
		return nil, fault.New(fault.KindValidation, "reminder", "the reminder time must be in the future")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, fault.New(fault.KindExecution, "reminder", "the reminder service is shut down")
	}

	now := nowMs()
	rem := &Reminder{
		ID:         uuid.New().String(),
		SessionKey: params.SessionKey,
		Message:    params.Message,
		Schedule:   params.Schedule,
		CreatedAt:  now,
		UpdatedAt:  now,
		State:      State{NextRunAt: int64Ptr(next)},
	}
	s.reminders[rem.ID] = rem

	if err := s.persistLocked(); err != nil {
		delete(s.reminders, rem.ID)
		return nil, err
	}
	s.scheduleLocked(rem)

	s.logger.Info().
		Str("reminder_id", rem.ID).
		Str("session_key", rem.SessionKey).
		Time("next_run", time.UnixMilli(next)).
		Msg("Reminder added")

	s.emit(Event{Action: EventActionAdded, ReminderID: rem.ID, SessionKey: rem.SessionKey, NextRunAt: rem.State.NextRunAt})
	remCopy := *rem
	return &remCopy, nil
}

// Remove cancels and deletes a reminder.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rem, exists := s.reminders[id]
	if !exists {
		return fault.New(fault.KindValidation, "reminder", "no reminder with that id")
	}

	s.cancelTimerLocked(id)
	delete(s.reminders, id)

	if err := s.persistLocked(); err != nil {
		return err
	}

	s.logger.Info().Str("reminder_id", id).Msg("Reminder removed")
	s.emit(Event{Action: EventActionDeleted, ReminderID: id, SessionKey: rem.SessionKey})
	return nil
}

// List returns reminders for one session, or all of them for an empty key,
// soonest first.
func (s *Service) List(sessionKey string) []Reminder {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Reminder, 0, len(s.reminders))
	for _, rem := range s.reminders {
		if sessionKey != "" && rem.SessionKey != sessionKey {
			continue
		}
		out = append(out, *rem)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].State.NextRunAt, out[j].State.NextRunAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		case *a != *b:
			return *a < *b
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// Get returns a copy of one reminder.
func (s *Service) Get(id string) (Reminder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rem, ok := s.reminders[id]
	if !ok {
		return Reminder{}, false
	}
	return *rem, true
}

// Count reports how many reminders are pending.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.reminders)
}

// Stop disarms all timers and persists the ledger.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true
	s.cancel()

	for id := range s.timers {
		s.cancelTimerLocked(id)
	}

	if err := s.persistLocked(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist reminders on shutdown")
		return err
	}

	s.logger.Info().Msg("Reminder service stopped")
	return nil
}

func (s *Service) scheduleLocked(rem *Reminder) {
	if rem.State.NextRunAt == nil {
		s.logger.Warn().Str("reminder_id", rem.ID).Msg("Reminder has no next run, not scheduling")
		return
	}

	delay := time.Duration(*rem.State.NextRunAt-nowMs()) * time.Millisecond
	if delay < 0 {
		// Overdue from a restart; fire now rather than silently drop.
		delay = 0
	}

	id := rem.ID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.fire(id)
	})
}

func (s *Service) cancelTimerLocked(id string) {
	if timer, exists := s.timers[id]; exists {
		timer.Stop()
		delete(s.timers, id)
	}
}

// fire delivers one reminder and either reschedules it (recurring) or
// deletes it (one-shot).
func (s *Service) fire(id string) {
	s.mu.Lock()
	rem, exists := s.reminders[id]
	if !exists || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	started := nowMs()
	message := rem.Message
	remCopy := *rem
	s.mu.Unlock()

	ctx := tracing.WithSessionKey(s.ctx, remCopy.SessionKey)
	logger := s.logger.With().Str("reminder_id", id).Str("session_key", remCopy.SessionKey).Logger()
	logger.Info().Msg("Reminder fired")

	s.opts.Announce(ctx, remCopy, "Reminder: "+message)
	observability.RecordReminderFired()

	s.mu.Lock()
	defer s.mu.Unlock()

	rem, exists = s.reminders[id]
	if !exists {
		return
	}

	rem.State.LastRunAt = int64Ptr(started)
	rem.State.LastStatus = "ok"
	rem.State.Fires++
	rem.UpdatedAt = nowMs()

	if !rem.Schedule.Recurring() {
		delete(s.reminders, id)
		if err := s.persistLocked(); err != nil {
			logger.Error().Err(err).Msg("Failed to persist after firing")
		}
		s.emit(Event{Action: EventActionFired, ReminderID: id, SessionKey: rem.SessionKey, Status: "ok"})
		s.emit(Event{Action: EventActionDeleted, ReminderID: id, SessionKey: rem.SessionKey})
		return
	}

	next, err := NextRun(rem.Schedule, time.Now())
	if err != nil {
		rem.State.LastStatus = "error"
		rem.State.LastError = err.Error()
		logger.Error().Err(err).Msg("Failed to compute next run, reminder parked")
	} else {
		rem.State.NextRunAt = int64Ptr(next)
		s.scheduleLocked(rem)
	}

	if err := s.persistLocked(); err != nil {
		logger.Error().Err(err).Msg("Failed to persist after firing")
	}
	s.emit(Event{Action: EventActionFired, ReminderID: id, SessionKey: rem.SessionKey, Status: rem.State.LastStatus, NextRunAt: rem.State.NextRunAt})
}

func (s *Service) emit(evt Event) {
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(evt)
	}
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.opts.StorePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fault.Wrapf(fault.KindStorage, "reminder", err, "failed to read reminder ledger")
	}

	var reminders []*Reminder
	if err := json.Unmarshal(data, &reminders); err != nil {
		return fault.Wrapf(fault.KindStorage, "reminder", err, "failed to parse reminder ledger")
	}

	for _, rem := range reminders {
		s.reminders[rem.ID] = rem
	}
	return nil
}

func (s *Service) persistLocked() error {
	reminders := make([]*Reminder, 0, len(s.reminders))
	for _, rem := range s.reminders {
		reminders = append(reminders, rem)
	}
	sort.Slice(reminders, func(i, j int) bool { return reminders[i].CreatedAt < reminders[j].CreatedAt })

	data, err := json.MarshalIndent(reminders, "", "  ")
	if err != nil {
		return fault.Wrapf(fault.KindStorage, "reminder", err, "failed to encode reminder ledger")
	}

	if err := os.MkdirAll(filepath.Dir(s.opts.StorePath), 0755); err != nil {
		return fault.Wrapf(fault.KindStorage, "reminder", err, "failed to create reminder directory")
	}

	tmp := s.opts.StorePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fault.Wrapf(fault.KindStorage, "reminder", err, "failed to write reminder ledger")
	}
	if err := os.Rename(tmp, s.opts.StorePath); err != nil {
		return fault.Wrapf(fault.KindStorage, "reminder", err, "failed to replace reminder ledger")
	}
	return nil
}
