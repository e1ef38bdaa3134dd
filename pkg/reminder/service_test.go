package reminder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type announcedCall struct {
	rem  Reminder
	text string
}

type recorder struct {
	mu        sync.Mutex
	announced []announcedCall
	events    []Event
}

func (r *recorder) announce(ctx context.Context, rem Reminder, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.announced = append(r.announced, announcedCall{rem: rem, text: text})
}

func (r *recorder) onEvent(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) announceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.announced)
}

func (r *recorder) lastAnnounced() announcedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.announced[len(r.announced)-1]
}

func (r *recorder) actions() []EventAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventAction, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Action
	}
	return out
}

func newTestService(t *testing.T) (*Service, *recorder, string) {
	t.Helper()

	storePath := filepath.Join(t.TempDir(), "reminders.json")
	rec := &recorder{}

	svc, err := NewService(Options{
		StorePath: storePath,
		Logger:    zerolog.Nop(),
		Announce:  rec.announce,
		OnEvent:   rec.onEvent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop() })

	return svc, rec, storePath
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// futureAt builds a one-shot schedule d from now. RFC3339Nano keeps the
// sub-second part so short test delays survive the round trip.
func futureAt(d time.Duration) Schedule {
	return Schedule{Kind: ScheduleKindAt, At: time.Now().Add(d).Format(time.RFC3339Nano)}
}

func TestNewService(t *testing.T) {
	t.Run("starts empty", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		assert.Equal(t, 0, svc.Count())
	})

	t.Run("requires a store path", func(t *testing.T) {
		_, err := NewService(Options{Announce: func(context.Context, Reminder, string) {}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store path")
	})

	t.Run("requires an announce callback", func(t *testing.T) {
		_, err := NewService(Options{StorePath: filepath.Join(t.TempDir(), "reminders.json")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "announce")
	})

	t.Run("survives a corrupt ledger", func(t *testing.T) {
		storePath := filepath.Join(t.TempDir(), "reminders.json")
		require.NoError(t, os.WriteFile(storePath, []byte("{not json"), 0644))

		svc, err := NewService(Options{
			StorePath: storePath,
			Logger:    zerolog.Nop(),
			Announce:  func(context.Context, Reminder, string) {},
		})
		require.NoError(t, err)
		defer func() { _ = svc.Stop() }()
		assert.Equal(t, 0, svc.Count())
	})
}

func TestAdd(t *testing.T) {
	t.Run("creates a reminder with id and next run", func(t *testing.T) {
		svc, rec, _ := newTestService(t)

		before := nowMs()
		rem, err := svc.Add(AddParams{SessionKey: "cli:alice", Message: "stretch", Schedule: futureAt(time.Hour)})
		require.NoError(t, err)

		assert.NotEmpty(t, rem.ID)
		assert.Equal(t, "cli:alice", rem.SessionKey)
		require.NotNil(t, rem.State.NextRunAt)
		assert.Greater(t, *rem.State.NextRunAt, before)
		assert.Equal(t, rem.CreatedAt, rem.UpdatedAt)

		require.Len(t, rec.actions(), 1)
		assert.Equal(t, EventActionAdded, rec.actions()[0])
	})

	t.Run("persists to disk", func(t *testing.T) {
		svc, _, storePath := newTestService(t)

		_, err := svc.Add(AddParams{SessionKey: "cli:alice", Message: "water the plants", Schedule: futureAt(time.Hour)})
		require.NoError(t, err)

		data, err := os.ReadFile(storePath)
		require.NoError(t, err)
		assert.Contains(t, string(data), "water the plants")
	})

	t.Run("arms a timer", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		rem, err := svc.Add(AddParams{SessionKey: "cli:alice", Message: "stretch", Schedule: futureAt(time.Hour)})
		require.NoError(t, err)

		svc.mu.RLock()
		_, armed := svc.timers[rem.ID]
		svc.mu.RUnlock()
		assert.True(t, armed)
	})

	t.Run("rejects an empty message", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.Add(AddParams{SessionKey: "cli:alice", Schedule: futureAt(time.Hour)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "message")
	})

	t.Run("rejects a missing session", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.Add(AddParams{Message: "stretch", Schedule: futureAt(time.Hour)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "session")
	})

	t.Run("rejects past one-shot times", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		past := Schedule{Kind: ScheduleKindAt, At: time.Now().Add(-time.Hour).Format(time.RFC3339)}
		_, err := svc.Add(AddParams{SessionKey: "cli:alice", Message: "too late", Schedule: past})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "future")
	})

	t.Run("rejects unparseable schedules", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		bad := Schedule{Kind: ScheduleKindAt, At: "soon-ish"}
		_, err := svc.Add(AddParams{SessionKey: "cli:alice", Message: "stretch", Schedule: bad})
		assert.Error(t, err)
	})
}

func TestFire(t *testing.T) {
	t.Run("fires a one-shot and deletes it", func(t *testing.T) {
		svc, rec, _ := newTestService(t)

		_, err := svc.Add(AddParams{SessionKey: "cli:alice", Message: "stand up", Schedule: futureAt(80 * time.Millisecond)})
		require.NoError(t, err)

		waitFor(t, 2*time.Second, func() bool { return rec.announceCount() == 1 })

		call := rec.lastAnnounced()
		assert.Equal(t, "Reminder: stand up", call.text)
		assert.Equal(t, "cli:alice", call.rem.SessionKey)

		waitFor(t, time.Second, func() bool { return svc.Count() == 0 })
		assert.Equal(t, []EventAction{EventActionAdded, EventActionFired, EventActionDeleted}, rec.actions())
	})

	t.Run("reschedules recurring reminders", func(t *testing.T) {
		svc, rec, _ := newTestService(t)

		rem, err := svc.Add(AddParams{
			SessionKey: "cli:alice",
			Message:    "hydrate",
			Schedule:   Schedule{Kind: ScheduleKindEvery, EveryMs: 60},
		})
		require.NoError(t, err)

		waitFor(t, 3*time.Second, func() bool { return rec.announceCount() >= 2 })

		assert.Equal(t, 1, svc.Count())
		got, ok := svc.Get(rem.ID)
		require.True(t, ok)
		assert.GreaterOrEqual(t, got.State.Fires, 2)
		assert.Equal(t, "ok", got.State.LastStatus)
	})

	t.Run("fires overdue reminders at startup", func(t *testing.T) {
		storePath := filepath.Join(t.TempDir(), "reminders.json")
		past := time.Now().Add(-5 * time.Second)
		overdue := &Reminder{
			ID:         "overdue-1",
			SessionKey: "cli:alice",
			Message:    "missed standup",
			Schedule:   Schedule{Kind: ScheduleKindAt, At: past.Format(time.RFC3339)},
			CreatedAt:  past.UnixMilli(),
			UpdatedAt:  past.UnixMilli(),
			State:      State{NextRunAt: int64Ptr(past.UnixMilli())},
		}
		data, err := json.Marshal([]*Reminder{overdue})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(storePath, data, 0644))

		rec := &recorder{}
		svc, err := NewService(Options{StorePath: storePath, Logger: zerolog.Nop(), Announce: rec.announce})
		require.NoError(t, err)
		defer func() { _ = svc.Stop() }()

		waitFor(t, 2*time.Second, func() bool { return rec.announceCount() == 1 })
		assert.Equal(t, "Reminder: missed standup", rec.lastAnnounced().text)
	})
}

func TestRemove(t *testing.T) {
	t.Run("cancels and deletes", func(t *testing.T) {
		svc, rec, _ := newTestService(t)

		rem, err := svc.Add(AddParams{SessionKey: "cli:alice", Message: "stretch", Schedule: futureAt(time.Hour)})
		require.NoError(t, err)

		require.NoError(t, svc.Remove(rem.ID))
		assert.Equal(t, 0, svc.Count())

		svc.mu.RLock()
		_, armed := svc.timers[rem.ID]
		svc.mu.RUnlock()
		assert.False(t, armed)

		actions := rec.actions()
		assert.Equal(t, EventActionDeleted, actions[len(actions)-1])
	})

	t.Run("errors on unknown id", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		err := svc.Remove("nope")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no reminder")
	})
}

func TestList(t *testing.T) {
	t.Run("filters by session and sorts by next run", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		_, err := svc.Add(AddParams{SessionKey: "cli:alice", Message: "later", Schedule: futureAt(2 * time.Hour)})
		require.NoError(t, err)
		_, err = svc.Add(AddParams{SessionKey: "cli:alice", Message: "sooner", Schedule: futureAt(time.Hour)})
		require.NoError(t, err)
		_, err = svc.Add(AddParams{SessionKey: "tg:99", Message: "elsewhere", Schedule: futureAt(30 * time.Minute)})
		require.NoError(t, err)

		mine := svc.List("cli:alice")
		require.Len(t, mine, 2)
		assert.Equal(t, "sooner", mine[0].Message)
		assert.Equal(t, "later", mine[1].Message)

		all := svc.List("")
		require.Len(t, all, 3)
		assert.Equal(t, "elsewhere", all[0].Message)
	})
}

func TestGet(t *testing.T) {
	t.Run("returns a copy or reports absence", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		rem, err := svc.Add(AddParams{SessionKey: "cli:alice", Message: "stretch", Schedule: futureAt(time.Hour)})
		require.NoError(t, err)

		got, ok := svc.Get(rem.ID)
		assert.True(t, ok)
		assert.Equal(t, "stretch", got.Message)

		_, ok = svc.Get("nope")
		assert.False(t, ok)
	})
}

func TestServiceRestart(t *testing.T) {
	t.Run("reloads reminders across restarts", func(t *testing.T) {
		storePath := filepath.Join(t.TempDir(), "reminders.json")
		rec := &recorder{}

		first, err := NewService(Options{StorePath: storePath, Logger: zerolog.Nop(), Announce: rec.announce})
		require.NoError(t, err)

		_, err = first.Add(AddParams{SessionKey: "cli:alice", Message: "one", Schedule: futureAt(time.Hour)})
		require.NoError(t, err)
		_, err = first.Add(AddParams{SessionKey: "cli:alice", Message: "two", Schedule: futureAt(2 * time.Hour)})
		require.NoError(t, err)
		require.NoError(t, first.Stop())

		second, err := NewService(Options{StorePath: storePath, Logger: zerolog.Nop(), Announce: rec.announce})
		require.NoError(t, err)
		defer func() { _ = second.Stop() }()

		assert.Equal(t, 2, second.Count())
		second.mu.RLock()
		armed := len(second.timers)
		second.mu.RUnlock()
		assert.Equal(t, 2, armed)
	})
}

func TestStop(t *testing.T) {
	t.Run("disarms timers and refuses new work", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		_, err := svc.Add(AddParams{SessionKey: "cli:alice", Message: "stretch", Schedule: futureAt(time.Hour)})
		require.NoError(t, err)

		require.NoError(t, svc.Stop())
		require.NoError(t, svc.Stop())

		svc.mu.RLock()
		armed := len(svc.timers)
		svc.mu.RUnlock()
		assert.Equal(t, 0, armed)

		_, err = svc.Add(AddParams{SessionKey: "cli:alice", Message: "more", Schedule: futureAt(time.Hour)})
		assert.Error(t, err)
	})
}
