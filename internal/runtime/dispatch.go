package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/halim/nia/internal/config"
	"github.com/halim/nia/internal/tracing"
	"github.com/halim/nia/pkg/agent"
	"github.com/halim/nia/pkg/channels"
	"github.com/halim/nia/pkg/command"
	"github.com/halim/nia/pkg/fault"
	"github.com/halim/nia/pkg/reminder"
	"github.com/halim/nia/pkg/subagent"
)

// dispatch is the canonical ingress path. Every inbound message, whatever
// the channel, goes command router first and agent runner second. The run
// queue underneath the runner serializes turns per session, so dispatch
// itself never blocks other sessions.
func (r *Runtime) dispatch(ctx context.Context, msg channels.InboundMessage) (string, error) {
	start := time.Now()

	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	sessionKey := msg.SessionKey()
	ctx = tracing.WithSessionKey(ctx, sessionKey)

	log := tracing.LoggerFromContext(ctx, r.logger.GetZerolog()).With().
		Str("channel", msg.Channel).
		Str("session_key", sessionKey).
		Logger()

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return "", fault.New(fault.KindValidation, "runtime.dispatch", "message content is empty")
	}

	outcome := r.commands.Handle(ctx, command.Request{
		SessionKey: sessionKey,
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
	}, content)
	if outcome.Handled {
		log.Info().
			Dur("duration", time.Since(start)).
			Msg("Command handled")
		return outcome.Reply, nil
	}

	input := content
	if outcome.Delegate && strings.TrimSpace(outcome.Input) != "" {
		input = outcome.Input
	}

	result, err := r.runner.Run(ctx, agent.RunRequest{
		SessionKey: sessionKey,
		Input:      input,
	})
	if err != nil {
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("Turn failed")
		return "", err
	}

	reply := result.Content
	if len(result.Warnings) > 0 {
		reply = strings.TrimSpace(reply + "\n\n" + strings.Join(result.Warnings, "\n"))
	}

	log.Info().
		Str("state", string(result.State)).
		Int("iterations", result.Iterations).
		Int("tool_calls", result.ToolCalls).
		Dur("duration", time.Since(start)).
		Msg("Turn completed")
	return reply, nil
}

// announceReminder re-enters the engine when a reminder fires. The notice
// runs as a normal turn for the owning session so the agent can phrase the
// nudge, look things up, or chain tools; the reply then goes out on the
// session's own channel. Runs on the reminder's timer goroutine, so
// blocking here delays nothing else.
func (r *Runtime) announceReminder(ctx context.Context, rem reminder.Reminder, text string) {
	select {
	case <-r.started:
	case <-r.ctx.Done():
		return
	case <-ctx.Done():
		return
	}

	channelName, chatID, ok := channels.SplitSessionKey(rem.SessionKey)
	if !ok {
		r.logger.Warn().
			Str("reminder_id", rem.ID).
			Str("session_key", rem.SessionKey).
			Msg("Reminder session key is malformed, dropping announcement")
		return
	}

	ctx = tracing.NewRequestContext(ctx)
	log := tracing.LoggerFromContext(ctx, r.logger.GetZerolog()).With().
		Str("reminder_id", rem.ID).
		Str("session_key", rem.SessionKey).
		Logger()

	reply, err := r.dispatch(ctx, channels.InboundMessage{
		Channel:  channelName,
		SenderID: "reminder",
		ChatID:   chatID,
		Content:  text,
		Metadata: map[string]interface{}{"source": "reminder", "reminder_id": rem.ID},
	})
	if err != nil {
		log.Error().Err(err).Msg("Reminder turn failed")
		return
	}
	if reply == "" {
		return
	}

	if err := r.channels.Send(ctx, channels.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: reply,
	}); err != nil {
		log.Error().Err(err).Msg("Failed to deliver reminder announcement")
	}
}

// announceTask lets the parent agent react when a background task reaches a
// terminal state. The task summary is already in the parent history by the
// time this runs; the turn here only prompts the parent loop to read it and
// report, so the nudge text stays short. Runs async because the callback
// arrives on a queue worker that must not re-enter the queue.
func (r *Runtime) announceTask(task subagent.Task) {
	go func() {
		select {
		case <-r.started:
		case <-r.ctx.Done():
			return
		}

		channelName, chatID, ok := channels.SplitSessionKey(task.ParentSessionKey)
		if !ok {
			r.logger.Warn().
				Str("task_id", task.ID).
				Str("session_key", task.ParentSessionKey).
				Msg("Task parent session key is malformed, dropping announcement")
			return
		}

		ctx := tracing.NewRequestContext(r.ctx)
		ctx = tracing.WithSessionKey(ctx, task.ParentSessionKey)
		log := tracing.LoggerFromContext(ctx, r.logger.GetZerolog()).With().
			Str("task_id", task.ID).
			Str("status", string(task.Status)).
			Logger()

		reply, err := r.dispatch(ctx, channels.InboundMessage{
			Channel:  channelName,
			SenderID: "subagent",
			ChatID:   chatID,
			Content:  taskNudge(task),
			Metadata: map[string]interface{}{"source": "subagent", "task_id": task.ID},
		})
		if err != nil {
			log.Error().Err(err).Msg("Task announcement turn failed")
			return
		}
		if reply == "" {
			return
		}

		if err := r.channels.Send(ctx, channels.OutboundMessage{
			Channel: channelName,
			ChatID:  chatID,
			Content: reply,
		}); err != nil {
			log.Error().Err(err).Msg("Failed to deliver task announcement")
		}
	}()
}

// taskNudge phrases the follow-up prompt for a finished task. The summary
// with the actual outcome is the message right before it in the history.
func taskNudge(task subagent.Task) string {
	switch task.Status {
	case subagent.StatusCompleted:
		return fmt.Sprintf("Background task %s just completed. Review its report above and give me the outcome.", task.ID)
	case subagent.StatusFailed:
		return fmt.Sprintf("Background task %s failed. Review the error above and tell me what happened.", task.ID)
	default:
		return fmt.Sprintf("Background task %s was cancelled. Acknowledge it briefly.", task.ID)
	}
}

// skillEntries backs the /skills command.
func (r *Runtime) skillEntries() []command.SkillEntry {
	list := r.skills.List()
	out := make([]command.SkillEntry, 0, len(list))
	for _, sk := range list {
		out = append(out, command.SkillEntry{
			Name:        sk.Name,
			Description: sk.Description,
		})
	}
	return out
}

// taskEntries backs the /tasks command for one session.
func (r *Runtime) taskEntries(sessionKey string) []command.TaskEntry {
	now := time.Now()
	list := r.supervisor.List(sessionKey)
	out := make([]command.TaskEntry, 0, len(list))
	for _, task := range list {
		entry := command.TaskEntry{
			ID:     task.ID,
			Goal:   task.Goal,
			Status: string(task.Status),
			Age:    now.Sub(time.UnixMilli(task.CreatedAt)).Round(time.Second).String(),
		}
		if task.StartedAt != nil {
			end := now
			if task.CompletedAt != nil {
				end = time.UnixMilli(*task.CompletedAt)
			}
			entry.Runtime = end.Sub(time.UnixMilli(*task.StartedAt)).Round(time.Second).String()
		}
		out = append(out, entry)
	}
	return out
}

// statusReport backs the /status command.
func (r *Runtime) statusReport() command.StatusReport {
	r.mu.RLock()
	var uptime time.Duration
	if r.running {
		uptime = time.Since(r.startTime)
	}
	r.mu.RUnlock()

	report := command.StatusReport{
		Version:          Version,
		Uptime:           uptime.Round(time.Second).String(),
		Provider:         primaryProvider(r.cfg.AI.Profiles),
		Model:            resolveModel(r.cfg.Models),
		ActiveRuns:       len(r.runner.ActiveRuns()),
		QueueDepth:       queueDepth(r.queue.Stats()),
		SkillCount:       r.skills.Count(),
		MemoryEnabled:    r.memory != nil,
		RemindersEnabled: r.reminders != nil,
	}
	if infos, err := r.sessions.List(); err == nil {
		report.SessionCount = len(infos)
	}
	stats := r.supervisor.Stats()
	report.SubagentsRunning = stats.Running
	report.SubagentsPending = stats.Pending
	return report
}

// primaryProvider is the provider of the highest-priority profile.
func primaryProvider(profiles []config.AIProfile) string {
	if len(profiles) == 0 {
		return ""
	}
	best := profiles[0]
	for _, p := range profiles[1:] {
		if p.Priority < best.Priority {
			best = p
		}
	}
	return best.Provider
}

// queueDepth totals queued turns across lanes.
func queueDepth(stats map[string]map[string]int) int {
	depth := 0
	for _, lane := range stats {
		depth += lane["queued"]
	}
	return depth
}
