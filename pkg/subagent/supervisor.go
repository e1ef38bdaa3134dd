package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/halim/nia/internal/observability"
	"github.com/halim/nia/internal/tracing"
	"github.com/halim/nia/pkg/agent"
	"github.com/halim/nia/pkg/fault"
	"github.com/halim/nia/pkg/runqueue"
	"github.com/halim/nia/pkg/session"
)

// Lane is the shared scheduling lane for background tasks. Its concurrency
// is the global ceiling; spawns beyond it wait in line, none are rejected.
const Lane = "subagents"

const (
	// DefaultLimit is how many background tasks may run at once.
	DefaultLimit = 3
	// DefaultChildIterations caps a child loop independently of the
	// parent loop's own cap.
	DefaultChildIterations = 15
	// DefaultRetention is how long finished tasks stay in the ledger.
	DefaultRetention = 7 * 24 * time.Hour
)

// TurnRunner runs one agent turn. *agent.Runner satisfies it.
type TurnRunner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

// Announcer is called once per task when it reaches a terminal state,
// after the summary has been posted to the parent session. The runtime
// uses it to let the parent agent react to the outcome.
type Announcer func(task Task)

// Config wires a Supervisor.
type Config struct {
	Loop     TurnRunner
	Sessions *session.Manager
	Queue    *runqueue.Queue
	// RegistryPath is where the task ledger lives. Defaults to
	// ~/.nia/subagents.json.
	RegistryPath string
	// Limit is the global concurrency ceiling. Defaults to DefaultLimit.
	Limit int
	// ChildIterations caps each child loop. Defaults to
	// DefaultChildIterations.
	ChildIterations int
	Announcer       Announcer
	Logger          zerolog.Logger
}

// Supervisor runs delegated goals as isolated child loops. Each task gets
// its own session keyed <parent>:sub:<id>, shares nothing with the parent,
// and reports back through exactly one summary message.
type Supervisor struct {
	loop            TurnRunner
	sessions        *session.Manager
	queue           *runqueue.Queue
	registryPath    string
	limit           int
	childIterations int
	announcer       Announcer
	logger          zerolog.Logger

	mu      sync.RWMutex
	tasks   map[string]*Task
	cancels map[string]context.CancelFunc
	done    map[string]chan struct{}

	saveMu sync.Mutex
}

// New validates the wiring and reserves the scheduling lane.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Loop == nil {
		return nil, fault.New(fault.KindValidation, "subagent.new", "turn runner is required")
	}
	if cfg.Sessions == nil {
		return nil, fault.New(fault.KindValidation, "subagent.new", "session manager is required")
	}
	if cfg.Queue == nil {
		return nil, fault.New(fault.KindValidation, "subagent.new", "run queue is required")
	}
	if cfg.RegistryPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fault.Wrapf(fault.KindStorage, "subagent.new", err, "cannot resolve home directory")
		}
		cfg.RegistryPath = filepath.Join(home, ".nia", "subagents.json")
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.ChildIterations <= 0 {
		cfg.ChildIterations = DefaultChildIterations
	}

	s := &Supervisor{
		loop:            cfg.Loop,
		sessions:        cfg.Sessions,
		queue:           cfg.Queue,
		registryPath:    cfg.RegistryPath,
		limit:           cfg.Limit,
		childIterations: cfg.ChildIterations,
		announcer:       cfg.Announcer,
		logger:          cfg.Logger,
		tasks:           make(map[string]*Task),
		cancels:         make(map[string]context.CancelFunc),
		done:            make(map[string]chan struct{}),
	}

	cfg.Queue.SetConcurrency(Lane, cfg.Limit)

	return s, nil
}

// Initialize loads the persisted ledger. Tasks that were still pending or
// running when the previous process exited can never finish, so they are
// marked failed on load.
func (s *Supervisor) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.registryPath)
	if os.IsNotExist(err) {
		s.logger.Info().Msg("No task ledger on disk, starting empty")
		return nil
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read task ledger, starting empty")
		return nil
	}

	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		s.logger.Error().Err(err).Msg("Failed to parse task ledger, starting empty")
		return nil
	}

	interrupted := 0
	for _, task := range reg.Tasks {
		if !task.Status.IsTerminal() {
			now := time.Now().UnixMilli()
			task.Status = StatusFailed
			task.Error = "interrupted by restart"
			task.CompletedAt = &now
			interrupted++
		}
		s.tasks[task.ID] = task
	}

	s.logger.Info().
		Int("tasks", len(s.tasks)).
		Int("interrupted", interrupted).
		Msg("Task ledger loaded")

	return nil
}

// Spawn records a pending task and schedules it on the shared lane. The
// call returns as soon as the task is queued; the returned Task is a
// snapshot. Spawns beyond the ceiling wait for a free worker.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*Task, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, fault.New(fault.KindValidation, "subagent.spawn", "a background task needs a goal")
	}
	if req.ParentSessionKey == "" {
		return nil, fault.New(fault.KindValidation, "subagent.spawn", "parent session key is required")
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fault.Wrap(fault.KindExecution, "subagent.spawn", err)
	}

	task := &Task{
		ID:               id,
		ParentSessionKey: req.ParentSessionKey,
		ChildSessionKey:  fmt.Sprintf("%s:sub:%s", req.ParentSessionKey, id),
		Goal:             req.Goal,
		CallID:           req.CallID,
		Model:            req.Model,
		Status:           StatusPending,
		CreatedAt:        time.Now().UnixMilli(),
		MaxIterations:    s.childIterations,
	}

	// The child outlives the parent turn, so its context is detached from
	// the caller's cancellation; only Cancel and Close stop it.
	runCtx, cancel := context.WithCancel(tracing.ChildTaskContext(ctx, id, task.ChildSessionKey))

	s.mu.Lock()
	s.tasks[id] = task
	s.cancels[id] = cancel
	s.done[id] = make(chan struct{})
	snap := *task
	s.mu.Unlock()

	s.save()
	s.setGauges()
	observability.RecordSubagentSpawn()
	observability.RecordSubagentAudit(runCtx, id, "spawn", string(StatusPending), map[string]interface{}{
		"parent_session": req.ParentSessionKey,
		"goal":           req.Goal,
	})

	s.logger.Info().
		Str("task_id", id).
		Str("parent_session", req.ParentSessionKey).
		Str("child_session", task.ChildSessionKey).
		Msg("Background task spawned")

	go s.schedule(runCtx, id)

	return &snap, nil
}

// schedule hands the task to the lane and blocks until the worker is done
// with it. A queue-level rejection (shutdown, lane reset) finalizes the
// task so waiters never hang.
func (s *Supervisor) schedule(ctx context.Context, id string) {
	_, err := s.queue.Enqueue(ctx, Lane, func(tctx context.Context) (interface{}, error) {
		s.execute(tctx, id)
		return nil, nil
	}, nil)
	if err != nil {
		s.finish(ctx, id, StatusCancelled, 0, "", "the task queue stopped before the task started")
	}
}

// execute runs the child loop for one task. Runs on a lane worker.
func (s *Supervisor) execute(ctx context.Context, id string) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok || task.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	if ctx.Err() != nil {
		s.mu.Unlock()
		s.finish(ctx, id, StatusCancelled, 0, "", "")
		return
	}
	now := time.Now().UnixMilli()
	task.Status = StatusRunning
	task.StartedAt = &now
	req := agent.RunRequest{
		SessionKey:    task.ChildSessionKey,
		Input:         task.Goal,
		Model:         task.Model,
		MaxIterations: task.MaxIterations,
	}
	s.mu.Unlock()

	s.save()
	s.setGauges()
	observability.RecordSubagentAudit(ctx, id, "start", string(StatusRunning), nil)

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("task_id", id).Msg("Background task started")

	res, err := s.loop.Run(ctx, req)

	switch {
	case err != nil && ctx.Err() != nil:
		s.finish(ctx, id, StatusCancelled, 0, "", "")
	case err != nil:
		s.finish(ctx, id, StatusFailed, 0, fault.UserMessage(err), err.Error())
	case res.State == agent.StateCancelled:
		s.finish(ctx, id, StatusCancelled, res.Iterations, res.Content, "")
	case res.State == agent.StateFailed:
		s.finish(ctx, id, StatusFailed, res.Iterations, res.Content, "")
	default:
		s.finish(ctx, id, StatusCompleted, res.Iterations, res.Content, "")
	}
}

// finish moves a task to a terminal state exactly once, posts the summary
// to the parent session, and notifies the announcer. Later calls for the
// same task are no-ops, so racing cancel paths stay safe.
func (s *Supervisor) finish(ctx context.Context, id string, status Status, iterations int, result, errMsg string) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok || task.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	now := time.Now().UnixMilli()
	task.Status = status
	task.CompletedAt = &now
	if iterations > 0 {
		task.Iterations = iterations
	}
	task.Result = result
	task.Error = errMsg
	snap := *task
	cancel := s.cancels[id]
	doneCh := s.done[id]
	delete(s.cancels, id)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	started := snap.CreatedAt
	if snap.StartedAt != nil {
		started = *snap.StartedAt
	}
	duration := time.Duration(now-started) * time.Millisecond

	s.save()
	s.setGauges()
	observability.RecordSubagentDone(string(status), duration)
	observability.RecordSubagentAudit(ctx, id, "finish", string(status), map[string]interface{}{
		"iterations": snap.Iterations,
	})

	s.postSummary(ctx, snap)

	if doneCh != nil {
		close(doneCh)
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("task_id", id).
		Str("status", string(status)).
		Dur("duration", duration).
		Msg("Background task finished")

	if s.announcer != nil {
		s.announcer(snap)
	}
}

// postSummary appends the one summary message to the parent session. It is
// a user-role message rather than a tool result: by the time the task ends
// the parent turn that spawned it has long closed, and providers reject
// tool results that do not directly follow their call. The spawn call id
// travels in the message metadata instead.
func (s *Supervisor) postSummary(ctx context.Context, task Task) {
	meta := map[string]interface{}{
		"subagent_task": task.ID,
		"status":        string(task.Status),
	}
	if task.CallID != "" {
		meta["call_id"] = task.CallID
	}

	msg := session.Message{
		Role:     session.RoleUser,
		Name:     "spawn",
		Content:  summarize(task),
		Metadata: meta,
	}
	if err := s.sessions.Append(ctx, task.ParentSessionKey, msg); err != nil {
		s.logger.Error().
			Err(err).
			Str("task_id", task.ID).
			Msg("Failed to post task summary to parent session")
	}
}

// summarize renders the outcome for the parent conversation.
func summarize(task Task) string {
	switch task.Status {
	case StatusCompleted:
		return fmt.Sprintf("Background task %s finished.\n\nGoal: %s\n\nOutcome:\n%s",
			task.ID, task.Goal, task.Result)
	case StatusCancelled:
		return fmt.Sprintf("Background task %s was cancelled.\n\nGoal: %s", task.ID, task.Goal)
	default:
		reason := task.Result
		if reason == "" {
			reason = task.Error
		}
		if reason == "" {
			reason = "no details recorded"
		}
		return fmt.Sprintf("Background task %s failed.\n\nGoal: %s\n\nProblem: %s",
			task.ID, task.Goal, reason)
	}
}

// Cancel stops a task. A queued task is finalized immediately; a running
// one is cancelled cooperatively and finalized by its worker. Cancelling a
// finished task is a no-op.
func (s *Supervisor) Cancel(id string) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fault.New(fault.KindValidation, "subagent.cancel", fmt.Sprintf("no background task with id %s", id))
	}
	status := task.Status
	cancel := s.cancels[id]
	s.mu.Unlock()

	if status.IsTerminal() {
		return nil
	}

	s.logger.Info().Str("task_id", id).Msg("Background task cancel requested")

	if cancel != nil {
		cancel()
	}
	if status == StatusPending {
		s.finish(context.Background(), id, StatusCancelled, 0, "", "")
	}

	return nil
}

// Status returns a snapshot of one task.
func (s *Supervisor) Status(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fault.New(fault.KindValidation, "subagent.status", fmt.Sprintf("no background task with id %s", id))
	}
	snap := *task
	return &snap, nil
}

// List returns snapshots of every task spawned by the parent session,
// oldest first.
func (s *Supervisor) List(parentKey string) []*Task {
	s.mu.RLock()
	out := make([]*Task, 0)
	for _, task := range s.tasks {
		if task.ParentSessionKey == parentKey {
			snap := *task
			out = append(out, &snap)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Wait blocks until the task reaches a terminal state or ctx expires.
func (s *Supervisor) Wait(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	task, ok := s.tasks[id]
	var terminal bool
	var doneCh chan struct{}
	if ok {
		terminal = task.Status.IsTerminal()
		doneCh = s.done[id]
	}
	s.mu.RUnlock()

	if !ok {
		return nil, fault.New(fault.KindValidation, "subagent.wait", fmt.Sprintf("no background task with id %s", id))
	}
	if terminal || doneCh == nil {
		return s.Status(id)
	}

	select {
	case <-doneCh:
		return s.Status(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats summarizes the ledger by status.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Total: len(s.tasks)}
	for _, task := range s.tasks {
		switch task.Status {
		case StatusPending:
			st.Pending++
		case StatusRunning:
			st.Running++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

// Cleanup drops finished tasks older than the retention window and reports
// how many were removed. Non-positive retention uses DefaultRetention.
func (s *Supervisor) Cleanup(retention time.Duration) int {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := time.Now().Add(-retention).UnixMilli()

	s.mu.Lock()
	removed := 0
	for id, task := range s.tasks {
		if !task.Status.IsTerminal() {
			continue
		}
		if task.CompletedAt != nil && *task.CompletedAt < cutoff {
			delete(s.tasks, id)
			delete(s.done, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.save()
	}
	s.logger.Info().Int("removed", removed).Msg("Task ledger cleanup finished")
	return removed
}

// Close cancels everything still in flight and writes the ledger out.
// Child runs wind down cooperatively; the run queue's own shutdown waits
// for them.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, cancel := range s.cancels {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.save()
	return nil
}

func (s *Supervisor) setGauges() {
	st := s.Stats()
	observability.SetSubagentGauges(st.Running, st.Pending)
}

// save persists the ledger without ever failing the caller. Storage
// problems are logged and the in-memory state stays authoritative.
func (s *Supervisor) save() {
	s.mu.RLock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		snap := *task
		tasks = append(tasks, &snap)
	}
	s.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt < tasks[j].CreatedAt
		}
		return tasks[i].ID < tasks[j].ID
	})

	reg := Registry{
		Version:     1,
		Tasks:       tasks,
		LastUpdated: time.Now().UnixMilli(),
	}

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal task ledger")
		return
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.registryPath), 0700); err != nil {
		s.logger.Error().Err(err).Msg("Failed to create ledger directory")
		return
	}

	tmp := s.registryPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write task ledger")
		return
	}
	if err := os.Rename(tmp, s.registryPath); err != nil {
		os.Remove(tmp)
		s.logger.Error().Err(err).Msg("Failed to replace task ledger")
	}
}
