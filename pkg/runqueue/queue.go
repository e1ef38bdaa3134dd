package runqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/halim/nia/internal/observability"
	"github.com/halim/nia/internal/tracing"
)

// Task is one unit of lane-serialized work, usually a full agent turn.
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions tune a single enqueue.
type TaskOptions struct {
	// RequestID makes the enqueue idempotent: a repeat within the dedup
	// window returns the first result instead of running again.
	RequestID string
	// WarnAfter fires OnWait when the task is still queued after this long.
	WarnAfter time.Duration
	OnWait    func(waited time.Duration, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	generation  int
	concurrency int
	queue       []*taskRecord
	running     int
	activeIDs   map[string]bool
	mu          sync.Mutex
}

// EventHandler receives queue lifecycle events.
type EventHandler func(event Event)

// Event describes one queue transition, mirrored to observers such as the
// gateway.
type Event struct {
	Type   string
	Lane   string
	TaskID string
	Data   map[string]interface{}
}

// Queue serializes agent turns per conversation: each session key owns a
// lane with concurrency one, so concurrent requests for the same session
// queue up instead of interleaving history writes. Requests for a busy
// session are queued, never rejected.
type Queue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	results *resultCache

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// SystemLane runs background-triggered turns (reminders, announcements)
// with some parallelism.
const SystemLane = "system"

// SessionLane names the serialization lane for one session key.
func SessionLane(sessionKey string) string {
	return "session-" + sessionKey
}

// New creates a queue with the system lane initialized.
func New() *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		results:       newResultCache(ctx, 0),
		eventHandlers: make(map[string][]EventHandler),
	}
	q.initLane(SystemLane, 4)

	return q
}

func (q *Queue) initLane(lane string, concurrency int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.lanes[lane]; !exists {
		q.lanes[lane] = &laneState{
			concurrency: concurrency,
			queue:       make([]*taskRecord, 0),
			activeIDs:   make(map[string]bool),
		}
		log.Debug().Str("lane", lane).Int("concurrency", concurrency).Msg("Lane initialized")
	}
}

func (q *Queue) lane(name string) *laneState {
	q.mu.RLock()
	ls := q.lanes[name]
	q.mu.RUnlock()
	return ls
}

// EnqueueTurn schedules a task on the session's own lane and blocks until
// it completes.
func (q *Queue) EnqueueTurn(ctx context.Context, sessionKey string, task Task, options *TaskOptions) (interface{}, error) {
	if tracing.GetSessionKey(ctx) == "" {
		ctx = tracing.WithSessionKey(ctx, sessionKey)
	}
	return q.Enqueue(ctx, SessionLane(sessionKey), task, options)
}

// Enqueue schedules a task on the named lane and blocks until it completes.
// Lanes are created on first use with concurrency one.
func (q *Queue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"nia.runqueue",
		"runqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	if opts.RequestID != "" {
		if cached, ok := q.results.Get(opts.RequestID); ok {
			logger.Debug().
				Str("lane", lane).
				Str("request_id", opts.RequestID).
				Msg("Duplicate request, returning cached result")
			return cached.value, cached.err
		}
	}

	if q.lane(lane) == nil {
		q.initLane(lane, 1)
	}
	ls := q.lane(lane)

	q.mu.Lock()
	q.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, q.taskIDSeq)
	q.mu.Unlock()

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	record.generation = ls.generation
	ls.queue = append(ls.queue, record)
	depth := len(ls.queue)
	ls.mu.Unlock()

	logger.Debug().
		Str("lane", lane).
		Str("task_id", taskID).
		Int("queued", depth).
		Msg("Task enqueued")

	observability.RecordLaneEnqueue(lane, depth)

	q.emit(Event{
		Type:   "enqueued",
		Lane:   lane,
		TaskID: taskID,
		Data:   map[string]interface{}{"queued": depth},
	})

	if opts.WarnAfter > 0 {
		go q.startWarnTimer(record, lane)
	}

	go q.processLane(lane)

	result := <-record.result
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	}
	if opts.RequestID != "" {
		q.results.Set(opts.RequestID, result)
	}
	return result.value, result.err
}

// processLane starts queued tasks while the lane has capacity.
func (q *Queue) processLane(lane string) {
	ls := q.lane(lane)
	if ls == nil {
		return
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		// A generation bump invalidates everything queued before it.
		if record.generation != ls.generation {
			record.result <- taskResult{err: fmt.Errorf("task cancelled: lane was reset")}
			close(record.result)
			continue
		}

		ls.running++
		ls.activeIDs[record.id] = true

		logger := tracing.LoggerFromContext(record.ctx, log.Logger)
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Int("running", ls.running).
			Msg("Task started")

		q.wg.Add(1)
		go q.executeTask(lane, record)
	}
}

func (q *Queue) executeTask(lane string, record *taskRecord) {
	defer q.wg.Done()

	taskCtx := record.ctx
	if taskCtx == nil {
		taskCtx = context.Background()
	}
	taskCtx, span := tracing.StartSpan(
		taskCtx,
		"nia.runqueue",
		"runqueue.run_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	// Queue shutdown cancels in-flight tasks cooperatively.
	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	start := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(start)

	ls := q.lane(lane)
	ls.mu.Lock()
	ls.running--
	delete(ls.activeIDs, record.id)
	depth := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.result)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordLaneCompletion(lane, duration, err == nil, depth)

	q.emit(Event{
		Type:   "completed",
		Lane:   lane,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
			"success":     err == nil,
		},
	})

	go q.processLane(lane)
}

func (q *Queue) startWarnTimer(record *taskRecord, lane string) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls := q.lane(lane)
		if ls == nil {
			return
		}
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			waited := time.Since(record.enqueuedAt)
			log.Warn().
				Str("lane", lane).
				Str("task_id", record.id).
				Dur("waited", waited).
				Int("queue_pos", queuePos).
				Msg("Task waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(waited, queuePos)
			}
		}
	case <-q.ctx.Done():
	}
}

// QueueSize returns the number of queued tasks for a lane.
func (q *Queue) QueueSize(lane string) int {
	ls := q.lane(lane)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// RunningCount returns the number of executing tasks for a lane.
func (q *Queue) RunningCount(lane string) int {
	ls := q.lane(lane)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// Stats reports queued, running, and concurrency per lane.
func (q *Queue) Stats() map[string]map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := make(map[string]map[string]int, len(q.lanes))
	for lane, ls := range q.lanes {
		ls.mu.Lock()
		stats[lane] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
		ls.mu.Unlock()
	}
	return stats
}

// ClearLane rejects every queued task on the lane and returns how many.
func (q *Queue) ClearLane(lane string) int {
	ls := q.lane(lane)
	if ls == nil {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: fmt.Errorf("task cancelled: lane was cleared")}
		close(record.result)
	}
	ls.queue = make([]*taskRecord, 0)

	log.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	observability.SetLaneDepth(lane, 0)

	return count
}

// ResetLane bumps the lane generation, rejecting everything queued before
// the bump. Used when a session is cleared so stale turns never run against
// the fresh history.
func (q *Queue) ResetLane(lane string) {
	ls := q.lane(lane)
	if ls == nil {
		return
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.generation++
	for _, record := range ls.queue {
		record.result <- taskResult{err: fmt.Errorf("task cancelled: lane was reset")}
		close(record.result)
	}
	ls.queue = make([]*taskRecord, 0)

	log.Info().Str("lane", lane).Int("generation", ls.generation).Msg("Lane reset")
	observability.SetLaneDepth(lane, 0)
}

// SetConcurrency updates a lane's parallelism, creating the lane if needed.
func (q *Queue) SetConcurrency(lane string, concurrency int) {
	if q.lane(lane) == nil {
		q.initLane(lane, concurrency)
		return
	}
	ls := q.lane(lane)

	ls.mu.Lock()
	old := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	log.Info().
		Str("lane", lane).
		Int("old", old).
		Int("new", concurrency).
		Msg("Lane concurrency updated")

	if concurrency > old {
		go q.processLane(lane)
	}
}

// WaitForActive blocks until every running task finishes or the timeout
// passes. Queued tasks are not waited on.
func (q *Queue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		drained := true
		q.mu.RLock()
		for _, ls := range q.lanes {
			ls.mu.Lock()
			if len(ls.activeIDs) > 0 {
				drained = false
			}
			ls.mu.Unlock()
		}
		q.mu.RUnlock()

		if drained {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// On registers a handler for an event type.
func (q *Queue) On(eventType string, handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	q.eventHandlers[eventType] = append(q.eventHandlers[eventType], handler)
}

// Off removes all handlers for an event type.
func (q *Queue) Off(eventType string) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	delete(q.eventHandlers, eventType)
}

func (q *Queue) emit(event Event) {
	q.eventMu.RLock()
	handlers := q.eventHandlers[event.Type]
	q.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// Close cancels in-flight tasks and waits for them to return.
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()
	q.results.Stop()
	return nil
}
