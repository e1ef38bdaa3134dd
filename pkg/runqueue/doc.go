// Package runqueue serializes agent turns into per-session lanes.
//
// Invariants:
// - Tasks in the same lane run in FIFO order; a session lane has concurrency one.
// - A turn for a busy session is queued, never rejected.
// - Tasks in different lanes may run concurrently.
// - Queue activity is observable through enqueued/completed events and metrics.
//
// Usage:
//
//	queue := runqueue.New()
//	defer queue.Close()
//	result, err := queue.EnqueueTurn(ctx, "cli:alice", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package runqueue
