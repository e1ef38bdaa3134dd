package runqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_BasicEnqueue(t *testing.T) {
	q := New()
	defer q.Close()

	executed := false
	result, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	}, nil)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestQueue_TaskError(t *testing.T) {
	q := New()
	defer q.Close()

	expectedErr := errors.New("task failed")
	result, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	}, nil)

	assert.Error(t, err)
	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestSessionLane(t *testing.T) {
	assert.Equal(t, "session-cli:alice", SessionLane("cli:alice"))
}

func TestQueue_SessionLaneNeverInterleaves(t *testing.T) {
	q := New()
	defer q.Close()

	var active, maxActive, total int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.EnqueueTurn(context.Background(), "cli:alice", func(ctx context.Context) (interface{}, error) {
				cur := atomic.AddInt32(&active, 1)
				for {
					prev := atomic.LoadInt32(&maxActive)
					if cur <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, cur) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				atomic.AddInt32(&total, 1)
				return nil, nil
			}, nil)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 5, atomic.LoadInt32(&total))
	assert.EqualValues(t, 1, atomic.LoadInt32(&maxActive))
}

func TestQueue_DifferentSessionsRunConcurrently(t *testing.T) {
	q := New()
	defer q.Close()

	type window struct{ start, end time.Time }
	windows := make([]window, 2)
	var wg sync.WaitGroup

	for i, key := range []string{"cli:alice", "cli:bob"} {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			_, _ = q.EnqueueTurn(context.Background(), key, func(ctx context.Context) (interface{}, error) {
				windows[i].start = time.Now()
				time.Sleep(200 * time.Millisecond)
				windows[i].end = time.Now()
				return nil, nil
			}, nil)
		}(i, key)
	}
	wg.Wait()

	// The two windows must overlap; serialized lanes would run them
	// back to back.
	latestStart := windows[0].start
	if windows[1].start.After(latestStart) {
		latestStart = windows[1].start
	}
	earliestEnd := windows[0].end
	if windows[1].end.Before(earliestEnd) {
		earliestEnd = windows[1].end
	}
	assert.True(t, latestStart.Before(earliestEnd))
}

func TestQueue_Stats(t *testing.T) {
	q := New()
	defer q.Close()

	stats := q.Stats()
	require.Contains(t, stats, SystemLane)
	assert.Equal(t, 4, stats[SystemLane]["concurrency"])

	_, err := q.EnqueueTurn(context.Background(), "cli:alice", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)

	stats = q.Stats()
	require.Contains(t, stats, "session-cli:alice")
	assert.Equal(t, 1, stats["session-cli:alice"]["concurrency"])
}

func TestQueue_ClearLane(t *testing.T) {
	q := New()
	defer q.Close()

	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
				time.Sleep(1 * time.Second)
				return nil, nil
			}, nil)
			errs <- err
		}()
	}

	time.Sleep(150 * time.Millisecond)

	cleared := q.ClearLane("test")
	assert.Equal(t, 4, cleared)

	rejected := 0
	for i := 0; i < 4; i++ {
		err := <-errs
		if err != nil {
			rejected++
			assert.Contains(t, err.Error(), "cleared")
		}
	}
	assert.Equal(t, 4, rejected)
}

func TestQueue_ResetLaneInvalidatesQueuedTasks(t *testing.T) {
	q := New()
	defer q.Close()

	errs := make(chan error, 3)
	release := make(chan struct{})

	go func() {
		_, _ = q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		}, nil)
	}()
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 3; i++ {
		go func() {
			_, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
				return nil, nil
			}, nil)
			errs <- err
		}()
	}
	time.Sleep(100 * time.Millisecond)

	q.ResetLane("test")
	close(release)

	for i := 0; i < 3; i++ {
		err := <-errs
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reset")
	}

	// The lane keeps working after a reset.
	result, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return "fresh", nil
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "fresh", result)
}

func TestQueue_SetConcurrency(t *testing.T) {
	q := New()
	defer q.Close()

	q.SetConcurrency("bulk", 3)

	stats := q.Stats()
	assert.Equal(t, 3, stats["bulk"]["concurrency"])
}

func TestQueue_WaitForActive(t *testing.T) {
	q := New()
	defer q.Close()

	go func() {
		_, _ = q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		}, nil)
	}()

	time.Sleep(10 * time.Millisecond)

	assert.True(t, q.WaitForActive(500*time.Millisecond))
}

func TestQueue_DedupReturnsCachedResult(t *testing.T) {
	q := New()
	defer q.Close()

	var runs int32
	task := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&runs, 1)
		return "once", nil
	}
	opts := &TaskOptions{RequestID: "tg-update-42"}

	first, err := q.Enqueue(context.Background(), "test", task, opts)
	require.NoError(t, err)
	second, err := q.Enqueue(context.Background(), "test", task, opts)
	require.NoError(t, err)

	assert.Equal(t, "once", first)
	assert.Equal(t, "once", second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))
}

func TestQueue_Events(t *testing.T) {
	q := New()
	defer q.Close()

	var mu sync.Mutex
	var events []Event
	record := func(event Event) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}
	q.On("enqueued", record)
	q.On("completed", record)

	_, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return "result", nil
	}, nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(events), 2)

	var sawEnqueued, sawCompleted bool
	for _, event := range events {
		switch event.Type {
		case "enqueued":
			sawEnqueued = true
			assert.Equal(t, "test", event.Lane)
			assert.Contains(t, event.Data, "queued")
		case "completed":
			sawCompleted = true
			assert.Contains(t, event.Data, "duration_ms")
			assert.Equal(t, true, event.Data["success"])
		}
	}
	assert.True(t, sawEnqueued)
	assert.True(t, sawCompleted)
}

func TestQueue_EventOff(t *testing.T) {
	q := New()
	defer q.Close()

	var count int32
	q.On("enqueued", func(event Event) { atomic.AddInt32(&count, 1) })

	_, _ = q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	assert.EqualValues(t, 1, atomic.LoadInt32(&count))

	q.Off("enqueued")

	_, _ = q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	assert.EqualValues(t, 1, atomic.LoadInt32(&count))
}
