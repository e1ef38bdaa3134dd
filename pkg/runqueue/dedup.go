package runqueue

import (
	"context"
	"sync"
	"time"
)

// resultCache remembers finished task results by request id so redelivered
// requests (a retried webhook, a double-tapped command) do not run twice.
type resultCache struct {
	entries map[string]*cacheEntry
	ttl     time.Duration
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

type cacheEntry struct {
	result taskResult
	stored time.Time
}

func newResultCache(ctx context.Context, ttl time.Duration) *resultCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)
	cache := &resultCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		ctx:     ctx,
		cancel:  cancel,
	}
	go cache.sweep()

	return cache
}

func (rc *resultCache) Stop() {
	if rc.cancel != nil {
		rc.cancel()
	}
}

func (rc *resultCache) Get(requestID string) (taskResult, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	entry, exists := rc.entries[requestID]
	if !exists || time.Since(entry.stored) > rc.ttl {
		return taskResult{}, false
	}
	return entry.result, true
}

func (rc *resultCache) Set(requestID string, result taskResult) {
	if requestID == "" {
		return
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.entries[requestID] = &cacheEntry{result: result, stored: time.Now()}
}

func (rc *resultCache) Size() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return len(rc.entries)
}

func (rc *resultCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rc.ctx.Done():
			return
		case <-ticker.C:
			rc.mu.Lock()
			now := time.Now()
			for id, entry := range rc.entries {
				if now.Sub(entry.stored) > rc.ttl {
					delete(rc.entries, id)
				}
			}
			rc.mu.Unlock()
		}
	}
}
