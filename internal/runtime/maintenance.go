package runtime

import (
	"context"
	"time"

	"github.com/halim/nia/internal/observability"
)

// maintainInterval paces background upkeep. Every pass is cheap when
// nothing changed, so the cadence errs on the frequent side.
const maintainInterval = 30 * time.Second

// taskRetention is how long finished background tasks stay in the ledger
// before the upkeep pass prunes them.
const taskRetention = 24 * time.Hour

// maintain runs periodic upkeep until the runtime context is cancelled:
// memory index sync, finished-task pruning, and gauge refresh.
func (r *Runtime) maintain(ctx context.Context) {
	r.logger.Debug().Dur("interval", maintainInterval).Msg("Maintenance loop started")

	ticker := time.NewTicker(maintainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug().Msg("Maintenance loop stopped")
			return
		case <-ticker.C:
			r.upkeep(ctx)
		}
	}
}

func (r *Runtime) upkeep(ctx context.Context) {
	if r.memory != nil {
		if err := r.memory.Sync(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Memory index sync failed")
		}
	}

	if removed := r.supervisor.Cleanup(taskRetention); removed > 0 {
		r.logger.Debug().Int("removed", removed).Msg("Pruned finished background tasks")
	}

	for lane, stats := range r.queue.Stats() {
		observability.SetLaneDepth(lane, stats["queued"])
		if stats["queued"] > 0 || stats["running"] > 0 {
			r.logger.Debug().
				Str("lane", lane).
				Int("queued", stats["queued"]).
				Int("running", stats["running"]).
				Msg("Lane backlog")
		}
	}

	subStats := r.supervisor.Stats()
	observability.SetSubagentGauges(subStats.Running, subStats.Pending)

	if infos, err := r.sessions.List(); err == nil {
		observability.SetActiveSessions(len(infos))
	}
}
