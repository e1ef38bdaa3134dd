// Package observability exposes the engine's Prometheus series and the audit
// trail. Metrics are registered once on the default registry; recording
// helpers are cheap no-argument-validation calls intended for hot paths.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type engineMetrics struct {
	laneQueueDepth *prometheus.GaugeVec
	laneEnqueues   *prometheus.CounterVec
	laneCompleted  *prometheus.CounterVec
	laneDuration   *prometheus.HistogramVec

	sessionsActive      prometheus.Gauge
	sessionSaveDuration prometheus.Histogram
	sessionLoadDuration prometheus.Histogram
	sessionTrims        prometheus.Counter
	sessionTrimmedMsgs  prometheus.Counter
	storageFailures     prometheus.Counter

	toolDispatches   *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	toolFaults       *prometheus.CounterVec
	toolBatchSize    prometheus.Histogram
	toolBatchLatency prometheus.Histogram

	runTotal      *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	runIterations prometheus.Histogram
	providerRetry *prometheus.CounterVec
	cooldown      *prometheus.GaugeVec

	subagentSpawns   prometheus.Counter
	subagentActive   prometheus.Gauge
	subagentQueued   prometheus.Gauge
	subagentDuration *prometheus.HistogramVec

	remindersFired  prometheus.Counter
	memorySearches  prometheus.Histogram
	memoryWrites    prometheus.Histogram
	channelMessages *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *engineMetrics
)

func getMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		m := &engineMetrics{
			laneQueueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{Name: "nia_lane_queue_depth", Help: "Queued turns per session lane."},
				[]string{"lane"},
			),
			laneEnqueues: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "nia_lane_enqueue_total", Help: "Turns enqueued per session lane."},
				[]string{"lane"},
			),
			laneCompleted: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "nia_lane_completed_total", Help: "Turns completed per lane and status."},
				[]string{"lane", "status"},
			),
			laneDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{Name: "nia_lane_task_duration_seconds", Help: "Turn duration per lane.", Buckets: prometheus.DefBuckets},
				[]string{"lane"},
			),
			sessionsActive: prometheus.NewGauge(
				prometheus.GaugeOpts{Name: "nia_sessions_active", Help: "Live (non-archived) sessions on disk."},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{Name: "nia_session_save_duration_seconds", Help: "Session append/persist duration.", Buckets: prometheus.DefBuckets},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{Name: "nia_session_load_duration_seconds", Help: "Session load duration.", Buckets: prometheus.DefBuckets},
			),
			sessionTrims: prometheus.NewCounter(
				prometheus.CounterOpts{Name: "nia_session_trim_total", Help: "History trim passes executed."},
			),
			sessionTrimmedMsgs: prometheus.NewCounter(
				prometheus.CounterOpts{Name: "nia_session_trimmed_messages_total", Help: "Messages dropped by trimming."},
			),
			storageFailures: prometheus.NewCounter(
				prometheus.CounterOpts{Name: "nia_session_storage_failures_total", Help: "Persistence failures absorbed in-memory."},
			),
			toolDispatches: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "nia_tool_dispatch_total", Help: "Tool dispatches by tool and status."},
				[]string{"tool", "status"},
			),
			toolDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{Name: "nia_tool_duration_seconds", Help: "Tool execution duration by tool.", Buckets: prometheus.DefBuckets},
				[]string{"tool"},
			),
			toolFaults: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "nia_tool_fault_total", Help: "Tool failures by tool and fault kind."},
				[]string{"tool", "kind"},
			),
			toolBatchSize: prometheus.NewHistogram(
				prometheus.HistogramOpts{Name: "nia_tool_batch_size", Help: "Tool calls issued per assistant turn.", Buckets: []float64{1, 2, 3, 5, 8, 13}},
			),
			toolBatchLatency: prometheus.NewHistogram(
				prometheus.HistogramOpts{Name: "nia_tool_batch_duration_seconds", Help: "Wall-clock duration of a concurrent tool batch.", Buckets: prometheus.DefBuckets},
			),
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "nia_agent_run_total", Help: "Agent runs by provider and terminal state."},
				[]string{"provider", "state"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{Name: "nia_agent_run_duration_seconds", Help: "Agent run duration by provider.", Buckets: prometheus.DefBuckets},
				[]string{"provider"},
			),
			runIterations: prometheus.NewHistogram(
				prometheus.HistogramOpts{Name: "nia_agent_run_iterations", Help: "Model iterations consumed per run.", Buckets: []float64{1, 2, 3, 5, 8, 13, 20}},
			),
			providerRetry: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "nia_provider_retry_total", Help: "Provider call retries by provider."},
				[]string{"provider"},
			),
			cooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{Name: "nia_provider_cooldown_active", Help: "Auth profile cooldown state (1 active)."},
				[]string{"profile"},
			),
			subagentSpawns: prometheus.NewCounter(
				prometheus.CounterOpts{Name: "nia_subagent_spawn_total", Help: "Subagent tasks spawned."},
			),
			subagentActive: prometheus.NewGauge(
				prometheus.GaugeOpts{Name: "nia_subagent_active", Help: "Subagent tasks currently running."},
			),
			subagentQueued: prometheus.NewGauge(
				prometheus.GaugeOpts{Name: "nia_subagent_queued", Help: "Subagent tasks waiting for a worker."},
			),
			subagentDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{Name: "nia_subagent_duration_seconds", Help: "Subagent task duration by terminal status.", Buckets: prometheus.DefBuckets},
				[]string{"status"},
			),
			remindersFired: prometheus.NewCounter(
				prometheus.CounterOpts{Name: "nia_reminders_fired_total", Help: "Reminder jobs fired."},
			),
			memorySearches: prometheus.NewHistogram(
				prometheus.HistogramOpts{Name: "nia_memory_search_duration_seconds", Help: "Long-term memory search duration.", Buckets: prometheus.DefBuckets},
			),
			memoryWrites: prometheus.NewHistogram(
				prometheus.HistogramOpts{Name: "nia_memory_write_duration_seconds", Help: "Long-term memory write duration.", Buckets: prometheus.DefBuckets},
			),
			channelMessages: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "nia_channel_messages_total", Help: "Messages by channel and direction."},
				[]string{"channel", "direction"},
			),
		}

		prometheus.MustRegister(
			m.laneQueueDepth, m.laneEnqueues, m.laneCompleted, m.laneDuration,
			m.sessionsActive, m.sessionSaveDuration, m.sessionLoadDuration,
			m.sessionTrims, m.sessionTrimmedMsgs, m.storageFailures,
			m.toolDispatches, m.toolDuration, m.toolFaults, m.toolBatchSize, m.toolBatchLatency,
			m.runTotal, m.runDuration, m.runIterations, m.providerRetry, m.cooldown,
			m.subagentSpawns, m.subagentActive, m.subagentQueued, m.subagentDuration,
			m.remindersFired, m.memorySearches, m.memoryWrites, m.channelMessages,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered registers the engine metrics on first call.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler returns the scrape handler for the default registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordLaneEnqueue(lane string, depth int) {
	m := getMetrics()
	m.laneEnqueues.WithLabelValues(lane).Inc()
	m.laneQueueDepth.WithLabelValues(lane).Set(float64(depth))
}

func RecordLaneCompletion(lane string, duration time.Duration, success bool, depth int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.laneCompleted.WithLabelValues(lane, status).Inc()
	m.laneDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.laneQueueDepth.WithLabelValues(lane).Set(float64(depth))
}

func SetLaneDepth(lane string, depth int) {
	getMetrics().laneQueueDepth.WithLabelValues(lane).Set(float64(depth))
}

func SetActiveSessions(count int) {
	getMetrics().sessionsActive.Set(float64(count))
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionTrim(dropped int) {
	m := getMetrics()
	m.sessionTrims.Inc()
	m.sessionTrimmedMsgs.Add(float64(dropped))
}

func RecordStorageFailure() {
	getMetrics().storageFailures.Inc()
}

func RecordToolDispatch(tool string, duration time.Duration, success bool, faultKind string) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolDispatches.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success && faultKind != "" {
		m.toolFaults.WithLabelValues(tool, faultKind).Inc()
	}
}

func RecordToolBatch(size int, duration time.Duration) {
	m := getMetrics()
	m.toolBatchSize.Observe(float64(size))
	m.toolBatchLatency.Observe(duration.Seconds())
}

func RecordAgentRun(provider, state string, duration time.Duration, iterations int) {
	m := getMetrics()
	m.runTotal.WithLabelValues(provider, state).Inc()
	m.runDuration.WithLabelValues(provider).Observe(duration.Seconds())
	m.runIterations.Observe(float64(iterations))
}

func RecordProviderRetry(provider string) {
	getMetrics().providerRetry.WithLabelValues(provider).Inc()
}

func SetProfileCooldown(profile string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	getMetrics().cooldown.WithLabelValues(profile).Set(v)
}

func RecordSubagentSpawn() {
	getMetrics().subagentSpawns.Inc()
}

func SetSubagentGauges(active, queued int) {
	m := getMetrics()
	m.subagentActive.Set(float64(active))
	m.subagentQueued.Set(float64(queued))
}

func RecordSubagentDone(status string, duration time.Duration) {
	getMetrics().subagentDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func RecordReminderFired() {
	getMetrics().remindersFired.Inc()
}

func RecordMemorySearch(duration time.Duration) {
	getMetrics().memorySearches.Observe(duration.Seconds())
}

func RecordMemoryWrite(duration time.Duration) {
	getMetrics().memoryWrites.Observe(duration.Seconds())
}

func RecordChannelMessage(channel, direction string) {
	getMetrics().channelMessages.WithLabelValues(channel, direction).Inc()
}
