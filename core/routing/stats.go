package routing

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// =============================================================================
// Router Metrics
// =============================================================================

// defaultLatencyWindow bounds the retained delivery latency samples.
const defaultLatencyWindow = 1024

// routerMetrics accumulates counters and a bounded latency window.
type routerMetrics struct {
	mu sync.Mutex

	routed           int64
	delivered        int64
	queued           int64
	retriesScheduled int64

	droppedDuplicate     int64
	droppedUnknownTarget int64
	droppedNoTargets     int64
	droppedFailed        int64
	droppedExhausted     int64
	droppedExpired       int64
	droppedQueueFull     int64
	droppedShutdown      int64

	latencies     []float64
	latencyWindow int
}

func newRouterMetrics(latencyWindow int) *routerMetrics {
	if latencyWindow <= 0 {
		latencyWindow = defaultLatencyWindow
	}
	return &routerMetrics{
		latencies:     make([]float64, 0, latencyWindow),
		latencyWindow: latencyWindow,
	}
}

func (m *routerMetrics) recordLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latencies = append(m.latencies, float64(d.Microseconds())/1000.0)
	if len(m.latencies) > m.latencyWindow {
		overflow := len(m.latencies) - m.latencyWindow
		m.latencies = append(m.latencies[:0], m.latencies[overflow:]...)
	}
}

// latencyQuantiles returns p50/p95/p99 in milliseconds over the window.
func (m *routerMetrics) latencyQuantiles() (p50, p95, p99 float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.latencies) == 0 {
		return 0, 0, 0
	}

	sorted := make([]float64, len(m.latencies))
	copy(sorted, m.latencies)
	sort.Float64s(sorted)

	p50 = stat.Quantile(0.50, stat.Empirical, sorted, nil)
	p95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	p99 = stat.Quantile(0.99, stat.Empirical, sorted, nil)
	return p50, p95, p99
}

// RouterStats is the read-boundary snapshot of routing activity.
type RouterStats struct {
	Routed           int64 `json:"routed"`
	Delivered        int64 `json:"delivered"`
	Queued           int64 `json:"queued"`
	RetriesScheduled int64 `json:"retries_scheduled"`

	DroppedDuplicate     int64 `json:"dropped_duplicate"`
	DroppedUnknownTarget int64 `json:"dropped_unknown_target"`
	DroppedNoTargets     int64 `json:"dropped_no_targets"`
	DroppedFailed        int64 `json:"dropped_failed"`
	DroppedExhausted     int64 `json:"dropped_exhausted"`
	DroppedExpired       int64 `json:"dropped_expired"`
	DroppedQueueFull     int64 `json:"dropped_queue_full"`
	DroppedShutdown      int64 `json:"dropped_shutdown"`

	Agents        int `json:"agents"`
	Subscriptions int `json:"subscriptions"`
	QueueDepth    int `json:"queue_depth"`
	RetryDepth    int `json:"retry_depth"`

	DedupeRetained   int   `json:"dedupe_retained"`
	DedupeSuppressed int64 `json:"dedupe_suppressed"`

	LatencySamples int     `json:"latency_samples"`
	LatencyP50Ms   float64 `json:"latency_p50_ms"`
	LatencyP95Ms   float64 `json:"latency_p95_ms"`
	LatencyP99Ms   float64 `json:"latency_p99_ms"`
}

func (m *routerMetrics) snapshot() RouterStats {
	p50, p95, p99 := m.latencyQuantiles()

	m.mu.Lock()
	defer m.mu.Unlock()

	return RouterStats{
		Routed:               m.routed,
		Delivered:            m.delivered,
		Queued:               m.queued,
		RetriesScheduled:     m.retriesScheduled,
		DroppedDuplicate:     m.droppedDuplicate,
		DroppedUnknownTarget: m.droppedUnknownTarget,
		DroppedNoTargets:     m.droppedNoTargets,
		DroppedFailed:        m.droppedFailed,
		DroppedExhausted:     m.droppedExhausted,
		DroppedExpired:       m.droppedExpired,
		DroppedQueueFull:     m.droppedQueueFull,
		DroppedShutdown:      m.droppedShutdown,
		LatencySamples:       len(m.latencies),
		LatencyP50Ms:         p50,
		LatencyP95Ms:         p95,
		LatencyP99Ms:         p99,
	}
}
