package admin

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// latencySamples bounds the response-time window so the snapshot
// reflects recent traffic rather than the whole process lifetime.
const latencySamples = 1000

// Metrics keeps request counters and a rolling window of response
// times for the admin surface. Everything lives in memory; a restart
// resets the counters along with the rest of the process.
type Metrics struct {
	mu        sync.Mutex
	requests  int64
	errors    int64
	durations []time.Duration
	next      int
	full      bool
	started   time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		durations: make([]time.Duration, latencySamples),
		started:   time.Now(),
	}
}

// Record adds one finished request to the counters and the rolling
// latency window.
func (m *Metrics) Record(d time.Duration, isError bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if isError {
		m.errors++
	}
	m.durations[m.next] = d
	m.next++
	if m.next == len(m.durations) {
		m.next = 0
		m.full = true
	}
}

// Snapshot summarizes the counters as the /metrics response body.
// Latencies are reported in seconds, error rate as a percentage.
func (m *Metrics) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.full {
		n = len(m.durations)
	}
	sorted := make([]time.Duration, n)
	copy(sorted, m.durations[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	avg := time.Duration(0)
	if n > 0 {
		avg = sum / time.Duration(n)
	}

	errorRate := 0.0
	if m.requests > 0 {
		errorRate = float64(m.errors) / float64(m.requests) * 100
	}

	return map[string]any{
		"request_count":     m.requests,
		"error_count":       m.errors,
		"error_rate":        errorRate,
		"response_time_p50": percentile(sorted, 0.50).Seconds(),
		"response_time_p95": percentile(sorted, 0.95).Seconds(),
		"response_time_p99": percentile(sorted, 0.99).Seconds(),
		"response_time_avg": avg.Seconds(),
		"uptime_seconds":    time.Since(m.started).Seconds(),
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Middleware times every request and counts 4xx and 5xx responses as
// errors. Health and metrics polling would dominate the counters, so
// those two paths are left out.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		m.Record(time.Since(start), ww.Status() >= http.StatusBadRequest)
	})
}
