package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks trading throughput and latency.
type SystemMetrics struct {
	// Latency histograms
	TradeLatency *LatencyHistogram
	AuditLatency *LatencyHistogram
	APILatency   *LatencyHistogram

	// Counters
	executed     atomic.Uint64
	cached       atomic.Uint64
	rejected     atomic.Uint64
	casConflicts atomic.Uint64
	errors       atomic.Uint64
	repairs      atomic.Uint64
	apiRequests  atomic.Uint64
	apiErrors    atomic.Uint64

	started time.Time
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		TradeLatency: NewLatencyHistogram(1000),
		AuditLatency: NewLatencyHistogram(200),
		APILatency:   NewLatencyHistogram(1000),
		started:      time.Now(),
	}
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool         // Whether samples have changed since last Stats()
	cachedStats LatencyStats // Cached computed stats
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		// Shift window: remove oldest
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true // Mark as dirty for lazy recomputation
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
// Uses lazy computation - only recomputes when samples have changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Return cached stats if samples haven't changed
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	// Compute new stats
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Counter increments. Safe to call on a nil receiver.
func (m *SystemMetrics) IncExecuted() {
	if m != nil {
		m.executed.Add(1)
	}
}

func (m *SystemMetrics) IncCached() {
	if m != nil {
		m.cached.Add(1)
	}
}

func (m *SystemMetrics) IncRejected() {
	if m != nil {
		m.rejected.Add(1)
	}
}

func (m *SystemMetrics) IncCASConflicts() {
	if m != nil {
		m.casConflicts.Add(1)
	}
}

func (m *SystemMetrics) IncErrors() {
	if m != nil {
		m.errors.Add(1)
	}
}

func (m *SystemMetrics) AddRepairs(n int) {
	if m != nil && n > 0 {
		m.repairs.Add(uint64(n))
	}
}

func (m *SystemMetrics) IncAPI() {
	if m != nil {
		m.apiRequests.Add(1)
	}
}

func (m *SystemMetrics) IncAPIErrors() {
	if m != nil {
		m.apiErrors.Add(1)
	}
}

// MetricsSnapshot is a point-in-time view for the metrics endpoint.
type MetricsSnapshot struct {
	TradeLatency   LatencyStats `json:"trade_latency"`
	AuditLatency   LatencyStats `json:"audit_latency"`
	APILatency     LatencyStats `json:"api_latency"`
	Executed       uint64       `json:"executed"`
	Cached         uint64       `json:"cached"`
	Rejected       uint64       `json:"rejected"`
	CASConflicts   uint64       `json:"cas_conflicts"`
	Errors         uint64       `json:"errors"`
	Repairs        uint64       `json:"repairs"`
	APIRequests    uint64       `json:"api_requests"`
	APIErrors      uint64       `json:"api_errors"`
	Uptime         string       `json:"uptime"`
	GoroutineCount int          `json:"goroutine_count"`
	HeapAlloc      uint64       `json:"heap_alloc_bytes"`
	Timestamp      time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		TradeLatency:   m.TradeLatency.Stats(),
		AuditLatency:   m.AuditLatency.Stats(),
		APILatency:     m.APILatency.Stats(),
		Executed:       m.executed.Load(),
		Cached:         m.cached.Load(),
		Rejected:       m.rejected.Load(),
		CASConflicts:   m.casConflicts.Load(),
		Errors:         m.errors.Load(),
		Repairs:        m.repairs.Load(),
		APIRequests:    m.apiRequests.Load(),
		APIErrors:      m.apiErrors.Load(),
		Uptime:         time.Since(m.started).Round(time.Second).String(),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		Timestamp:      time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram (nil is allowed).
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
