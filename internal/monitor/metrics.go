package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tracking-core/internal/venue"
)

// SweepMetrics tracks scheduler and venue performance.
type SweepMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	OrderSweepLatency    *LatencyHistogram
	PositionSweepLatency *LatencyHistogram
	VenueLatency         *LatencyHistogram
	APILatency           *LatencyHistogram

	// Counters
	ordersChecked    uint64
	ordersUpdated    uint64
	positionsChecked uint64
	positionsClosed  uint64
	errorsCount      uint64
	skippedTicks     uint64
	apiRequests      uint64
	apiErrors        uint64

	// Venue client pool stats (updated periodically by the scheduler).
	venuePool venue.PoolStats

	lastSweep time.Time
}

// NewSweepMetrics creates a new metrics instance.
func NewSweepMetrics() *SweepMetrics {
	return &SweepMetrics{
		OrderSweepLatency:    NewLatencyHistogram(1000),
		PositionSweepLatency: NewLatencyHistogram(1000),
		VenueLatency:         NewLatencyHistogram(1000),
		APILatency:           NewLatencyHistogram(1000),
	}
}

// LatencyHistogram tracks latency samples with sliding window.
// Supports lazy stats computation for better performance (V2 P1-B).
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

// RecordOrderSweep adds one order reconciliation pass.
func (m *SweepMetrics) RecordOrderSweep(d time.Duration, checked, updated, errors int) {
	m.OrderSweepLatency.RecordDuration(d)
	atomic.AddUint64(&m.ordersChecked, uint64(checked))
	atomic.AddUint64(&m.ordersUpdated, uint64(updated))
	atomic.AddUint64(&m.errorsCount, uint64(errors))
	m.touch()
}

// RecordPositionSweep adds one position pricing pass.
func (m *SweepMetrics) RecordPositionSweep(d time.Duration, checked, closed, errors int) {
	m.PositionSweepLatency.RecordDuration(d)
	atomic.AddUint64(&m.positionsChecked, uint64(checked))
	atomic.AddUint64(&m.positionsClosed, uint64(closed))
	atomic.AddUint64(&m.errorsCount, uint64(errors))
	m.touch()
}

// IncrementSkipped counts a tick dropped because the previous one was still running.
func (m *SweepMetrics) IncrementSkipped() {
	atomic.AddUint64(&m.skippedTicks, 1)
}

// RecordRequest adds one API request.
func (m *SweepMetrics) RecordRequest(d time.Duration, failed bool) {
	m.APILatency.RecordDuration(d)
	atomic.AddUint64(&m.apiRequests, 1)
	if failed {
		atomic.AddUint64(&m.apiErrors, 1)
	}
}

// IncrementErrors increments error counter.
func (m *SweepMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

func (m *SweepMetrics) touch() {
	m.mu.Lock()
	m.lastSweep = time.Now()
	m.mu.Unlock()
}

// MetricsSnapshot is a point-in-time copy of the metrics.
type MetricsSnapshot struct {
	OrderSweepLatency    LatencyStats    `json:"order_sweep_latency"`
	PositionSweepLatency LatencyStats    `json:"position_sweep_latency"`
	VenueLatency         LatencyStats    `json:"venue_latency"`
	APILatency           LatencyStats    `json:"api_latency"`
	OrdersChecked        uint64          `json:"orders_checked"`
	OrdersUpdated        uint64          `json:"orders_updated"`
	PositionsChecked     uint64          `json:"positions_checked"`
	PositionsClosed      uint64          `json:"positions_closed"`
	ErrorsCount          uint64          `json:"errors_count"`
	SkippedTicks         uint64          `json:"skipped_ticks"`
	APIRequests          uint64          `json:"api_requests"`
	APIErrors            uint64          `json:"api_errors"`
	VenuePool            venue.PoolStats `json:"venue_pool"`
	LastSweep            time.Time       `json:"last_sweep"`
	GoroutineCount       int             `json:"goroutine_count"`
	HeapAlloc            uint64          `json:"heap_alloc_bytes"`
	Timestamp            time.Time       `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SweepMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	pool := m.venuePool
	last := m.lastSweep
	m.mu.RUnlock()

	return MetricsSnapshot{
		OrderSweepLatency:    m.OrderSweepLatency.Stats(),
		PositionSweepLatency: m.PositionSweepLatency.Stats(),
		VenueLatency:         m.VenueLatency.Stats(),
		APILatency:           m.APILatency.Stats(),
		OrdersChecked:        atomic.LoadUint64(&m.ordersChecked),
		OrdersUpdated:        atomic.LoadUint64(&m.ordersUpdated),
		PositionsChecked:     atomic.LoadUint64(&m.positionsChecked),
		PositionsClosed:      atomic.LoadUint64(&m.positionsClosed),
		ErrorsCount:          atomic.LoadUint64(&m.errorsCount),
		SkippedTicks:         atomic.LoadUint64(&m.skippedTicks),
		APIRequests:          atomic.LoadUint64(&m.apiRequests),
		APIErrors:            atomic.LoadUint64(&m.apiErrors),
		VenuePool:            pool,
		LastSweep:            last,
		GoroutineCount:       runtime.NumGoroutine(),
		HeapAlloc:            memStats.HeapAlloc,
		Timestamp:            time.Now(),
	}
}

// SetVenuePoolStats updates venue client pool statistics.
func (m *SweepMetrics) SetVenuePoolStats(stats venue.PoolStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.venuePool = stats
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
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
