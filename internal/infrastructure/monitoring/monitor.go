// Package monitoring collects process metrics and serves them in Prometheus
// text exposition format.
package monitoring

import (
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Metrics holds the gateway's counters. All fields are updated atomically.
type Metrics struct {
	RequestsTotal   uint64
	RequestsSuccess uint64
	RequestsFailed  uint64
	RequestsAborted uint64

	CacheHits   uint64
	CacheMisses uint64

	BreakerRejections uint64

	ActiveStreams uint64
	StreamChunks  uint64

	TokensUsed uint64

	RequestLatencySum   uint64 // nanoseconds
	RequestLatencyCount uint64

	StartTime time.Time
}

// Monitor is the process-wide metrics collector.
type Monitor struct {
	metrics *Metrics
	logger  *zap.Logger
}

// NewMonitor creates a collector.
func NewMonitor(logger *zap.Logger) *Monitor {
	return &Monitor{
		metrics: &Metrics{StartTime: time.Now()},
		logger:  logger.With(zap.String("component", "monitor")),
	}
}

func (m *Monitor) IncRequestTotal()      { atomic.AddUint64(&m.metrics.RequestsTotal, 1) }
func (m *Monitor) IncRequestSuccess()    { atomic.AddUint64(&m.metrics.RequestsSuccess, 1) }
func (m *Monitor) IncRequestFailed()     { atomic.AddUint64(&m.metrics.RequestsFailed, 1) }
func (m *Monitor) IncRequestAborted()    { atomic.AddUint64(&m.metrics.RequestsAborted, 1) }
func (m *Monitor) IncCacheHit()          { atomic.AddUint64(&m.metrics.CacheHits, 1) }
func (m *Monitor) IncCacheMiss()         { atomic.AddUint64(&m.metrics.CacheMisses, 1) }
func (m *Monitor) IncBreakerRejection()  { atomic.AddUint64(&m.metrics.BreakerRejections, 1) }
func (m *Monitor) IncStreamChunk()       { atomic.AddUint64(&m.metrics.StreamChunks, 1) }

func (m *Monitor) StreamStarted() { atomic.AddUint64(&m.metrics.ActiveStreams, 1) }
func (m *Monitor) StreamEnded()   { atomic.AddUint64(&m.metrics.ActiveStreams, ^uint64(0)) }

func (m *Monitor) AddTokensUsed(n int) {
	if n > 0 {
		atomic.AddUint64(&m.metrics.TokensUsed, uint64(n))
	}
}

func (m *Monitor) RecordRequestLatency(d time.Duration) {
	atomic.AddUint64(&m.metrics.RequestLatencySum, uint64(d.Nanoseconds()))
	atomic.AddUint64(&m.metrics.RequestLatencyCount, 1)
}

// Stats returns the current counters for the status endpoint.
func (m *Monitor) Stats() map[string]any {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	avgLatency := float64(0)
	if count := atomic.LoadUint64(&m.metrics.RequestLatencyCount); count > 0 {
		avgLatency = float64(atomic.LoadUint64(&m.metrics.RequestLatencySum)) / float64(count) / 1e6
	}

	return map[string]any{
		"uptime_seconds":     time.Since(m.metrics.StartTime).Seconds(),
		"requests_total":     atomic.LoadUint64(&m.metrics.RequestsTotal),
		"requests_success":   atomic.LoadUint64(&m.metrics.RequestsSuccess),
		"requests_failed":    atomic.LoadUint64(&m.metrics.RequestsFailed),
		"requests_aborted":   atomic.LoadUint64(&m.metrics.RequestsAborted),
		"cache_hits":         atomic.LoadUint64(&m.metrics.CacheHits),
		"cache_misses":       atomic.LoadUint64(&m.metrics.CacheMisses),
		"breaker_rejections": atomic.LoadUint64(&m.metrics.BreakerRejections),
		"active_streams":     atomic.LoadUint64(&m.metrics.ActiveStreams),
		"stream_chunks":      atomic.LoadUint64(&m.metrics.StreamChunks),
		"tokens_used":        atomic.LoadUint64(&m.metrics.TokensUsed),
		"avg_latency_ms":     avgLatency,
		"memory_alloc_bytes": memStats.Alloc,
		"goroutines":         runtime.NumGoroutine(),
	}
}
