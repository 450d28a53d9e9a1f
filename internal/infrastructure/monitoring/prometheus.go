package monitoring

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// PrometheusHandler serves the counters in Prometheus text exposition format
// without pulling in the full client_golang dependency. Mount at /metrics.
func (m *Monitor) PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		lines := []struct {
			name string
			help string
			typ  string
			val  any
		}{
			{"modelmux_requests_total", "Total chat requests processed", "counter", atomic.LoadUint64(&m.metrics.RequestsTotal)},
			{"modelmux_requests_success_total", "Total successful chat requests", "counter", atomic.LoadUint64(&m.metrics.RequestsSuccess)},
			{"modelmux_requests_failed_total", "Total failed chat requests", "counter", atomic.LoadUint64(&m.metrics.RequestsFailed)},
			{"modelmux_requests_aborted_total", "Total client-aborted chat requests", "counter", atomic.LoadUint64(&m.metrics.RequestsAborted)},

			{"modelmux_cache_hits_total", "Response cache hits", "counter", atomic.LoadUint64(&m.metrics.CacheHits)},
			{"modelmux_cache_misses_total", "Response cache misses", "counter", atomic.LoadUint64(&m.metrics.CacheMisses)},

			{"modelmux_breaker_rejections_total", "Calls rejected by an open circuit breaker", "counter", atomic.LoadUint64(&m.metrics.BreakerRejections)},

			{"modelmux_active_streams", "Streams currently open to clients", "gauge", atomic.LoadUint64(&m.metrics.ActiveStreams)},
			{"modelmux_stream_chunks_total", "Chunks written to client streams", "counter", atomic.LoadUint64(&m.metrics.StreamChunks)},

			{"modelmux_tokens_used_total", "Total tokens reported by upstreams", "counter", atomic.LoadUint64(&m.metrics.TokensUsed)},

			{"modelmux_uptime_seconds", "Process uptime in seconds", "gauge", time.Since(m.metrics.StartTime).Seconds()},
			{"modelmux_memory_alloc_bytes", "Current memory allocation in bytes", "gauge", memStats.Alloc},
			{"modelmux_goroutines", "Number of goroutines", "gauge", runtime.NumGoroutine()},
		}

		for _, l := range lines {
			fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.typ)
			switch v := l.val.(type) {
			case uint64:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case int:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case float64:
				fmt.Fprintf(w, "%s %f\n", l.name, v)
			}
			fmt.Fprintln(w)
		}

		if count := atomic.LoadUint64(&m.metrics.RequestLatencyCount); count > 0 {
			avgMs := float64(atomic.LoadUint64(&m.metrics.RequestLatencySum)) / float64(count) / 1e6
			fmt.Fprintf(w, "# HELP modelmux_request_latency_avg_ms Average request latency in milliseconds\n")
			fmt.Fprintf(w, "# TYPE modelmux_request_latency_avg_ms gauge\n")
			fmt.Fprintf(w, "modelmux_request_latency_avg_ms %f\n", avgMs)
		}
	})
}
