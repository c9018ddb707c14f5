// Package metrics exposes Prometheus collectors for lock operations and the
// process-local caches. All methods are safe on a nil *Metrics so packages
// can take metrics as an optional dependency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	LockOps        *prometheus.CounterVec   // op=acquire|release|renew|status, result=...
	LockLatencyMS  *prometheus.HistogramVec // op
	LockFallbacks  *prometheus.CounterVec   // from=backend that passed
	LocksSwept     prometheus.Counter
	CacheRequests  *prometheus.CounterVec // cache=permission|snapshot, result=hit|miss
	CacheWrites    *prometheus.CounterVec // cache
	CacheEvictions *prometheus.CounterVec // cache, reason=expired|capacity|clear
}

// New builds the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer in servers and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LockOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "board_lock_ops_total",
				Help: "Lock operations by operation and result",
			},
			[]string{"op", "result"},
		),
		LockLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "board_lock_op_latency_ms",
				Help:    "Latency of lock operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"op"},
		),
		LockFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "board_lock_fallbacks_total",
				Help: "Times a lock backend passed a request on to the next backend",
			},
			[]string{"from"},
		),
		LocksSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "board_lock_swept_total",
			Help: "Expired or unreadable lock records removed by cleanup",
		}),
		CacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "board_cache_requests_total",
				Help: "Cache lookups by cache and result",
			},
			[]string{"cache", "result"},
		),
		CacheWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "board_cache_writes_total",
				Help: "Cache writes by cache",
			},
			[]string{"cache"},
		),
		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "board_cache_evictions_total",
				Help: "Cache entries removed by cache and reason",
			},
			[]string{"cache", "reason"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.LockOps,
			m.LockLatencyMS,
			m.LockFallbacks,
			m.LocksSwept,
			m.CacheRequests,
			m.CacheWrites,
			m.CacheEvictions,
		)
	}
	return m
}

func (m *Metrics) ObserveLock(op, result string, started time.Time) {
	if m == nil {
		return
	}
	m.LockOps.WithLabelValues(op, result).Inc()
	m.LockLatencyMS.WithLabelValues(op).Observe(float64(time.Since(started).Milliseconds()))
}

func (m *Metrics) Fallback(from string) {
	if m == nil {
		return
	}
	m.LockFallbacks.WithLabelValues(from).Inc()
}

func (m *Metrics) Swept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LocksSwept.Add(float64(n))
}

func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) CacheWrite(cache string) {
	if m == nil {
		return
	}
	m.CacheWrites.WithLabelValues(cache).Inc()
}

func (m *Metrics) CacheEvict(cache, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvictions.WithLabelValues(cache, reason).Add(float64(n))
}
