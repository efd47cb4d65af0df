// Package metrics implements a prometheus-backed llio.ProfilingHook
// (spec.md §1's "external collaborator" the core calls into but never
// owns): cache hit/miss counters per file, a memory-exhausted gauge,
// and a scheduler-starvation gauge, all registered under one
// *prometheus.Registry so cmd/streammgr-monitor and a real /metrics
// HTTP endpoint can share it.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hook implements llio.ProfilingHook over a set of prometheus
// collectors. The zero value is not usable; construct with New.
type Hook struct {
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	memoryExhausted   prometheus.Gauge
	schedulerStarving prometheus.Gauge
}

// New registers the adapter's collectors on reg and returns the Hook.
// Pass prometheus.NewRegistry() for an isolated registry (tests,
// multiple devices under one process) or prometheus.DefaultRegisterer
// to expose them on the process-wide /metrics endpoint.
func New(reg prometheus.Registerer) *Hook {
	factory := promauto.With(reg)
	return &Hook{
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streammgr",
			Name:      "cache_hits_total",
			Help:      "Automatic-stream buffer requests satisfied from the I/O memory cache, by file id.",
		}, []string{"file_id"}),
		cacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streammgr",
			Name:      "cache_misses_total",
			Help:      "Automatic-stream buffer requests that required a backend transfer, by file id.",
		}, []string{"file_id"}),
		memoryExhausted: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "streammgr",
			Name:      "memory_exhausted",
			Help:      "1 when the device's I/O memory pool and free list are both exhausted, 0 otherwise.",
		}),
		schedulerStarving: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "streammgr",
			Name:      "scheduler_starving",
			Help:      "1 when the scheduler has a starving (zero-deadline) stream ready for I/O, 0 otherwise.",
		}),
	}
}

func fileIDLabel(fileID uint64) string {
	return strconv.FormatUint(fileID, 10)
}

// CacheHit implements llio.ProfilingHook.
func (h *Hook) CacheHit(fileID uint64) { h.cacheHits.WithLabelValues(fileIDLabel(fileID)).Inc() }

// CacheMiss implements llio.ProfilingHook.
func (h *Hook) CacheMiss(fileID uint64) { h.cacheMisses.WithLabelValues(fileIDLabel(fileID)).Inc() }

// MemoryExhausted implements llio.ProfilingHook.
func (h *Hook) MemoryExhausted(exhausted bool) {
	if exhausted {
		h.memoryExhausted.Set(1)
	} else {
		h.memoryExhausted.Set(0)
	}
}

// SchedulerStarving implements llio.ProfilingHook.
func (h *Hook) SchedulerStarving(starving bool) {
	if starving {
		h.schedulerStarving.Set(1)
	} else {
		h.schedulerStarving.Set(0)
	}
}
