// Package prom exports tile cache, request scheduler and tileset metrics to
// Prometheus.
package prom

import (
	"github.com/IvanBrykalov/tilestream/cache"
	"github.com/prometheus/client_golang/prometheus"
)

// Cache implements cache.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Cache struct {
	hits     prometheus.Counter
	misses   prometheus.Counter
	evicts   *prometheus.CounterVec
	sizeEnt  prometheus.Gauge
	sizeCost prometheus.Gauge
}

// NewCache constructs a Prometheus tile cache adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func NewCache(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Cache {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Cache{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_hits_total",
			Help:        "Tile cache hits",
			ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_misses_total",
			Help:        "Tile cache misses",
			ConstLabels: constLabels,
		}),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "cache_evictions_total",
				Help:        "Tiles unloaded from the cache by reason",
				ConstLabels: constLabels,
			},
			[]string{reasonLabel},
		),
		sizeEnt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_tiles",
			Help:        "Number of resident tiles",
			ConstLabels: constLabels,
		}),
		sizeCost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_bytes",
			Help:        "Total resident content size",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.sizeEnt, a.sizeCost)
	return a
}

const (
	reasonLabel    = "reason"
	kindLabel      = "kind"
	errTypeLabel   = "error_type"
	viewportLabel  = "viewport_id"
	finishedLabel  = "finished"
	untypedErrType = "untyped"
)

// Hit increments the hit counter.
func (a *Cache) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Cache) Miss() { a.misses.Inc() }

// Evict increments the eviction counter with a reason label.
func (a *Cache) Evict(r cache.EvictReason) {
	a.evicts.WithLabelValues(r.String()).Inc()
}

// Size updates gauges for the number of tiles and total content size.
func (a *Cache) Size(entries int, cost int64) {
	a.sizeEnt.Set(float64(entries))
	a.sizeCost.Set(float64(cost))
}

var _ cache.Metrics = (*Cache)(nil)
