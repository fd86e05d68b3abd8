package prom

import (
	"reflect"
	"strconv"
	"time"

	"github.com/IvanBrykalov/tilestream/tileset"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Tileset implements tileset.Metrics.
type Tileset struct {
	loads      *prometheus.CounterVec
	failures   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	unloads    prometheus.Counter
	traversals *prometheus.CounterVec
	selected   *prometheus.GaugeVec
	requested  *prometheus.GaugeVec
}

// NewTileset constructs a Prometheus tileset adapter. Arguments follow
// NewCache.
func NewTileset(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Tileset {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Tileset{
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "tile_loads_total",
			Help:        "Tiles loaded by content kind",
			ConstLabels: constLabels,
		}, []string{kindLabel}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "tile_load_errors_total",
			Help:        "Tile loads that failed by error type",
			ConstLabels: constLabels,
		}, []string{errTypeLabel}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "tile_load_seconds",
			Help:        "Time to load a tile",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 14),
			ConstLabels: constLabels,
		}, []string{kindLabel}),
		unloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "tile_unloads_total",
			Help:        "Tiles unloaded",
			ConstLabels: constLabels,
		}),
		traversals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "traversals_total",
			Help:        "Traversal passes by viewport and completion",
			ConstLabels: constLabels,
		}, []string{viewportLabel, finishedLabel}),
		selected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "selected_tiles",
			Help:        "Tiles in the last render set",
			ConstLabels: constLabels,
		}, []string{viewportLabel}),
		requested: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "requested_tiles",
			Help:        "Tiles pending for the last frame",
			ConstLabels: constLabels,
		}, []string{viewportLabel}),
	}
	reg.MustRegister(a.loads, a.failures, a.latency, a.unloads, a.traversals, a.selected, a.requested)
	return a
}

func (a *Tileset) TileLoaded(kind tileset.ContentKind, d time.Duration) {
	labels := prometheus.Labels{kindLabel: kind.String()}
	a.loads.With(labels).Inc()
	a.latency.With(labels).Observe(d.Seconds())
}

func (a *Tileset) TileFailed(err error) {
	a.failures.With(prometheus.Labels{errTypeLabel: errType(err)}).Inc()
}

func (a *Tileset) TileUnloaded() { a.unloads.Inc() }

func (a *Tileset) Traversal(rs tileset.RenderSet) {
	a.traversals.With(prometheus.Labels{
		viewportLabel: rs.ViewportID,
		finishedLabel: strconv.FormatBool(rs.Finished),
	}).Inc()
	a.selected.With(prometheus.Labels{viewportLabel: rs.ViewportID}).Set(float64(len(rs.Tiles)))
	a.requested.With(prometheus.Labels{viewportLabel: rs.ViewportID}).Set(float64(rs.Requested))
}

var _ tileset.Metrics = (*Tileset)(nil)

// errType returns the first type set explicitly along the chain of err.
// Errors without one would otherwise report a Go type name or inherit the
// type of what they wrap, so they share a single label value.
func errType(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		typed, ok := e.(interface{ Type() string })
		if !ok {
			continue
		}
		t := typed.Type()
		if t == "" || t == reflect.TypeOf(e).String() {
			continue
		}
		if inner := errors.Unwrap(e); inner != nil && t == errors.Type(inner) {
			continue
		}
		return t
	}
	return untypedErrType
}
