package prom

import (
	"github.com/IvanBrykalov/tilestream/scheduler"
	"github.com/prometheus/client_golang/prometheus"
)

// Scheduler implements scheduler.Metrics.
type Scheduler struct {
	queued    prometheus.Counter
	issued    prometheus.Counter
	cancelled prometheus.Counter
	active    prometheus.Gauge
	waiting   prometheus.Gauge
}

// NewScheduler constructs a Prometheus request scheduler adapter. Arguments
// follow NewCache.
func NewScheduler(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Scheduler {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Scheduler{
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "requests_queued_total",
			Help:        "Load requests queued",
			ConstLabels: constLabels,
		}),
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "requests_issued_total",
			Help:        "Load requests admitted to run",
			ConstLabels: constLabels,
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "requests_cancelled_total",
			Help:        "Load requests cancelled before running",
			ConstLabels: constLabels,
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "requests_active",
			Help:        "Load requests holding a slot",
			ConstLabels: constLabels,
		}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "requests_waiting",
			Help:        "Load requests waiting for a slot",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.queued, a.issued, a.cancelled, a.active, a.waiting)
	return a
}

func (a *Scheduler) Queued()    { a.queued.Inc() }
func (a *Scheduler) Issued()    { a.issued.Inc() }
func (a *Scheduler) Cancelled() { a.cancelled.Inc() }

func (a *Scheduler) Size(active, queued int) {
	a.active.Set(float64(active))
	a.waiting.Set(float64(queued))
}

var _ scheduler.Metrics = (*Scheduler)(nil)
