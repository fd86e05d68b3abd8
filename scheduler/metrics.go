package scheduler

// Metrics exposes scheduler observability hooks.
type Metrics interface {
	Queued()
	Issued()
	Cancelled()
	Size(active, queued int)
}

// NoopMetrics is the default Metrics implementation.
type NoopMetrics struct{}

func (NoopMetrics) Queued()                 {}
func (NoopMetrics) Issued()                 {}
func (NoopMetrics) Cancelled()              {}
func (NoopMetrics) Size(active, queued int) {}

var _ Metrics = NoopMetrics{}
