package cache

// EvictReason explains why an entry was removed.
type EvictReason int

const (
	// EvictCapacity: removed to satisfy the entry count limit.
	EvictCapacity EvictReason = iota
	// EvictCost: removed to satisfy the cost limit.
	EvictCost
	// EvictExplicit: removed through Unload or Clear.
	EvictExplicit
)

func (r EvictReason) String() string {
	switch r {
	case EvictCapacity:
		return "capacity"
	case EvictCost:
		return "cost"
	default:
		return "explicit"
	}
}

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	Size(entries int, cost int64)
}

// Options configures the cache behavior. Zero values are safe:
//   - MaxTiles <= 0 => nothing is retained
//   - nil Cost      => every entry costs 0
//   - nil Metrics   => NoopMetrics
type Options[K comparable, V any] struct {
	// MaxTiles is the entry count limit.
	MaxTiles int

	// Cost-based limiting (e.g., bytes). If Cost is non-nil and MaxCost > 0,
	// eviction continues until both entry count and total cost limits hold.
	Cost    func(v V) int
	MaxCost int64

	// OnUnload is called for every entry leaving the cache through eviction,
	// Unload or Clear. Remove does not call it.
	OnUnload func(k K, v V, reason EvictReason)

	Metrics Metrics
}
