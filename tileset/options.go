package tileset

import (
	"time"

	"github.com/IvanBrykalov/tilestream/cache"
	"github.com/IvanBrykalov/tilestream/fetch"
	"github.com/IvanBrykalov/tilestream/scheduler"
)

const (
	// DefaultMaxTiles is the content cache size when Options.MaxTiles is 0.
	DefaultMaxTiles = 512

	// DefaultTraversalEndDebounce is how often OnTraversalEnd fires for a
	// viewport whose traversal never finishes.
	DefaultTraversalEndDebounce = time.Second
)

// Options configures a Tileset. Zero values are safe:
//   - MaxTiles == 0        => DefaultMaxTiles; < 0 retains nothing
//   - MaxMemory <= 0       => no memory budget
//   - MaxRequests <= 0     => scheduler.DefaultMaxRequests
//   - nil Loader           => FetchLoader over Fetcher
//   - nil Metrics          => NoopMetrics
type Options struct {
	// ID names the tileset in logs; empty => random UUID.
	ID string

	// Traversal tuning.
	TraverserOptions

	// MaxTreeDepth bounds tree depth when loading manifests;
	// <= 0 => DefaultMaxDepth.
	MaxTreeDepth int

	// Content cache limits. MaxMemory is compared against the summed
	// Content.ByteLength of resident tiles.
	MaxTiles  int
	MaxMemory int64

	// Request scheduling.
	MaxRequests       int
	DisableThrottling bool

	// Fetcher reads manifests, and payloads when Loader is nil.
	Fetcher fetch.Fetcher
	Loader  ContentLoader

	// TraversalEndDebounce; <= 0 => DefaultTraversalEndDebounce.
	TraversalEndDebounce time.Duration

	// Callbacks run on the goroutine calling Update.
	OnTileLoad     func(t *Tile)
	OnTileUnload   func(t *Tile)
	OnTileError    func(t *Tile, err error)
	OnTraversalEnd func(rs RenderSet)

	Metrics          Metrics
	CacheMetrics     cache.Metrics
	SchedulerMetrics scheduler.Metrics

	// now is replaced in tests.
	now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxTiles == 0 {
		o.MaxTiles = DefaultMaxTiles
	}
	if o.TraversalEndDebounce <= 0 {
		o.TraversalEndDebounce = DefaultTraversalEndDebounce
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}
