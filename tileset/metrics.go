package tileset

import "time"

// Metrics exposes tileset-level observability hooks. Hooks run on the
// goroutine calling Update.
type Metrics interface {
	TileLoaded(kind ContentKind, d time.Duration)
	TileFailed(err error)
	TileUnloaded()
	Traversal(rs RenderSet)
}

// NoopMetrics ignores everything.
type NoopMetrics struct{}

var _ Metrics = NoopMetrics{}

func (NoopMetrics) TileLoaded(ContentKind, time.Duration) {}
func (NoopMetrics) TileFailed(error)                      {}
func (NoopMetrics) TileUnloaded()                         {}
func (NoopMetrics) Traversal(RenderSet)                   {}
