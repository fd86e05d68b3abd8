package tileset

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/stretchr/testify/require"
)

const far, near = 100000, 300

type recordedMetrics struct {
	mu        sync.Mutex
	loaded    map[ContentKind]int
	failed    int
	unloaded  int
	traversal []RenderSet
}

func (m *recordedMetrics) TileLoaded(kind ContentKind, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded == nil {
		m.loaded = make(map[ContentKind]int)
	}
	m.loaded[kind]++
}

func (m *recordedMetrics) TileFailed(error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func (m *recordedMetrics) TileUnloaded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unloaded++
}

func (m *recordedMetrics) Traversal(rs RenderSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traversal = append(m.traversal, rs)
}

func newTileset(t *testing.T, manifest string, opt Options) *Tileset {
	t.Helper()
	ts, err := New(mustTree(t, manifest), opt)
	require.NoError(t, err)
	t.Cleanup(ts.Close)
	return ts
}

func update(t *testing.T, ts *Tileset, n int64, z float64) RenderSet {
	t.Helper()
	sets, err := ts.Update(frameAt("main", n, z))
	require.NoError(t, err)
	require.Len(t, sets, 1)
	return sets[0]
}

func flush(t *testing.T, ts *Tileset) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.Flush(ctx))
}

// Root with two children and room for a single tile: once both children are
// on screen the root is unloaded, exactly once.
func TestEndToEndEvictsReplacedRoot(t *testing.T) {
	t.Parallel()

	loader := newTestLoader()
	var unloaded []TileID
	ts := newTileset(t, twoChildren, Options{
		MaxTiles: 1,
		Loader:   loader,
		OnTileUnload: func(tile *Tile) {
			unloaded = append(unloaded, tile.ID)
		},
	})

	update(t, ts, 1, far)
	flush(t, ts)
	rs := update(t, ts, 2, far)
	require.Equal(t, []TileID{"root"}, rs.Tiles)
	require.True(t, rs.Finished)

	rs = update(t, ts, 3, near)
	require.Equal(t, []TileID{"root"}, rs.Tiles)
	require.False(t, rs.Finished)
	flush(t, ts)
	require.Empty(t, unloaded, "the root is still on screen")

	rs = update(t, ts, 4, near)
	require.Equal(t, []TileID{"root/0", "root/1"}, rs.Tiles)
	require.True(t, rs.Finished)
	require.Equal(t, []TileID{"root"}, unloaded)

	root, _ := ts.Tile("root")
	require.Equal(t, Unloaded, root.State)
	require.Nil(t, root.Content)

	rs = update(t, ts, 5, near)
	require.Equal(t, []TileID{"root/0", "root/1"}, rs.Tiles)
	require.True(t, rs.Finished)
	require.Equal(t, []TileID{"root"}, unloaded)
	require.Equal(t, 1, loader.count("root.bin"))
}

func TestUpdateDeduplicatesLoads(t *testing.T) {
	t.Parallel()

	loader := newTestLoader()
	loader.gate = make(chan struct{})
	ts := newTileset(t, twoChildren, Options{Loader: loader})

	for n := int64(1); n <= 3; n++ {
		rs := update(t, ts, n, near)
		require.False(t, rs.Finished)
		require.Equal(t, 3, rs.Requested)
	}
	require.Equal(t, 3, ts.Stats().InFlight)
	require.Equal(t, 3, ts.Stats().Pending)

	close(loader.gate)
	flush(t, ts)

	for _, uri := range []string{"root.bin", "c1.bin", "c2.bin"} {
		require.Equal(t, 1, loader.count(uri), uri)
	}
	st := ts.Stats()
	require.Equal(t, 3, st.CacheTiles)
	require.Equal(t, int64(len("root.bin")+len("c1.bin")+len("c2.bin")), st.CacheBytes)
	require.Equal(t, 0, st.InFlight)
	require.Equal(t, 0, st.Pending)
}

func TestUpdateRespectsRequestBudget(t *testing.T) {
	t.Parallel()

	loader := newTestLoader()
	loader.gate = make(chan struct{})
	ts := newTileset(t, twoChildren, Options{Loader: loader, MaxRequests: 1})

	update(t, ts, 1, near)
	st := ts.Stats()
	require.Equal(t, 1, st.Scheduler.Active)
	require.Equal(t, 2, st.Scheduler.Queued)
	require.Equal(t, 1, st.InFlight)

	update(t, ts, 2, near)
	require.Equal(t, 1, ts.Stats().InFlight)

	close(loader.gate)
	flush(t, ts)
	require.Equal(t, 0, ts.Stats().Scheduler.Active)

	rs := update(t, ts, 3, near)
	require.Equal(t, []TileID{"root/0", "root/1"}, rs.Tiles)
	require.Equal(t, uint64(3), ts.Stats().Scheduler.IssuedEver)
}

func TestLoadFailureAndRetry(t *testing.T) {
	t.Parallel()

	loader := newTestLoader()
	loader.setFail("c1.bin", errors.New("boom"))
	metrics := &recordedMetrics{}
	var failed []TileID
	ts := newTileset(t, twoChildren, Options{
		Loader:  loader,
		Metrics: metrics,
		OnTileError: func(tile *Tile, err error) {
			require.True(t, errors.IsType(err, ErrTypeLoad))
			failed = append(failed, tile.ID)
		},
	})

	update(t, ts, 1, near)
	flush(t, ts)
	require.Equal(t, []TileID{"root/0"}, failed)

	c1, _ := ts.Tile("root/0")
	require.Equal(t, Failed, c1.State)
	require.True(t, errors.IsType(c1.Err, ErrTypeLoad))

	// The failed child is left out; its sibling replaces the root.
	rs := update(t, ts, 2, near)
	require.Equal(t, []TileID{"root/1"}, rs.Tiles)
	require.True(t, rs.Finished)
	require.Equal(t, 1, loader.count("c1.bin"))

	loader.setFail("c1.bin", nil)
	require.NoError(t, ts.Retry("root/0"))
	require.Equal(t, Unloaded, c1.State)
	require.Nil(t, c1.Err)

	rs = update(t, ts, 3, near)
	require.Equal(t, []TileID{"root"}, rs.Tiles)
	flush(t, ts)
	rs = update(t, ts, 4, near)
	require.Equal(t, []TileID{"root/0", "root/1"}, rs.Tiles)
	require.Equal(t, 2, loader.count("c1.bin"))

	require.True(t, errors.IsType(ts.Retry("nope"), ErrTypeUnknownTile))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	require.Equal(t, 1, metrics.failed)
	require.Equal(t, 3, metrics.loaded[ContentRender])
	require.Len(t, metrics.traversal, 4)
}

func TestLoaderWithoutContentFails(t *testing.T) {
	t.Parallel()

	loader := ContentLoaderFunc(func(_ context.Context, ref TileRef) (Content, error) {
		if ref.URI == "c1.bin" {
			return nil, nil
		}
		return RawContent(ref.URI), nil
	})
	var failed []TileID
	ts := newTileset(t, twoChildren, Options{
		Loader: loader,
		OnTileError: func(tile *Tile, err error) {
			require.True(t, errors.IsType(err, ErrTypeLoad))
			failed = append(failed, tile.ID)
		},
	})

	update(t, ts, 1, near)
	flush(t, ts)
	rs := update(t, ts, 2, near)
	require.Equal(t, []TileID{"root/0"}, failed)
	require.Equal(t, []TileID{"root/1"}, rs.Tiles)
	require.True(t, rs.Finished)

	c1, _ := ts.Tile("root/0")
	require.Equal(t, Failed, c1.State)
	require.Nil(t, c1.Content)
	require.Equal(t, 2, ts.Stats().CacheTiles)
}

func TestLoadExpandsExternalTilesets(t *testing.T) {
	t.Parallel()

	fetcher := newMapFetcher(map[string]string{
		"tileset.json":  externalRoot,
		"sub/ext.json":  externalChild,
		"root.bin":      "root",
		"sub/inner.bin": "inner",
	})
	metrics := &recordedMetrics{}
	ts, err := Load(context.Background(), "tileset.json", Options{Fetcher: fetcher, Metrics: metrics})
	require.NoError(t, err)
	t.Cleanup(ts.Close)

	rs := update(t, ts, 1, near)
	require.Equal(t, 1, rs.Deferred)
	flush(t, ts)

	rs = update(t, ts, 2, near)
	require.Equal(t, []TileID{"root"}, rs.Tiles)
	require.Equal(t, 0, rs.Deferred)
	flush(t, ts)

	rs = update(t, ts, 3, near)
	require.Equal(t, []TileID{"root/0/0"}, rs.Tiles)
	require.True(t, rs.Finished)

	inner, ok := ts.Tile("root/0/0")
	require.True(t, ok)
	require.Equal(t, RawContent("inner"), inner.Content)
	require.Equal(t, 1, fetcher.count("sub/ext.json"))
	require.Equal(t, 1, fetcher.count("sub/inner.bin"))
	require.Equal(t, 3, ts.Stats().Tiles)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	require.Equal(t, 1, metrics.loaded[ContentTileset])
	require.Equal(t, 2, metrics.loaded[ContentRender])
}

// A far away child of an additive root is never issued, so it must not hold
// the traversal back either.
func TestLoadSiblingsSkipsInvisibleAdditiveChildren(t *testing.T) {
	t.Parallel()

	loader := newTestLoader()
	ts := newTileset(t, `{"root": {
		"boundingVolume": {"sphere": [0, 0, 0, 100]},
		"geometricError": 100,
		"refine": "ADD",
		"content": {"uri": "root.bin"},
		"children": [
			{"boundingVolume": {"sphere": [-50, 0, 0, 50]}, "geometricError": 0, "content": {"uri": "c1.bin"}},
			{"boundingVolume": {"sphere": [100000, 0, 0, 50]}, "geometricError": 0, "content": {"uri": "c2.bin"}}
		]
	}}`, Options{
		Loader:           loader,
		TraverserOptions: TraverserOptions{LoadSiblings: true},
	})

	update(t, ts, 1, near)
	flush(t, ts)
	for n := int64(2); n < 6; n++ {
		rs := update(t, ts, n, near)
		require.Equal(t, []TileID{"root", "root/0"}, rs.Tiles)
		require.Zero(t, rs.Requested)
		require.True(t, rs.Finished, "frame %d", n)
		flush(t, ts)
	}
	require.Zero(t, loader.count("c2.bin"))
	require.Zero(t, ts.Stats().Scheduler.Cancelled)
	require.Zero(t, ts.Stats().Pending)
}

func TestPruneExternalSubtree(t *testing.T) {
	t.Parallel()

	fetcher := newMapFetcher(map[string]string{
		"tileset.json":  externalRoot,
		"sub/ext.json":  externalChild,
		"root.bin":      "root",
		"sub/inner.bin": "inner",
	})
	var unloaded []TileID
	ts, err := Load(context.Background(), "tileset.json", Options{
		Fetcher: fetcher,
		OnTileUnload: func(tile *Tile) {
			unloaded = append(unloaded, tile.ID)
		},
	})
	require.NoError(t, err)
	t.Cleanup(ts.Close)

	expanded := func(first int64) {
		t.Helper()
		for n := first; n < first+5; n++ {
			rs := update(t, ts, n, near)
			if len(rs.Tiles) == 1 && rs.Tiles[0] == "root/0/0" && rs.Finished {
				return
			}
			flush(t, ts)
		}
		t.Fatal("external tileset never selected")
	}

	expanded(1)
	require.Equal(t, 2, ts.Stats().CacheTiles)

	n, err := ts.Prune("root/0")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []TileID{"root/0/0"}, unloaded)

	_, ok := ts.Tile("root/0/0")
	require.False(t, ok)
	ext, ok := ts.Tile("root/0")
	require.True(t, ok)
	require.Equal(t, Unloaded, ext.State)
	require.False(t, ts.Tree().Expanded(ext.Index))

	stats := ts.Stats()
	require.Equal(t, 2, stats.Tiles)
	require.Equal(t, 1, stats.CacheTiles)
	require.Zero(t, stats.Pending)

	// The external tile is fetched and expanded again when needed.
	expanded(10)
	require.Equal(t, 2, fetcher.count("sub/ext.json"))
	require.Equal(t, 2, fetcher.count("sub/inner.bin"))
	require.Equal(t, 1, fetcher.count("root.bin"))

	_, err = ts.Prune("nope")
	require.True(t, errors.IsType(err, ErrTypeUnknownTile))
}

func TestPruneDropsInFlightLoads(t *testing.T) {
	t.Parallel()

	loader := newTestLoader()
	loader.gate = make(chan struct{})
	ts := newTileset(t, twoChildren, Options{Loader: loader})

	update(t, ts, 1, near)
	require.Equal(t, 3, ts.Stats().InFlight)

	n, err := ts.Prune("root")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	close(loader.gate)
	flush(t, ts)

	stats := ts.Stats()
	require.Zero(t, stats.InFlight)
	require.Zero(t, stats.Pending)
	require.Equal(t, 1, stats.Tiles)
	require.Equal(t, 1, stats.CacheTiles)

	rs := update(t, ts, 2, near)
	require.Equal(t, []TileID{"root"}, rs.Tiles)
	require.True(t, rs.Finished)

	ts.Close()
	_, err = ts.Prune("root")
	require.True(t, errors.IsType(err, ErrTypeClosed))
}

func TestOnTraversalEndDebounce(t *testing.T) {
	t.Parallel()

	loader := newTestLoader()
	loader.gate = make(chan struct{})
	var ended []int64
	clock := time.Unix(0, 0)
	opt := Options{
		Loader: loader,
		OnTraversalEnd: func(rs RenderSet) {
			ended = append(ended, rs.FrameNumber)
		},
	}
	opt.now = func() time.Time { return clock }
	ts := newTileset(t, twoChildren, opt)

	update(t, ts, 1, near)
	clock = clock.Add(500 * time.Millisecond)
	update(t, ts, 2, near)
	require.Empty(t, ended)

	clock = clock.Add(time.Second)
	update(t, ts, 3, near)
	require.Equal(t, []int64{3}, ended, "unfinished traversals end once the debounce elapsed")

	clock = clock.Add(500 * time.Millisecond)
	update(t, ts, 4, near)
	require.Equal(t, []int64{3}, ended)

	close(loader.gate)
	flush(t, ts)
	update(t, ts, 5, near)
	update(t, ts, 6, near)
	require.Equal(t, []int64{3, 5, 6}, ended)
}

func TestCloseUnloadsEverything(t *testing.T) {
	t.Parallel()

	loader := newTestLoader()
	metrics := &recordedMetrics{}
	ts, err := New(mustTree(t, twoChildren), Options{Loader: loader, Metrics: metrics})
	require.NoError(t, err)

	update(t, ts, 1, near)
	flush(t, ts)
	require.Equal(t, 3, ts.Stats().CacheTiles)

	ts.Close()
	ts.Close()
	require.Equal(t, 0, ts.Stats().CacheTiles)
	require.Equal(t, 3, metrics.unloaded)

	_, err = ts.Update(frameAt("main", 2, near))
	require.True(t, errors.IsType(err, ErrTypeClosed))
}

func TestCloseCancelsInFlightLoads(t *testing.T) {
	t.Parallel()

	loader := newTestLoader()
	loader.gate = make(chan struct{})
	ts, err := New(mustTree(t, twoChildren), Options{Loader: loader})
	require.NoError(t, err)

	update(t, ts, 1, near)
	require.Equal(t, 3, ts.Stats().InFlight)

	done := make(chan struct{})
	go func() {
		ts.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestNewNeedsALoader(t *testing.T) {
	t.Parallel()

	_, err := New(mustTree(t, twoChildren), Options{})
	require.True(t, errors.IsType(err, ErrTypeLoad))
}

func TestFlushHonorsContext(t *testing.T) {
	t.Parallel()

	loader := newTestLoader()
	loader.gate = make(chan struct{})
	ts := newTileset(t, twoChildren, Options{Loader: loader})
	update(t, ts, 1, near)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, ts.Flush(ctx), context.DeadlineExceeded)
}
