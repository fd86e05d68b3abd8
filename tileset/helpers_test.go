package tileset

import (
	"context"
	"math"
	"sort"
	"sync"
	"testing"

	"github.com/IvanBrykalov/tilestream/fetch"
	"github.com/IvanBrykalov/tilestream/geom"
	"github.com/IvanBrykalov/tilestream/scheduler"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/stretchr/testify/require"
)

// A REPLACE root with two leaf children side by side on the x axis.
const twoChildren = `{
	"asset": {"version": "1.0"},
	"geometricError": 100,
	"root": {
		"boundingVolume": {"sphere": [0, 0, 0, 100]},
		"geometricError": 100,
		"refine": "REPLACE",
		"content": {"uri": "root.bin"},
		"children": [
			{"boundingVolume": {"sphere": [-50, 0, 0, 50]}, "geometricError": 0, "content": {"uri": "c1.bin"}},
			{"boundingVolume": {"sphere": [50, 0, 0, 50]}, "geometricError": 0, "content": {"uri": "c2.bin"}}
		]
	}
}`

func mustTree(t *testing.T, manifest string) *Tree {
	t.Helper()
	m, err := ParseManifest([]byte(manifest))
	require.NoError(t, err)
	tree, err := NewTree(m, "tileset.json", TreeOptions{})
	require.NoError(t, err)
	return tree
}

func mustTile(t *testing.T, tree *Tree, id TileID) *Tile {
	t.Helper()
	tile, ok := tree.Lookup(id)
	require.True(t, ok, "tile %s", id)
	return tile
}

// camera on the z axis looking down -z with a 90° field of view.
func camera(x, z float64) geom.Camera {
	return geom.Camera{
		Position:  geom.V(x, 0, z),
		Direction: geom.V(0, 0, -1),
		Up:        geom.V(0, 1, 0),
		FovY:      math.Pi / 2,
		Aspect:    1,
	}
}

// frameAt returns a 100px high frame seen from (0, 0, z). At z=300 the root
// of twoChildren refines; at z=100000 it does not.
func frameAt(viewport string, n int64, z float64) FrameState {
	return NewFrameState(viewport, n, camera(0, z), 100)
}

func newTraverser(t *testing.T, manifest string, opt TraverserOptions) (*Traverser, *Tree) {
	t.Helper()
	tree := mustTree(t, manifest)
	sched := scheduler.New[TileIndex](scheduler.Options{MaxRequests: 64})
	return NewTraverser(tree, nil, sched, NewPendingRegister(), opt), tree
}

// requested lists the tiles waiting for content, sorted by id.
func requested(tree *Tree) []TileID {
	var ids []TileID
	for _, tile := range tree.tiles {
		if tile != nil && (tile.State == Requested || tile.State == Loading) {
			ids = append(ids, tile.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// complete finishes the loads of ids as the engine would.
func complete(t *testing.T, tr *Traverser, state ContentState, ids ...TileID) {
	t.Helper()
	for _, id := range ids {
		tile := mustTile(t, tr.tree, id)
		tr.finish(tile)
		tile.State = state
	}
}

// testLoader records calls per URI. A non-nil gate blocks every load until
// it is closed.
type testLoader struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	gate  chan struct{}
}

func newTestLoader() *testLoader {
	return &testLoader{
		calls: make(map[string]int),
		fail:  make(map[string]error),
	}
}

func (l *testLoader) LoadContent(ctx context.Context, ref TileRef) (Content, error) {
	l.mu.Lock()
	l.calls[ref.URI]++
	err := l.fail[ref.URI]
	gate := l.gate
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return RawContent(ref.URI), nil
}

func (l *testLoader) count(uri string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[uri]
}

func (l *testLoader) setFail(uri string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.fail, uri)
		return
	}
	l.fail[uri] = err
}

// mapFetcher serves documents from memory and counts fetches.
type mapFetcher struct {
	mu    sync.Mutex
	docs  map[string]string
	calls map[string]int
}

func newMapFetcher(docs map[string]string) *mapFetcher {
	return &mapFetcher{docs: docs, calls: make(map[string]int)}
}

func (f *mapFetcher) Fetch(_ context.Context, uri string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[uri]++
	doc, ok := f.docs[uri]
	if !ok {
		return nil, fetchNotFound(uri)
	}
	return []byte(doc), nil
}

func (f *mapFetcher) count(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[uri]
}

var _ fetch.Fetcher = (*mapFetcher)(nil)

func fetchNotFound(uri string) error {
	return errors.New("resource not found").
		WithType(fetch.ErrTypeNotFound).
		WithTag("uri", uri)
}
