package tileset

import (
	"context"
	"strconv"
	"sync"

	"github.com/IvanBrykalov/tilestream/fetch"
	"github.com/IvanBrykalov/tilestream/internal/singleflight"
	"github.com/aukilabs/go-tooling/pkg/errors"
)

// DefaultMaxDepth bounds how deep a tree may grow.
const DefaultMaxDepth = 64

// TreeOptions configures a Tree. Zero values are safe.
type TreeOptions struct {
	// MaxDepth is the deepest tile level accepted; <= 0 => DefaultMaxDepth.
	MaxDepth int

	// Fetcher reads external child manifests. Expand fails without one.
	Fetcher fetch.Fetcher
}

// Tree is an arena of tiles linked by index. Parent links are plain indices;
// the arena owns every tile. Structure (children, expansion) is guarded by a
// mutex so expansion may run off the loop; tile runtime fields are not.
type Tree struct {
	mu       sync.RWMutex
	tiles    []*Tile
	children [][]TileIndex
	expanded []bool
	byID     map[TileID]TileIndex

	uri string
	opt TreeOptions
	sf  singleflight.Group[TileIndex, []TileIndex]
}

// NewTree builds the tree declared by m, read from uri.
func NewTree(m *Manifest, uri string, opt TreeOptions) (*Tree, error) {
	if opt.MaxDepth <= 0 {
		opt.MaxDepth = DefaultMaxDepth
	}
	t := &Tree{
		byID: make(map[TileID]TileIndex),
		uri:  uri,
		opt:  opt,
	}

	b := t.newBuilder(uri)
	if _, err := b.add(m.Root, NoTile, "root", Replace, 0); err != nil {
		return nil, err
	}
	t.commit(b)
	return t, nil
}

// LoadTree fetches, validates and builds the manifest at uri.
func LoadTree(ctx context.Context, uri string, opt TreeOptions) (*Tree, error) {
	if opt.Fetcher == nil {
		return nil, errors.New("no fetcher configured").
			WithType(ErrTypeManifest).
			WithTag("uri", uri)
	}
	b, err := opt.Fetcher.Fetch(ctx, uri)
	if err != nil {
		return nil, errors.New("fetching manifest failed").
			WithType(ErrTypeManifest).
			WithTag("uri", uri).
			Wrap(err)
	}
	m, err := ParseManifest(b)
	if err != nil {
		return nil, errors.New("parsing manifest failed").
			WithType(ErrTypeManifest).
			WithTag("uri", uri).
			Wrap(err)
	}
	return NewTree(m, uri, opt)
}

// URI returns the URI of the root manifest.
func (t *Tree) URI() string { return t.uri }

// Root returns the index of the root tile.
func (t *Tree) Root() TileIndex { return 0 }

// Len returns the number of live tiles.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// Tile returns the tile at idx, or nil when idx is out of range or pruned.
func (t *Tree) Tile(idx TileIndex) *Tile {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx < 0 || int(idx) >= len(t.tiles) {
		return nil
	}
	return t.tiles[idx]
}

// Lookup returns the tile with the given id.
func (t *Tree) Lookup(id TileID) (*Tile, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return t.tiles[idx], true
}

// Children returns a copy of the child indices of idx, in manifest order.
func (t *Tree) Children(idx TileIndex) []TileIndex {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx < 0 || int(idx) >= len(t.children) {
		return nil
	}
	return append([]TileIndex(nil), t.children[idx]...)
}

// HasChildren reports whether idx has children or can be expanded.
func (t *Tree) HasChildren(idx TileIndex) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx < 0 || int(idx) >= len(t.tiles) || t.tiles[idx] == nil {
		return false
	}
	return len(t.children[idx]) > 0 || (t.tiles[idx].IsExternal() && !t.expanded[idx])
}

// Expanded reports whether the external manifest of idx has been attached.
// Tiles without external content always report true.
func (t *Tree) Expanded(idx TileIndex) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx < 0 || int(idx) >= len(t.tiles) || t.tiles[idx] == nil {
		return false
	}
	return !t.tiles[idx].IsExternal() || t.expanded[idx]
}

// Expand fetches and attaches the children of an external tileset tile.
// Concurrent calls for the same tile share one fetch; calls after the
// expansion completed return the attached children.
func (t *Tree) Expand(ctx context.Context, idx TileIndex) ([]TileIndex, error) {
	tile := t.Tile(idx)
	if tile == nil {
		return nil, errors.Newf("unknown tile index %d", idx).
			WithType(ErrTypeUnknownTile)
	}
	if t.Expanded(idx) {
		return t.Children(idx), nil
	}

	children, _, err := t.sf.Do(ctx, idx, func(ctx context.Context) ([]TileIndex, error) {
		if t.Expanded(idx) {
			return t.Children(idx), nil
		}
		m, err := t.FetchChildren(ctx, idx)
		if err != nil {
			return nil, err
		}
		return t.Attach(idx, m)
	})
	return children, err
}

// FetchChildren reads and validates the external manifest of idx without
// attaching it.
func (t *Tree) FetchChildren(ctx context.Context, idx TileIndex) (*Manifest, error) {
	tile := t.Tile(idx)
	if tile == nil {
		return nil, errors.Newf("unknown tile index %d", idx).
			WithType(ErrTypeUnknownTile)
	}
	if err := t.checkCycle(tile); err != nil {
		return nil, err
	}
	if t.opt.Fetcher == nil {
		return nil, errors.New("no fetcher configured").
			WithType(ErrTypeManifest).
			WithTag("tile_id", tile.ID)
	}

	b, err := t.opt.Fetcher.Fetch(ctx, tile.ContentURI)
	if err != nil {
		return nil, errors.New("fetching child manifest failed").
			WithType(ErrTypeLoad).
			WithTag("tile_id", tile.ID).
			WithTag("uri", tile.ContentURI).
			Wrap(err)
	}
	m, err := ParseManifest(b)
	if err != nil {
		return nil, errors.New("parsing child manifest failed").
			WithType(ErrTypeManifest).
			WithTag("tile_id", tile.ID).
			WithTag("uri", tile.ContentURI).
			Wrap(err)
	}
	return m, nil
}

// Attach adds the root of m as the single child of the external tile idx.
// It is idempotent: attaching to an expanded tile returns its children.
func (t *Tree) Attach(idx TileIndex, m *Manifest) ([]TileIndex, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx < 0 || int(idx) >= len(t.tiles) || t.tiles[idx] == nil {
		return nil, errors.Newf("unknown tile index %d", idx).
			WithType(ErrTypeUnknownTile)
	}
	parent := t.tiles[idx]
	if !parent.IsExternal() || t.expanded[idx] {
		return append([]TileIndex(nil), t.children[idx]...), nil
	}
	if err := t.checkCycleLocked(parent); err != nil {
		return nil, err
	}

	b := t.newBuilder(parent.ContentURI)
	child, err := b.add(m.Root, idx, string(parent.ID)+"/0", parent.Refine, parent.Depth+1)
	if err != nil {
		return nil, err
	}
	t.commit(b)
	t.children[idx] = append(t.children[idx], child)
	t.expanded[idx] = true
	return append([]TileIndex(nil), t.children[idx]...), nil
}

// Prune removes every descendant of idx and returns them. External tiles go
// back to unexpanded so they can be expanded again. Only the tree changes;
// a tree serving a Tileset is pruned through Tileset.Prune.
func (t *Tree) Prune(idx TileIndex) []*Tile {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx < 0 || int(idx) >= len(t.tiles) || t.tiles[idx] == nil {
		return nil
	}

	var removed []*Tile
	stack := append([]TileIndex(nil), t.children[idx]...)
	for len(stack) > 0 {
		n := len(stack) - 1
		c := stack[n]
		stack = stack[:n]

		stack = append(stack, t.children[c]...)
		removed = append(removed, t.tiles[c])
		delete(t.byID, t.tiles[c].ID)
		t.tiles[c] = nil
		t.children[c] = nil
		t.expanded[c] = false
	}
	t.children[idx] = nil
	t.expanded[idx] = false
	return removed
}

func (t *Tree) checkCycle(tile *Tile) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.checkCycleLocked(tile)
}

// checkCycleLocked fails when the external manifest of tile is one of the
// manifests on its ancestor chain.
func (t *Tree) checkCycleLocked(tile *Tile) error {
	for cur := tile; cur != nil; {
		if cur.manifestURI == tile.ContentURI {
			return errors.New("external manifest references an ancestor").
				WithType(ErrTypeCycle).
				WithTag("tile_id", tile.ID).
				WithTag("uri", tile.ContentURI)
		}
		if cur.Parent == NoTile {
			break
		}
		cur = t.tiles[cur.Parent]
	}
	return nil
}

// commit publishes the tiles of b. mu must be held or the tree unshared.
func (t *Tree) commit(b *builder) {
	for _, tile := range b.tiles {
		t.tiles = append(t.tiles, tile)
		t.children = append(t.children, b.children[tile.Index])
		t.expanded = append(t.expanded, false)
		t.byID[tile.ID] = tile.Index
	}
}

// builder turns a manifest into tiles without touching the tree until
// commit, so a failing manifest leaves the tree unchanged.
type builder struct {
	tree        *Tree
	manifestURI string
	base        TileIndex
	tiles       []*Tile
	children    map[TileIndex][]TileIndex
	ids         map[TileID]struct{}
}

func (t *Tree) newBuilder(manifestURI string) *builder {
	return &builder{
		tree:        t,
		manifestURI: manifestURI,
		base:        TileIndex(len(t.tiles)),
		children:    make(map[TileIndex][]TileIndex),
		ids:         make(map[TileID]struct{}),
	}
}

func (b *builder) add(h TileManifest, parent TileIndex, defaultID string, inherited Refine, depth int) (TileIndex, error) {
	if depth > b.tree.opt.MaxDepth {
		return NoTile, errors.Newf("tile depth %d exceeds the maximum of %d", depth, b.tree.opt.MaxDepth).
			WithType(ErrTypeDepth).
			WithTag("tile_id", defaultID)
	}

	id := TileID(defaultID)
	if h.ID != "" {
		id = TileID(h.ID)
	}
	_, local := b.ids[id]
	_, global := b.tree.byID[id]
	if local || global {
		return NoTile, errors.New("duplicate tile id").
			WithType(ErrTypeDuplicateID).
			WithTag("tile_id", id).
			WithTag("uri", b.manifestURI)
	}
	b.ids[id] = struct{}{}

	refine := inherited
	if h.Refine != "" {
		r, err := ParseRefine(h.Refine)
		if err != nil {
			return NoTile, errors.New("invalid tile").
				WithType(ErrTypeRefine).
				WithTag("tile_id", id).
				Wrap(err)
		}
		refine = r
	}

	vol, err := h.BoundingVolume.Volume()
	if err != nil {
		return NoTile, errors.New("invalid tile").
			WithType(ErrTypeBoundingVolume).
			WithTag("tile_id", id).
			Wrap(err)
	}

	uri := resolveURI(b.manifestURI, h.Content.uri())
	tile := &Tile{
		ID:             id,
		Index:          b.base + TileIndex(len(b.tiles)),
		Parent:         parent,
		Depth:          depth,
		Volume:         vol,
		GeometricError: h.GeometricError,
		Refine:         refine,
		Kind:           contentKind(uri),
		ContentURI:     uri,
		manifestURI:    b.manifestURI,
		visitedFrame:   -1,
		selectedFrame:  -1,
	}
	b.tiles = append(b.tiles, tile)

	for i, ch := range h.Children {
		idx, err := b.add(ch, tile.Index, string(id)+"/"+strconv.Itoa(i), refine, depth+1)
		if err != nil {
			return NoTile, err
		}
		b.children[tile.Index] = append(b.children[tile.Index], idx)
	}
	return tile.Index, nil
}
