package tileset

import (
	"sort"

	"github.com/IvanBrykalov/tilestream/geom"
	"github.com/IvanBrykalov/tilestream/scheduler"
)

// DefaultMaximumScreenSpaceError is the refinement threshold in pixels.
const DefaultMaximumScreenSpaceError = 2

// ContentCache is the part of the content cache the traverser needs: touching
// a resident tile keeps it from being evicted at the end of the frame.
type ContentCache interface {
	Touch(id TileID) bool
}

// TraverserOptions configures a Traverser. Zero values are safe.
type TraverserOptions struct {
	// MaximumScreenSpaceError is the error above which a tile refines;
	// <= 0 => DefaultMaximumScreenSpaceError.
	MaximumScreenSpaceError float64

	// LoadSiblings also loads the invisible children of a refining tile so
	// they are ready when the camera turns.
	LoadSiblings bool

	// MaxSelectedTiles keeps only the nearest tiles of a render set;
	// <= 0 => no limit.
	MaxSelectedTiles int

	// LODMetric computes screen-space errors; nil => Tiles3DScreenSpaceError(1).
	LODMetric LODMetric

	// Priority ranks requests; nil => SSEPriority.
	Priority Priority

	// OnTraversalComplete may filter or reorder the selected tiles of a pass
	// before they are touched and reported.
	OnTraversalComplete func(selected []*Tile) []*Tile
}

// Traverser selects the tiles to render for each frame and requests the
// content it is missing. It is driven from a single goroutine.
type Traverser struct {
	tree  *Tree
	cache ContentCache
	sched *scheduler.Scheduler[TileIndex]
	reg   *PendingRegister
	opt   TraverserOptions

	update       uint64
	bootstrapped map[string]bool
	requests     map[TileIndex]*scheduler.Request[TileIndex]

	// per pass
	frame      FrameState
	stack      []visit
	emptyStack []TileIndex
	seen       map[TileIndex]struct{}
	selected   []*Tile
	deferred   int
}

type visit struct {
	idx TileIndex
	// fallback visits happen below a REPLACE tile still shown in place of
	// its children: they load content but select nothing.
	fallback bool
}

type noopCache struct{}

func (noopCache) Touch(TileID) bool { return false }

func NewTraverser(tree *Tree, c ContentCache, sched *scheduler.Scheduler[TileIndex], reg *PendingRegister, opt TraverserOptions) *Traverser {
	if opt.MaximumScreenSpaceError <= 0 {
		opt.MaximumScreenSpaceError = DefaultMaximumScreenSpaceError
	}
	if opt.LODMetric == nil {
		opt.LODMetric = Tiles3DScreenSpaceError(1)
	}
	if opt.Priority == nil {
		opt.Priority = SSEPriority
	}
	if c == nil {
		c = noopCache{}
	}
	if reg == nil {
		reg = NewPendingRegister()
	}
	return &Traverser{
		tree:         tree,
		cache:        c,
		sched:        sched,
		reg:          reg,
		opt:          opt,
		bootstrapped: make(map[string]bool),
		requests:     make(map[TileIndex]*scheduler.Request[TileIndex]),
		seen:         make(map[TileIndex]struct{}),
	}
}

// Traverse runs one pass per frame and returns their render sets in the same
// order. Requests not revisited by any of the frames become stale and are
// cancelled by the scheduler on its next tick.
func (tr *Traverser) Traverse(frames ...FrameState) []RenderSet {
	tr.update++
	sets := make([]RenderSet, 0, len(frames))
	for _, f := range frames {
		sets = append(sets, tr.traverse(f))
	}
	return sets
}

func (tr *Traverser) traverse(f FrameState) RenderSet {
	tr.frame = f
	tr.selected = tr.selected[:0]
	tr.deferred = 0
	clear(tr.seen)

	root := tr.tree.Tile(tr.tree.Root())
	tr.updateTile(root)
	if !tr.bootstrapped[f.ViewportID] {
		root.visible = true
		tr.bootstrapped[f.ViewportID] = true
	}

	tr.stack = append(tr.stack[:0], visit{idx: root.Index})
	for len(tr.stack) > 0 {
		n := len(tr.stack) - 1
		v := tr.stack[n]
		tr.stack = tr.stack[:n]

		if _, dup := tr.seen[v.idx]; dup {
			continue
		}
		tr.seen[v.idx] = struct{}{}
		t := tr.tree.Tile(v.idx)
		if t == nil || !t.visible {
			continue
		}
		tr.visitTile(t, v.fallback)
	}

	selected := tr.limitSelected(tr.selected)
	if cb := tr.opt.OnTraversalComplete; cb != nil {
		selected = cb(selected)
	}

	rs := RenderSet{
		ViewportID:  f.ViewportID,
		FrameNumber: f.FrameNumber,
		Tiles:       make([]TileID, 0, len(selected)),
		Requested:   tr.reg.Count(f.ViewportID, f.FrameNumber),
		Deferred:    tr.deferred,
	}
	for _, t := range selected {
		t.selectedFrame = f.FrameNumber
		tr.cache.Touch(t.ID)
		rs.Tiles = append(rs.Tiles, t.ID)
	}
	rs.Finished = rs.Requested == 0 && rs.Deferred == 0
	return rs
}

func (tr *Traverser) visitTile(t *Tile, fallback bool) {
	refines := false
	if tr.canTraverse(t) {
		if tr.tree.Expanded(t.Index) {
			refines = tr.updateAndPushChildren(t, fallback)
		} else if t.State != Failed {
			tr.deferred++
		}
	}

	switch {
	case t.IsExternal():
		if !tr.tree.Expanded(t.Index) {
			tr.loadTile(t)
		}
	case !t.HasRenderContent():
	case t.Refine == Add:
		tr.loadTile(t)
		if !fallback {
			tr.selectTile(t)
		}
	case !refines:
		tr.loadTile(t)
		if !fallback {
			tr.selectTile(t)
		}
	}

	if fallback && t.ContentReady() {
		tr.cache.Touch(t.ID)
	}
}

// canTraverse reports whether the children of a visible tile are worth
// visiting. External tiles always are: they carry no content of their own.
func (tr *Traverser) canTraverse(t *Tile) bool {
	if !tr.tree.HasChildren(t.Index) {
		return false
	}
	if t.IsExternal() {
		return true
	}
	return t.sse > tr.opt.MaximumScreenSpaceError
}

// updateAndPushChildren pushes the visible children of t, nearest on top, and
// reports whether t can be replaced by them this frame.
func (tr *Traverser) updateAndPushChildren(t *Tile, fallback bool) bool {
	children := tr.childTiles(t.Index)
	for _, c := range children {
		tr.updateTile(c)
	}
	sortByDistance(children)

	checkRefines := t.Refine == Replace && t.HasRenderContent()
	refines := true
	counted := 0
	var visible []*Tile

	for _, c := range children {
		// Invisible ADD tiles are never issued, so they are not siblings
		// worth loading.
		sibling := !c.visible && tr.opt.LoadSiblings && c.Refine != Add
		if c.visible {
			visible = append(visible, c)
		} else if sibling {
			tr.loadTile(c)
			if c.ContentReady() {
				tr.cache.Touch(c.ID)
			}
		}

		if !checkRefines || (!c.visible && !sibling) || c.State == Failed {
			continue
		}
		counted++
		var ready bool
		if c.HasRenderContent() {
			ready = c.ContentReady()
		} else {
			ready = tr.executeEmptyTraversal(c)
		}
		if !ready {
			refines = false
		}
	}

	if len(visible) == 0 || (checkRefines && counted == 0) {
		refines = false
	}

	childFallback := fallback || (checkRefines && !refines)
	for i := len(visible) - 1; i >= 0; i-- {
		tr.stack = append(tr.stack, visit{idx: visible[i].Index, fallback: childFallback})
	}
	return refines
}

// executeEmptyTraversal reports whether every content-bearing tile reachable
// from t through empty tiles is ready, requesting the ones that are not.
// Failed tiles do not hold the parent back.
func (tr *Traverser) executeEmptyTraversal(t *Tile) bool {
	all := true
	tr.emptyStack = append(tr.emptyStack[:0], t.Index)
	for len(tr.emptyStack) > 0 {
		n := len(tr.emptyStack) - 1
		tile := tr.tree.Tile(tr.emptyStack[n])
		tr.emptyStack = tr.emptyStack[:n]
		if tile == nil {
			continue
		}

		if tile.ContentReady() {
			tr.cache.Touch(tile.ID)
		}
		if tile.State == Failed {
			continue
		}

		switch {
		case tile.HasRenderContent():
			if !tile.ContentReady() {
				tr.loadTile(tile)
				all = false
			}
		case tile.IsExternal() && !tr.tree.Expanded(tile.Index):
			tr.loadTile(tile)
			all = false
		default:
			children := tr.childTiles(tile.Index)
			for i := len(children) - 1; i >= 0; i-- {
				tr.updateTile(children[i])
				tr.emptyStack = append(tr.emptyStack, children[i].Index)
			}
		}
	}
	return all
}

func (tr *Traverser) updateTile(t *Tile) {
	f := tr.frame
	pos := f.Camera.Position
	t.distance = t.Volume.DistanceTo(pos)
	t.centerZ = t.Volume.Center().Sub(pos).Dot(f.Camera.Direction.Normalize())
	t.visible = t.Volume.Intersect(f.Culling) != geom.Outside
	t.sse = tr.opt.LODMetric(t.GeometricError, t.distance, f)
	t.visitedUpdate = tr.update
	t.visitedFrame = f.FrameNumber
}

func (tr *Traverser) selectTile(t *Tile) {
	if t.ContentReady() {
		tr.selected = append(tr.selected, t)
	}
}

// loadTile requests the content of t and registers it as pending for the
// current viewport and frame. Tiles already requested move their
// registration to the current frame.
func (tr *Traverser) loadTile(t *Tile) {
	switch t.State {
	case Unloaded:
		t.State = Requested
		tr.requests[t.Index] = tr.sched.Schedule(t.Index, tr.priorityOf)
	case Requested, Loading:
	default:
		return
	}

	vp, fn := tr.frame.ViewportID, tr.frame.FrameNumber
	if old, ok := t.pending[vp]; ok {
		if old == fn {
			return
		}
		tr.reg.Deregister(vp, old)
	}
	if t.pending == nil {
		t.pending = make(map[string]int64)
	}
	t.pending[vp] = fn
	tr.reg.Register(vp, fn)
}

// release drops the request of t and its pending registrations.
func (tr *Traverser) release(t *Tile) {
	for vp, fn := range t.pending {
		tr.reg.Deregister(vp, fn)
	}
	t.pending = nil
	delete(tr.requests, t.Index)
}

// finish completes the request of t: the scheduler slot is freed and the
// pending registrations dropped.
func (tr *Traverser) finish(t *Tile) {
	if r, ok := tr.requests[t.Index]; ok {
		r.Done()
	}
	tr.release(t)
}

// priorityOf is the scheduler priority of a queued tile. Tiles that left the
// view or no longer wait for a slot are cancelled.
func (tr *Traverser) priorityOf(idx TileIndex) float64 {
	t := tr.tree.Tile(idx)
	if t == nil || t.State != Requested || t.visitedUpdate != tr.update {
		return -1
	}
	if t.Refine == Add && !t.visible {
		return -1
	}
	var parent *Tile
	if t.Parent != NoTile {
		parent = tr.tree.Tile(t.Parent)
	}
	return tr.opt.Priority(t, parent, tr.tree.Tile(tr.tree.Root()))
}

// limitSelected keeps the MaxSelectedTiles nearest tiles, in traversal order.
func (tr *Traverser) limitSelected(selected []*Tile) []*Tile {
	max := tr.opt.MaxSelectedTiles
	if max <= 0 || len(selected) <= max {
		return selected
	}
	byDistance := append([]*Tile(nil), selected...)
	sortByDistance(byDistance)
	keep := make(map[TileIndex]struct{}, max)
	for _, t := range byDistance[:max] {
		keep[t.Index] = struct{}{}
	}
	out := selected[:0]
	for _, t := range selected {
		if _, ok := keep[t.Index]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (tr *Traverser) childTiles(idx TileIndex) []*Tile {
	ids := tr.tree.Children(idx)
	tiles := make([]*Tile, 0, len(ids))
	for _, c := range ids {
		if t := tr.tree.Tile(c); t != nil {
			tiles = append(tiles, t)
		}
	}
	return tiles
}

// sortByDistance orders tiles nearest first. Equal distances fall back to
// the depth of the center along the view direction, then to the arena index.
func sortByDistance(tiles []*Tile) {
	sort.SliceStable(tiles, func(i, j int) bool {
		a, b := tiles[i], tiles[j]
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		if a.centerZ != b.centerZ {
			return a.centerZ < b.centerZ
		}
		return a.Index < b.Index
	})
}
