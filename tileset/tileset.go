// Package tileset streams a hierarchical tile tree: every Update traverses
// the tree for the given viewports, selects the tiles to render, requests
// missing content under a concurrency budget and evicts content that left
// the view once the cache is full.
//
// A Tileset is driven by a single goroutine (the render loop). Content loads
// run on their own goroutines and are handed back to the loop on the next
// Update or Flush.
package tileset

import (
	"context"
	"sync"
	"time"

	"github.com/IvanBrykalov/tilestream/cache"
	"github.com/IvanBrykalov/tilestream/scheduler"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/google/uuid"
)

// Tileset ties a tile tree to a content cache, a request scheduler and a
// traverser.
type Tileset struct {
	ID string

	tree      *Tree
	cache     *cache.Cache[TileID, Content]
	sched     *scheduler.Scheduler[TileIndex]
	register  *PendingRegister
	traverser *Traverser
	loader    ContentLoader
	opt       Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	done   []completion
	notify chan struct{}

	inflight int
	lastEnd  map[string]time.Time
	closed   bool
}

type completion struct {
	idx     TileIndex
	content Content
	err     error
	elapsed time.Duration
}

// Stats is a snapshot of the tileset state.
type Stats struct {
	Tiles      int
	CacheTiles int
	CacheBytes int64
	InFlight   int
	Pending    int
	Scheduler  scheduler.Stats
}

// Load reads the manifest at uri through opt.Fetcher and builds a tileset.
func Load(ctx context.Context, uri string, opt Options) (*Tileset, error) {
	tree, err := LoadTree(ctx, uri, TreeOptions{
		MaxDepth: opt.MaxTreeDepth,
		Fetcher:  opt.Fetcher,
	})
	if err != nil {
		return nil, err
	}
	return New(tree, opt)
}

// New builds a tileset over tree.
func New(tree *Tree, opt Options) (*Tileset, error) {
	opt = opt.withDefaults()

	loader := opt.Loader
	if loader == nil {
		if opt.Fetcher == nil {
			return nil, errors.New("a content loader or a fetcher is required").
				WithType(ErrTypeLoad)
		}
		loader = FetchLoader{Fetcher: opt.Fetcher}
	}
	if opt.ID == "" {
		opt.ID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tileset{
		ID:       opt.ID,
		tree:     tree,
		register: NewPendingRegister(),
		loader:   loader,
		opt:      opt,
		ctx:      ctx,
		cancel:   cancel,
		notify:   make(chan struct{}, 1),
		lastEnd:  make(map[string]time.Time),
	}

	t.cache = cache.New[TileID, Content](cache.Options[TileID, Content]{
		MaxTiles: opt.MaxTiles,
		MaxCost:  opt.MaxMemory,
		Cost: func(c Content) int {
			if c == nil {
				return 0
			}
			return c.ByteLength()
		},
		OnUnload: t.onUnload,
		Metrics:  opt.CacheMetrics,
	})
	t.sched = scheduler.New[TileIndex](scheduler.Options{
		MaxRequests:       opt.MaxRequests,
		DisableThrottling: opt.DisableThrottling,
		Metrics:           opt.SchedulerMetrics,
	})
	t.traverser = NewTraverser(tree, t.cache, t.sched, t.register, opt.TraverserOptions)
	return t, nil
}

// Tree returns the tile tree.
func (t *Tileset) Tree() *Tree { return t.tree }

// Tile returns the tile with the given id.
func (t *Tileset) Tile(id TileID) (*Tile, bool) { return t.tree.Lookup(id) }

// Update runs one traversal per frame and returns their render sets. Loads
// completed since the previous call become selectable on the next one.
func (t *Tileset) Update(frames ...FrameState) ([]RenderSet, error) {
	if t.closed {
		return nil, errors.New("tileset is closed").
			WithType(ErrTypeClosed).
			WithTag("tileset_id", t.ID)
	}

	t.cache.MarkFrame()
	sets := t.traverser.Traverse(frames...)
	t.drain()
	t.sched.Tick()
	t.dispatch()
	t.cache.EvictIfOverCapacity()

	now := t.opt.now()
	for _, rs := range sets {
		t.opt.Metrics.Traversal(rs)

		last, ok := t.lastEnd[rs.ViewportID]
		if !ok {
			last = now
			t.lastEnd[rs.ViewportID] = now
		}
		if !rs.Finished && now.Sub(last) <= t.opt.TraversalEndDebounce {
			continue
		}
		t.lastEnd[rs.ViewportID] = now
		if cb := t.opt.OnTraversalEnd; cb != nil {
			cb(rs)
		}
	}
	return sets, nil
}

// Flush blocks until every issued load has completed and been handed back.
// It must not run concurrently with Update.
func (t *Tileset) Flush(ctx context.Context) error {
	for {
		t.drain()
		t.sched.Tick()
		t.dispatch()
		if t.inflight == 0 {
			t.cache.EvictIfOverCapacity()
			return nil
		}

		select {
		case <-t.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Retry moves a failed tile back to unloaded so the next Update requests it
// again. Tiles that did not fail are left as is.
func (t *Tileset) Retry(id TileID) error {
	tile, ok := t.tree.Lookup(id)
	if !ok {
		return errors.New("unknown tile").
			WithType(ErrTypeUnknownTile).
			WithTag("tile_id", id)
	}
	if tile.State == Failed {
		tile.State = Unloaded
		tile.Err = nil
	}
	return nil
}

// Prune drops the subtree below id: cached payloads are unloaded, pending
// requests released and the descendants removed from the tree. An external
// tile goes back to unloaded so a later Update expands it again. It returns
// the number of removed tiles.
func (t *Tileset) Prune(id TileID) (int, error) {
	if t.closed {
		return 0, errors.New("tileset is closed").
			WithType(ErrTypeClosed).
			WithTag("tileset_id", t.ID)
	}
	tile, ok := t.tree.Lookup(id)
	if !ok {
		return 0, errors.New("unknown tile").
			WithType(ErrTypeUnknownTile).
			WithTag("tile_id", id)
	}

	// Descendants are released while still in the tree so that unload
	// callbacks see them.
	stack := t.tree.Children(tile.Index)
	for len(stack) > 0 {
		n := len(stack) - 1
		d := t.tree.Tile(stack[n])
		stack = stack[:n]
		if d == nil {
			continue
		}
		stack = append(stack, t.tree.Children(d.Index)...)

		t.traverser.finish(d)
		t.cache.Unload(d.ID)
		d.State = Unloaded
		d.Content = nil
	}

	removed := t.tree.Prune(tile.Index)
	if tile.IsExternal() {
		t.traverser.finish(tile)
		tile.State = Unloaded
		tile.Err = nil
	}

	logs.WithTag("tileset_id", t.ID).
		WithTag("tile_id", id).
		WithTag("removed", len(removed)).
		Debug("subtree pruned")
	return len(removed), nil
}

// Close cancels in-flight loads, waits for them and unloads every cached
// tile. Update fails afterwards.
func (t *Tileset) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.cancel()
	t.wg.Wait()

	t.mu.Lock()
	t.done = nil
	t.mu.Unlock()
	t.inflight = 0
	t.cache.Clear()
}

// Stats returns a snapshot of the tileset counters.
func (t *Tileset) Stats() Stats {
	return Stats{
		Tiles:      t.tree.Len(),
		CacheTiles: t.cache.Len(),
		CacheBytes: t.cache.Cost(),
		InFlight:   t.inflight,
		Pending:    t.register.Total(),
		Scheduler:  t.sched.Stats(),
	}
}

// dispatch starts the loads the scheduler issued and resets the tiles whose
// requests were cancelled.
func (t *Tileset) dispatch() {
	for idx, r := range t.traverser.requests {
		tile := t.tree.Tile(idx)
		if tile == nil {
			r.Done()
			delete(t.traverser.requests, idx)
			continue
		}
		if tile.State != Requested {
			continue
		}

		switch r.State() {
		case scheduler.Issued:
			tile.State = Loading
			t.start(tile)
		case scheduler.Cancelled:
			tile.State = Unloaded
			t.traverser.release(tile)
		}
	}
}

func (t *Tileset) start(tile *Tile) {
	idx, ref, external := tile.Index, tile.ref(), tile.IsExternal()

	t.inflight++
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		begin := time.Now()
		c := completion{idx: idx}
		if external {
			_, c.err = t.tree.Expand(t.ctx, idx)
		} else {
			c.content, c.err = t.loader.LoadContent(t.ctx, ref)
		}
		c.elapsed = time.Since(begin)

		t.mu.Lock()
		t.done = append(t.done, c)
		t.mu.Unlock()
		select {
		case t.notify <- struct{}{}:
		default:
		}
	}()
}

// drain applies completed loads: the scheduler slot is freed, the tile
// becomes ready or failed and its content enters the cache.
func (t *Tileset) drain() {
	t.mu.Lock()
	done := t.done
	t.done = nil
	t.mu.Unlock()

	for _, c := range done {
		t.inflight--
		tile := t.tree.Tile(c.idx)
		if tile == nil {
			continue
		}
		t.traverser.finish(tile)

		if c.err == nil && c.content == nil && !tile.IsExternal() {
			c.err = errors.New("loader returned no content")
		}
		if c.err != nil {
			t.fail(tile, c.err)
			continue
		}

		tile.State = Ready
		tile.Err = nil
		t.opt.Metrics.TileLoaded(tile.Kind, c.elapsed)
		if tile.IsExternal() {
			logs.WithTag("tileset_id", t.ID).
				WithTag("tile_id", tile.ID).
				WithTag("children", len(t.tree.Children(tile.Index))).
				Debug("external tileset attached")
		} else {
			tile.Content = c.content
		}
		if cb := t.opt.OnTileLoad; cb != nil {
			cb(tile)
		}
		if !tile.IsExternal() {
			t.cache.Put(tile.ID, c.content)
		}
	}
}

func (t *Tileset) fail(tile *Tile, err error) {
	tile.State = Failed
	tile.Content = nil
	tile.Err = errors.New("loading tile failed").
		WithType(ErrTypeLoad).
		WithTag("tileset_id", t.ID).
		WithTag("tile_id", tile.ID).
		WithTag("uri", tile.ContentURI).
		Wrap(err)

	logs.Warn(tile.Err)
	t.opt.Metrics.TileFailed(err)
	if cb := t.opt.OnTileError; cb != nil {
		cb(tile, tile.Err)
	}
}

func (t *Tileset) onUnload(id TileID, _ Content, reason cache.EvictReason) {
	tile, ok := t.tree.Lookup(id)
	if !ok {
		return
	}
	if tile.State == Ready {
		tile.State = Unloaded
	}
	tile.Content = nil

	logs.WithTag("tileset_id", t.ID).
		WithTag("tile_id", id).
		WithTag("reason", reason.String()).
		Debug("tile unloaded")
	t.opt.Metrics.TileUnloaded()
	if cb := t.opt.OnTileUnload; cb != nil {
		cb(tile)
	}
}
