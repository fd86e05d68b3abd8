package cache

// Cache is an arena-backed LRU. See the package documentation for the
// ordering and frame protection rules.
type Cache[K comparable, V any] struct {
	cells []cell[K, V]
	free  []int
	index map[K]int

	head int // MRU
	tail int // LRU
	len  int
	cost int64

	frame uint64

	opt Options[K, V]
}

// New constructs a cache with the provided Options.
func New[K comparable, V any](opt Options[K, V]) *Cache[K, V] {
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	hint := opt.MaxTiles
	if hint < 0 {
		hint = 0
	}
	return &Cache[K, V]{
		cells: make([]cell[K, V], 0, hint),
		index: make(map[K]int, hint),
		head:  nilCell,
		tail:  nilCell,
		opt:   opt,
	}
}

// Get returns the value for k without altering the recency order.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	idx, ok := c.index[k]
	if !ok {
		c.opt.Metrics.Miss()
		var zero V
		return zero, false
	}
	c.opt.Metrics.Hit()
	return c.cells[idx].val, true
}

// Contains reports whether k is resident.
func (c *Cache[K, V]) Contains(k K) bool {
	_, ok := c.index[k]
	return ok
}

// Touch promotes k to MRU and protects it for the current frame.
// Returns false when k is not resident.
func (c *Cache[K, V]) Touch(k K) bool {
	idx, ok := c.index[k]
	if !ok {
		return false
	}
	c.cells[idx].stamp = c.frame
	c.moveToFront(idx)
	return true
}

// Put inserts or updates k→v at the head, then enforces the limits.
func (c *Cache[K, V]) Put(k K, v V) {
	cost := c.costOf(v)

	if idx, ok := c.index[k]; ok {
		n := &c.cells[idx]
		c.cost += cost - n.cost
		n.val = v
		n.cost = cost
		n.stamp = c.frame
		c.moveToFront(idx)
	} else {
		idx = c.alloc()
		n := &c.cells[idx]
		n.key, n.val, n.cost, n.stamp = k, v, cost, c.frame
		c.index[k] = idx
		c.insertFront(idx)
	}

	if c.opt.MaxTiles <= 0 {
		for c.tail != nilCell {
			c.evict(c.tail, EvictCapacity)
		}
	} else {
		c.enforceLimits()
	}
	c.opt.Metrics.Size(c.len, c.cost)
}

// EvictIfOverCapacity removes LRU entries while a limit is exceeded, stopping
// at the first entry protected by the current frame. It returns the number of
// evicted entries.
func (c *Cache[K, V]) EvictIfOverCapacity() int {
	n := c.enforceLimits()
	if n > 0 {
		c.opt.Metrics.Size(c.len, c.cost)
	}
	return n
}

// MarkFrame starts a new frame. Entries from previous frames lose their
// protection.
func (c *Cache[K, V]) MarkFrame() { c.frame++ }

// Unload evicts k explicitly, invoking OnUnload. It is idempotent: unloading
// an absent key returns false and does nothing.
func (c *Cache[K, V]) Unload(k K) bool {
	idx, ok := c.index[k]
	if !ok {
		return false
	}
	c.evict(idx, EvictExplicit)
	c.opt.Metrics.Size(c.len, c.cost)
	return true
}

// Remove deletes k without invoking OnUnload.
func (c *Cache[K, V]) Remove(k K) bool {
	idx, ok := c.index[k]
	if !ok {
		return false
	}
	c.unlink(idx)
	delete(c.index, k)
	c.release(idx)
	c.opt.Metrics.Size(c.len, c.cost)
	return true
}

// Clear unloads every entry from LRU to MRU.
func (c *Cache[K, V]) Clear() {
	for c.tail != nilCell {
		c.evict(c.tail, EvictExplicit)
	}
	c.opt.Metrics.Size(c.len, c.cost)
}

// Len returns the number of resident entries.
func (c *Cache[K, V]) Len() int { return c.len }

// Cost returns the summed cost of resident entries.
func (c *Cache[K, V]) Cost() int64 { return c.cost }

// Keys returns the resident keys from MRU to LRU.
func (c *Cache[K, V]) Keys() []K {
	keys := make([]K, 0, c.len)
	for idx := c.head; idx != nilCell; idx = c.cells[idx].next {
		keys = append(keys, c.cells[idx].key)
	}
	return keys
}

// -------------------- internals --------------------

func (c *Cache[K, V]) overCount() bool { return c.len > c.opt.MaxTiles }

func (c *Cache[K, V]) overCost() bool {
	return c.opt.MaxCost > 0 && c.cost > c.opt.MaxCost
}

func (c *Cache[K, V]) protected(idx int) bool {
	return c.frame != 0 && c.cells[idx].stamp == c.frame
}

// enforceLimits evicts LRU entries until both limits hold or the tail is
// protected.
func (c *Cache[K, V]) enforceLimits() int {
	evicted := 0
	for c.tail != nilCell && (c.overCount() || c.overCost()) {
		if c.protected(c.tail) {
			break
		}
		reason := EvictCapacity
		if !c.overCount() {
			reason = EvictCost
		}
		c.evict(c.tail, reason)
		evicted++
	}
	return evicted
}

// evict removes the entry, updates metrics and calls OnUnload. The entry is
// gone from both the list and the map before the callback runs.
func (c *Cache[K, V]) evict(idx int, reason EvictReason) {
	k, v := c.cells[idx].key, c.cells[idx].val
	c.unlink(idx)
	delete(c.index, k)
	c.release(idx)

	c.opt.Metrics.Evict(reason)
	if cb := c.opt.OnUnload; cb != nil {
		cb(k, v, reason)
	}
}

// costOf computes the per-entry cost, clamped at zero.
func (c *Cache[K, V]) costOf(v V) int64 {
	if c.opt.Cost == nil {
		return 0
	}
	cost := c.opt.Cost(v)
	if cost < 0 {
		return 0
	}
	return int64(cost)
}
