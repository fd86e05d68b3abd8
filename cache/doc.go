// Package cache provides a bounded, generic LRU keyed by tile identity with
// explicit eviction and an unload callback.
//
// Design
//
//   - Storage: entries live in an arena of list cells linked by index
//     (head = MRU, tail = LRU, -1 = none) plus a map[K]int for O(1) lookup.
//     Freed cells are recycled through a free list.
//
//   - Ordering: Get never reorders. Put and Touch move the entry to the head.
//
//   - Limits: MaxTiles bounds the entry count, MaxCost (with Options.Cost)
//     bounds the summed cost. A MaxTiles of zero or less retains nothing:
//     every Put is immediately unloaded again.
//
//   - Frames: MarkFrame starts a new frame. Entries put or touched since the
//     last mark are protected from capacity eviction until the next mark, so
//     a render loop can touch everything it draws and evict at frame end
//     without unloading what is on screen. Without MarkFrame calls the cache
//     behaves as a plain LRU.
//
//   - Callbacks: Options.OnUnload(k, v, reason) runs after the entry has been
//     unlinked and removed from the map, so removing the same key from inside
//     the callback is a no-op.
//
// Basic usage
//
//	c := cache.New[string, []byte](cache.Options[string, []byte]{MaxTiles: 2})
//	c.Put("a", []byte("1"))
//	c.Put("b", []byte("2"))
//	c.Touch("a")             // a is MRU
//	c.Put("c", []byte("3"))  // evicts b
//
// Thread-safety
//
// A Cache is owned by a single goroutine (the render or update loop) and is
// not safe for concurrent use.
package cache
