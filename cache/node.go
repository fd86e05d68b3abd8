package cache

// nilCell marks the absence of a neighbour, or an empty head/tail.
const nilCell = -1

// cell is one slot of the list arena. Links are arena indices: head is MRU,
// tail is LRU.
type cell[K comparable, V any] struct {
	key K
	val V

	prev int
	next int

	// Logical cost used when MaxCost is enabled.
	cost int64

	// Frame in which the entry was last put or touched.
	stamp uint64
}

// insertFront links the cell at idx as MRU.
func (c *Cache[K, V]) insertFront(idx int) {
	n := &c.cells[idx]
	n.prev = nilCell
	n.next = c.head
	if c.head != nilCell {
		c.cells[c.head].prev = idx
	}
	c.head = idx
	if c.tail == nilCell {
		c.tail = idx
	}
	c.len++
	c.cost += n.cost
}

// unlink detaches the cell at idx from the list and updates counters.
func (c *Cache[K, V]) unlink(idx int) {
	n := &c.cells[idx]
	if n.prev != nilCell {
		c.cells[n.prev].next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nilCell {
		c.cells[n.next].prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev, n.next = nilCell, nilCell
	c.len--
	c.cost -= n.cost
	if c.cost < 0 {
		c.cost = 0
	}
}

// moveToFront promotes the cell at idx to MRU.
func (c *Cache[K, V]) moveToFront(idx int) {
	if idx == c.head {
		return
	}
	c.unlink(idx)
	c.insertFront(idx)
}

// alloc returns a free arena slot.
func (c *Cache[K, V]) alloc() int {
	if n := len(c.free); n > 0 {
		idx := c.free[n-1]
		c.free = c.free[:n-1]
		return idx
	}
	c.cells = append(c.cells, cell[K, V]{prev: nilCell, next: nilCell})
	return len(c.cells) - 1
}

// release clears the slot so the payload can be collected and recycles it.
func (c *Cache[K, V]) release(idx int) {
	c.cells[idx] = cell[K, V]{prev: nilCell, next: nilCell}
	c.free = append(c.free, idx)
}
