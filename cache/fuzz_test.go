//go:build go1.18

package cache

import (
	"testing"
)

// Fuzz arbitrary op sequences against the list/map invariants: every map
// entry has exactly one list cell and the list never exceeds MaxTiles.
// Each byte of ops encodes (op, key).
func FuzzCache_Ops(f *testing.F) {
	f.Add([]byte{}, uint8(1))
	f.Add([]byte{0x00, 0x01, 0x02, 0x41, 0x82, 0xc3}, uint8(2))
	f.Add([]byte{0xff, 0xfe, 0x00, 0x00, 0x40, 0x80}, uint8(0))
	f.Add([]byte("put touch unload remove mark"), uint8(5))

	f.Fuzz(func(t *testing.T, ops []byte, max uint8) {
		const limit = 1 << 12
		if len(ops) > limit {
			ops = ops[:limit]
		}

		c := New[byte, int](Options[byte, int]{
			MaxTiles: int(max % 16),
			OnUnload: func(byte, int, EvictReason) {},
		})

		for i, b := range ops {
			k := b & 0x0f
			switch b >> 5 {
			case 0, 1, 2:
				c.Put(k, i)
				if v, ok := c.Get(k); c.opt.MaxTiles > 0 && (!ok || v != i) {
					t.Fatalf("after Put/Get: want %d, got %d ok=%v", i, v, ok)
				}
			case 3, 4:
				c.Touch(k)
			case 5:
				c.Unload(k)
			case 6:
				c.Remove(k)
			default:
				c.MarkFrame()
				c.EvictIfOverCapacity()
			}

			if len(c.index) != c.Len() {
				t.Fatalf("map has %d entries, list has %d", len(c.index), c.Len())
			}
			if got := len(c.Keys()); got != c.Len() {
				t.Fatalf("walk found %d cells, Len is %d", got, c.Len())
			}
		}

		c.MarkFrame()
		c.EvictIfOverCapacity()
		if c.opt.MaxTiles >= 0 && c.Len() > c.opt.MaxTiles {
			t.Fatalf("Len %d exceeds MaxTiles %d after an unprotected eviction", c.Len(), c.opt.MaxTiles)
		}
	})
}
