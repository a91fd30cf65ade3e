package htable

import (
	"github.com/dreamware/nbmap/internal/arena"
	"github.com/dreamware/nbmap/internal/keys"
	"github.com/dreamware/nbmap/internal/tag"
)

// Iter scans the newest generation linearly. The iterator holds a borrow on
// its generation through the reference count, so the slot array cannot be
// retired while the scan runs; a slot that migrated mid-scan is resolved
// with a forwarding lookup down the successor chain, so each live key is
// observed exactly once.
type Iter struct {
	g *gen
	i uint64
}

// IterBegin starts a scan. The positional key hint accepted by the ordered
// maps has no meaning for a hash table and is ignored.
func (m *Map) IterBegin() *Iter {
	for {
		// Newest generation: the end of the successor chain.
		g := m.current.Load()
		for {
			next := g.next.Load()
			if next == nil {
				break
			}
			g = next
		}
		r := g.ref.Load()
		if r < 0 {
			// Retirement already started; a newer generation must exist.
			continue
		}
		if g.ref.CompareAndSwap(r, r+1) {
			return &Iter{g: g}
		}
	}
}

// Next yields the next live pair, returning DoesNotExist as the value once
// the scan is exhausted.
func (it *Iter) Next() (key, val uint64) {
	g := it.g
	total := uint64(1) << g.scale
	for it.i < total {
		s := g.slot(it.i)
		it.i++
		kw := arena.Load(s)
		if kw == 0 {
			continue
		}
		k := kw
		if g.kt != nil {
			k = kw & tag.PtrMask
		}
		v := arena.Load(s + 8)
		if v == tag.Copied {
			// Migrated while we were scanning; the successor chain holds
			// the authoritative value.
			v = genLookup(g.next.Load(), keys.Hash(g.kt, k), k)
			if v == tag.DoesNotExist {
				continue
			}
			return k, v
		}
		v &^= tag.Tag1
		if v == tag.DoesNotExist || v == tag.Tombstone {
			continue
		}
		return k, v
	}
	return 0, tag.DoesNotExist
}

// Free drops the iterator's borrow; the last borrow of a drained generation
// performs the deferred retirement.
func (it *Iter) Free() {
	g := it.g
	it.g = nil
	if g == nil {
		return
	}
	if g.ref.Add(-1) == 0 && g.doomed.Load() && g.ref.CompareAndSwap(0, -1) {
		retireGen(g)
	}
}
