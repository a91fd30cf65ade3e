package skiplist

import (
	"github.com/dreamware/nbmap/internal/arena"
	"github.com/dreamware/nbmap/internal/reclaim"
	"github.com/dreamware/nbmap/internal/tag"
)

// Iter is a forward cursor along level 0. The guarantees under concurrent
// mutation match the ordered list's iterator: any key present at
// construction and never removed is yielded exactly once.
type Iter struct {
	m     *Map
	cur   uintptr
	scur  *reclaim.DynSlot
	snext *reclaim.DynSlot
}

// IterBegin positions an iterator at the first live node with key >= k, or
// at the start when k is DoesNotExist.
func (m *Map) IterBegin(k uint64) *Iter {
	it := &Iter{m: m}
	if reclaim.ActiveScheme() == reclaim.Hazard {
		it.scur = reclaim.AllocDynSlot()
		it.snext = reclaim.AllocDynSlot()
	}
	if k == tag.DoesNotExist {
		w := it.protectWord(m.head + nextOff(0))
		it.cur = uintptr(w & tag.PtrMask)
		if it.scur != nil {
			it.scur.Set(it.cur)
		}
	} else {
		var preds, succs [MaxLevel + 1]uintptr
		m.findPreds(&preds, &succs, 0, k, false)
		it.cur = succs[0]
		if it.scur != nil {
			it.scur.Set(it.cur)
		}
		reclaim.ClearAll()
	}
	return it
}

// Next yields the current node's pair and advances, returning DoesNotExist
// as the value once exhausted.
func (it *Iter) Next() (key, val uint64) {
	for it.cur != 0 {
		cur := it.cur
		nw := it.protectWord(cur + nextOff(0))
		v := arena.Load(cur + offValue)
		it.cur = uintptr(nw & tag.PtrMask)
		if it.scur != nil {
			it.scur.Set(it.cur)
		}
		if nw&tag.Tag1 == 0 && v != tag.DoesNotExist {
			return arena.Load(cur + offKey), v
		}
	}
	return 0, tag.DoesNotExist
}

// Free releases the iterator's hazard slots.
func (it *Iter) Free() {
	if it.scur != nil {
		it.scur.Clear()
		it.snext.Clear()
	}
	it.cur = 0
}

func (it *Iter) protectWord(src uintptr) uint64 {
	if it.snext == nil {
		return arena.Load(src)
	}
	for {
		w := arena.Load(src)
		it.snext.Set(uintptr(w & tag.PtrMask))
		if arena.Load(src) == w {
			return w
		}
	}
}
