package mlist

import (
	"github.com/dreamware/nbmap/internal/arena"
	"github.com/dreamware/nbmap/internal/reclaim"
	"github.com/dreamware/nbmap/internal/tag"
)

// Iter is a forward cursor over the live nodes of a list. Its guarantees
// under concurrent mutation are deliberately weak: any key present at
// construction and never removed is yielded exactly once; keys inserted or
// removed while iterating may or may not be observed.
//
// Under the hazard-pointer engine the iterator pins its cursor in dynamic
// slots so the node cannot be freed between calls; under RCU the caller
// must not announce a quiescent point while the iterator is live.
type Iter struct {
	m     *Map
	cur   uintptr
	scur  *reclaim.DynSlot
	snext *reclaim.DynSlot
}

// IterBegin positions an iterator at the first live node with key >= k, or
// at the start of the list when k is DoesNotExist.
func (m *Map) IterBegin(k uint64) *Iter {
	it := &Iter{m: m}
	if reclaim.ActiveScheme() == reclaim.Hazard {
		it.scur = reclaim.AllocDynSlot()
		it.snext = reclaim.AllocDynSlot()
	}
	if k == tag.DoesNotExist {
		it.cur = it.protectNext(m.head)
	} else {
		_, cur, _ := m.find(k)
		it.cur = cur
		if it.scur != nil {
			it.scur.Set(cur) // still pinned by the find's static slots
		}
		reclaim.ClearAll()
	}
	return it
}

// Next yields the current node's pair and advances. It returns DoesNotExist
// as the value once the iterator is exhausted.
func (it *Iter) Next() (key, val uint64) {
	for it.cur != 0 {
		cur := it.cur
		nw := it.protectWord(cur + offNext)
		v := arena.Load(cur + offValue)
		// Advance first; the successor is pinned by snext during the move.
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

// protectNext loads node's next word, pinning the successor, and returns the
// successor address.
func (it *Iter) protectNext(node uintptr) uintptr {
	w := it.protectWord(node + offNext)
	p := uintptr(w & tag.PtrMask)
	if it.scur != nil {
		it.scur.Set(p)
	}
	return p
}

// protectWord is the publish-and-revalidate load against a stable source
// address, writing the payload into the iterator's snext slot.
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
