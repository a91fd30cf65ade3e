package nbmap

// Iter is a forward iterator over a map. Iteration guarantees under
// concurrent mutation are deliberately weak: any key present at
// construction and never removed is yielded exactly once; keys inserted or
// removed mid-scan may or may not be observed. Ordered maps yield keys in
// ascending order; the hash table yields them in slot order.
type Iter struct {
	m  *Map
	li iterImpl
}

type iterImpl interface {
	Next() (key, val uint64)
	Free()
}

// IterBegin starts an iterator. For ordered maps a non-zero key positions
// the cursor at the first live key >= k; the hash table ignores the hint.
func (m *Map) IterBegin(k uint64) *Iter {
	it := &Iter{m: m}
	switch m.kind {
	case List:
		it.li = m.list.IterBegin(k)
	case Skiplist:
		it.li = m.sl.IterBegin(k)
	default:
		it.li = m.ht.IterBegin()
	}
	return it
}

// Next yields the next live pair. It returns DoesNotExist as the value once
// the iterator is exhausted.
func (it *Iter) Next() (key, val uint64) { return it.li.Next() }

// Free releases the iterator's borrows (a generation reference on the hash
// table, hazard slots under the hazard-pointer engine). Every iterator must
// be freed.
func (it *Iter) Free() { it.li.Free() }
