// Package mlist implements a lock-free ordered singly linked list with
// logical-deletion marks - the Harris-Michael protocol.
//
// A node is three words in the arena: key, value, next. Bit 63 of next marks
// the node as logically removed; a marked node is invisible to every future
// operation on its key but may remain physically linked until a later walk
// unlinks it. The linearization points are:
//
//	insert - the CAS that links the node into its predecessor
//	update - the CAS on the node's value word
//	remove - the CAS that sets the mark on the node's next word
//
// Lookups are wait-free in the absence of contention on the walked prefix;
// all operations are lock-free.
package mlist

import (
	"fmt"
	"io"

	"github.com/dreamware/nbmap/internal/arena"
	"github.com/dreamware/nbmap/internal/keys"
	"github.com/dreamware/nbmap/internal/reclaim"
	"github.com/dreamware/nbmap/internal/tag"
)

const (
	offKey   = 0
	offValue = 8
	offNext  = 16
	nodeSize = 24
)

// Hazard slot assignments for walks.
const (
	hazPred = 0
	hazCur  = 1
	hazNext = 2
)

// Map is the list. The zero value is not usable; call New.
type Map struct {
	head uintptr
	kt   *keys.Type
}

// New allocates an empty list. kt is nil for integer keys.
func New(kt *keys.Type) *Map {
	h := arena.Alloc(nodeSize)
	arena.Store(h+offKey, 0)
	arena.Store(h+offValue, 0)
	arena.Store(h+offNext, 0)
	return &Map{head: h, kt: kt}
}

// find walks from the head to the first live node with key >= k, helping to
// unlink marked nodes on the way. It returns the predecessor, the node (0 if
// the walk ran off the tail), and whether the node's key equals k. On return
// pred and cur are protected by the walker's hazard slots.
func (m *Map) find(k uint64) (pred, cur uintptr, found bool) {
restart:
	pred = m.head
	w := reclaim.Protect(hazCur, pred+offNext)
	for {
		cur = uintptr(w & tag.PtrMask)
		if cur == 0 {
			return pred, 0, false
		}
		nw := reclaim.Protect(hazNext, cur+offNext)
		if nw&tag.Tag1 != 0 {
			// cur is logically removed; finish the unlink before moving on.
			succ := nw & tag.PtrMask
			if !arena.CAS(pred+offNext, uint64(cur), succ) {
				// pred changed under us - marked or repointed.
				goto restart
			}
			m.retire(cur)
			reclaim.Publish(hazCur, uintptr(succ))
			w = succ
			continue
		}
		if keys.Cmp(m.kt, arena.Load(cur+offKey), k) >= 0 {
			return pred, cur, keys.Cmp(m.kt, arena.Load(cur+offKey), k) == 0
		}
		reclaim.Publish(hazPred, cur)
		pred = cur
		reclaim.Publish(hazCur, uintptr(nw&tag.PtrMask))
		w = nw
	}
}

// Lookup returns the value mapped to k, or DoesNotExist.
func (m *Map) Lookup(k uint64) uint64 {
	_, cur, found := m.find(k)
	v := tag.DoesNotExist
	if found {
		v = arena.Load(cur + offValue)
	}
	reclaim.ClearAll()
	return v
}

// CAS installs new under the given expectation and returns the prior value.
// expected is an exact prior value or one of the Expect sentinels; the
// caller detects a miss by comparing the return against its expectation.
// A successful insert returns DoesNotExist.
func (m *Map) CAS(k, expected, new uint64) uint64 {
	defer reclaim.ClearAll()
	for {
		pred, cur, found := m.find(k)
		if !found {
			if expected != tag.ExpectDoesNotExist && expected != tag.ExpectWhatever {
				return tag.DoesNotExist
			}
			n := arena.Alloc(nodeSize)
			arena.Store(n+offKey, keys.Clone(m.kt, k))
			arena.Store(n+offValue, new)
			arena.Store(n+offNext, uint64(cur))
			if arena.CAS(pred+offNext, uint64(cur), uint64(n)) {
				return tag.DoesNotExist
			}
			// Never published; release immediately.
			keys.Free(m.kt, arena.Load(n+offKey))
			arena.Free(n)
			continue
		}
		if expected == tag.ExpectDoesNotExist {
			// Caller wanted an insert; report the existing value. A node
			// whose value reads DoesNotExist is mid-removal - retry so the
			// answer is either the live value or a real insert.
			v := arena.Load(cur + offValue)
			if v == tag.DoesNotExist {
				continue
			}
			return v
		}
		for {
			v := arena.Load(cur + offValue)
			if v == tag.DoesNotExist {
				// A remover marked this node and published its victory;
				// retry from the top to help unlink it.
				break
			}
			if expected != tag.ExpectWhatever && expected != tag.ExpectExists && expected != v {
				return v
			}
			if arena.CAS(cur+offValue, v, new) {
				return v
			}
		}
	}
}

// Remove unmaps k and returns the prior value, or DoesNotExist. The
// successful marking CAS on the node's next word is the linearization
// point; the physical unlink afterwards is best-effort.
func (m *Map) Remove(k uint64) uint64 {
	defer reclaim.ClearAll()
	for {
		pred, cur, found := m.find(k)
		if !found {
			return tag.DoesNotExist
		}
		nw := arena.Load(cur + offNext)
		if nw&tag.Tag1 != 0 {
			continue
		}
		if !arena.CAS(cur+offNext, nw, nw|tag.Tag1) {
			continue
		}
		// Swapping the value publishes which of a racing update and this
		// remove ordered first.
		v := arena.Swap(cur+offValue, tag.DoesNotExist)
		if arena.CAS(pred+offNext, uint64(cur), nw) {
			m.retire(cur)
		}
		return v
	}
}

// Count walks the chain and counts live nodes. The result is approximate
// under concurrent mutation.
func (m *Map) Count() uint64 {
	var n uint64
	m.walk(func(_ uintptr, _, _ uint64) bool {
		n++
		return true
	})
	return n
}

// walk visits every live node in order without helping. fn returning false
// stops the walk.
func (m *Map) walk(fn func(node uintptr, key, val uint64) bool) {
	w := reclaim.Protect(hazCur, m.head+offNext)
	for {
		cur := uintptr(w & tag.PtrMask)
		if cur == 0 {
			break
		}
		nw := reclaim.Protect(hazNext, cur+offNext)
		if nw&tag.Tag1 == 0 {
			v := arena.Load(cur + offValue)
			if v != tag.DoesNotExist {
				if !fn(cur, arena.Load(cur+offKey), v) {
					break
				}
			}
		}
		reclaim.Publish(hazCur, uintptr(nw&tag.PtrMask))
		w = nw & tag.PtrMask
	}
	reclaim.ClearAll()
}

// Print dumps the physical chain, marks included, for diagnostics.
func (m *Map) Print(out io.Writer) {
	fmt.Fprintf(out, "list %p:", m)
	for w := arena.Load(m.head + offNext); ; {
		cur := uintptr(w & tag.PtrMask)
		if cur == 0 {
			break
		}
		nw := arena.Load(cur + offNext)
		mark := ""
		if nw&tag.Tag1 != 0 {
			mark = "*"
		}
		fmt.Fprintf(out, " %d%s=%d", arena.Load(cur+offKey), mark, arena.Load(cur+offValue))
		w = nw & tag.PtrMask
	}
	fmt.Fprintln(out)
}

// Free releases the whole structure. The caller must guarantee no concurrent
// access and no outstanding iterators.
func (m *Map) Free() {
	p := uintptr(arena.Load(m.head+offNext) & tag.PtrMask)
	for p != 0 {
		next := uintptr(arena.Load(p+offNext) & tag.PtrMask)
		keys.Free(m.kt, arena.Load(p+offKey))
		arena.Free(p)
		p = next
	}
	arena.Free(m.head)
	m.head = 0
}

func (m *Map) retire(node uintptr) {
	reclaim.DeferFree(node, func(p uintptr) {
		keys.Free(m.kt, arena.Load(p+offKey))
		arena.Free(p)
	})
}
