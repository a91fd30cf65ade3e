// Package skiplist implements a lock-free multi-level ordered map built on
// the same logical-deletion marking protocol as the ordered list.
//
// The bottom level is the source of truth: a node is in the map iff it is
// reachable at level 0 with an unmarked level-0 next pointer. Upper levels
// are probabilistic shortcuts, linked lazily after the level-0 insert and
// unlinked top-down on removal. Marking level 0 is the linearization point
// of a removal; the level-0 CAS that links a new node is the linearization
// point of an insert.
//
// Each next pointer carries the removal mark independently per level, so a
// traversal at any level can tell a dying node from a live one without
// consulting level 0.
package skiplist

import (
	"fmt"
	"io"
	"math/bits"
	"sync/atomic"

	"golang.org/x/exp/rand"

	"github.com/dreamware/nbmap/internal/arena"
	"github.com/dreamware/nbmap/internal/keys"
	"github.com/dreamware/nbmap/internal/reclaim"
	"github.com/dreamware/nbmap/internal/tag"
	"github.com/dreamware/nbmap/internal/threadid"
)

// MaxLevel is the highest tower level a node can reach.
const MaxLevel = 31

const (
	offKey   = 0
	offValue = 8
	offTop   = 16
	offTower = 24
)

const (
	hazPred = 0
	hazCur  = 1
	hazNext = 2
)

// Map is the skiplist. The zero value is not usable; call New.
type Map struct {
	head uintptr
	kt   *keys.Type
	high atomic.Int32 // highest tower level any insert has drawn
}

func nodeSize(top int) int { return offTower + 8*(top+1) }

func nextOff(lvl int) uintptr { return offTower + 8*uintptr(lvl) }

// New allocates an empty skiplist. kt is nil for integer keys.
func New(kt *keys.Type) *Map {
	h := arena.AllocZeroed(nodeSize(MaxLevel))
	arena.Store(h+offTop, MaxLevel)
	return &Map{head: h, kt: kt}
}

// Per-thread sources for tower level draws.
var levelSrc [threadid.MaxThreads]*rand.Rand

// randLevel draws a tower level from the trailing zeros of a random word. A
// draw with the low bit set lands on level 0 directly; otherwise the level
// is the trailing-zero count minus one. A quarter of draws reach level 1,
// and from there each level is reached by half the draws of the one below.
func randLevel() int {
	tid := threadid.Current()
	r := levelSrc[tid]
	if r == nil {
		r = rand.New(rand.NewSource(uint64(tid)*0x9e3779b97f4a7c15 + 1))
		levelSrc[tid] = r
	}
	w := r.Uint32()
	if w&1 == 1 {
		return 0
	}
	lvl := bits.TrailingZeros32(w) - 1
	if lvl > MaxLevel {
		lvl = MaxLevel
	}
	return lvl
}

// findPreds walks top-down recording, for every level <= n, the last node
// with key < k and its successor. help unlinks marked nodes on the way;
// a helper that detaches a node at level 0 retires it. The returned node is
// the live level-0 node with key k, or 0.
//
// preds and succs may be nil when the caller only wants the side effects of
// helping or a level-0 position.
func (m *Map) findPreds(preds, succs *[MaxLevel + 1]uintptr, n int, k uint64, help bool) uintptr {
restart:
	start := int(m.high.Load())
	if n > start {
		start = n
	}
	pred := m.head
	var found uintptr
	for lvl := start; lvl >= 0; lvl-- {
		w := reclaim.Protect(hazCur, pred+nextOff(lvl))
		if w&tag.Tag1 != 0 {
			// pred was removed out from under us at this level.
			goto restart
		}
		for {
			cur := uintptr(w & tag.PtrMask)
			if cur == 0 {
				break
			}
			nw := reclaim.Protect(hazNext, cur+nextOff(lvl))
			if nw&tag.Tag1 != 0 {
				succ := nw & tag.PtrMask
				if !help {
					reclaim.Publish(hazCur, uintptr(succ))
					w = succ
					continue
				}
				if !arena.CAS(pred+nextOff(lvl), uint64(cur), succ) {
					goto restart
				}
				if lvl == 0 {
					// The level-0 detachment transfers ownership to
					// reclamation; upper levels were detached on the way
					// down.
					m.retire(cur)
				}
				reclaim.Publish(hazCur, uintptr(succ))
				w = succ
				continue
			}
			c := keys.Cmp(m.kt, arena.Load(cur+offKey), k)
			if c >= 0 {
				if c == 0 && lvl == 0 {
					found = cur
				}
				break
			}
			reclaim.Publish(hazPred, cur)
			pred = cur
			reclaim.Publish(hazCur, uintptr(nw&tag.PtrMask))
			w = nw
		}
		if preds != nil && lvl <= n {
			preds[lvl] = pred
		}
		if succs != nil && lvl <= n {
			succs[lvl] = uintptr(w & tag.PtrMask)
		}
	}
	return found
}

// Lookup returns the value mapped to k, or DoesNotExist.
func (m *Map) Lookup(k uint64) uint64 {
	node := m.findPreds(nil, nil, -1, k, false)
	v := tag.DoesNotExist
	if node != 0 {
		v = arena.Load(node + offValue)
	}
	reclaim.ClearAll()
	return v
}

// CAS installs new under the given expectation and returns the prior value;
// a successful insert returns DoesNotExist. Semantics match the ordered
// list's CAS.
func (m *Map) CAS(k, expected, new uint64) uint64 {
	defer reclaim.ClearAll()
	var preds, succs [MaxLevel + 1]uintptr
	lvl := randLevel()
	for {
		node := m.findPreds(&preds, &succs, lvl, k, true)
		if node != 0 {
			if expected == tag.ExpectDoesNotExist {
				v := arena.Load(node + offValue)
				if v == tag.DoesNotExist {
					continue // mid-removal; retry for a definite answer
				}
				return v
			}
			for {
				v := arena.Load(node + offValue)
				if v == tag.DoesNotExist {
					break // lost to a remover; retry from the top
				}
				if expected != tag.ExpectWhatever && expected != tag.ExpectExists && expected != v {
					return v
				}
				if arena.CAS(node+offValue, v, new) {
					return v
				}
			}
			continue
		}
		if expected != tag.ExpectDoesNotExist && expected != tag.ExpectWhatever {
			return tag.DoesNotExist
		}
		n := arena.Alloc(nodeSize(lvl))
		arena.Store(n+offKey, keys.Clone(m.kt, k))
		arena.Store(n+offValue, new)
		arena.Store(n+offTop, uint64(lvl))
		for i := 0; i <= lvl; i++ {
			arena.Store(n+nextOff(i), uint64(succs[i]))
		}
		if !arena.CAS(preds[0]+nextOff(0), uint64(succs[0]), uint64(n)) {
			keys.Free(m.kt, arena.Load(n+offKey))
			arena.Free(n)
			continue
		}
		m.raiseHigh(lvl)
		m.linkUpper(n, lvl, k, &preds, &succs)
		return tag.DoesNotExist
	}
}

// linkUpper links a freshly inserted node through levels 1..lvl. Linking is
// best-effort: a concurrent removal of the node stops it, and a link that
// lands after the node was detached is immediately undone by a helping
// walk.
func (m *Map) linkUpper(n uintptr, lvl int, k uint64, preds, succs *[MaxLevel + 1]uintptr) {
	for i := 1; i <= lvl; i++ {
		for {
			nw := arena.Load(n + nextOff(i))
			if nw&tag.Tag1 != 0 {
				return
			}
			if nw != uint64(succs[i]) {
				// Our forward pointer is stale after a refresh.
				if !arena.CAS(n+nextOff(i), nw, uint64(succs[i])) {
					return
				}
			}
			if arena.CAS(preds[i]+nextOff(i), uint64(succs[i]), uint64(n)) {
				if arena.Load(n+nextOff(i))&tag.Tag1 != 0 {
					// Removal raced the link; walk once to undo any
					// re-link of a detached node.
					m.findPreds(nil, nil, -1, k, true)
					return
				}
				break
			}
			if m.findPreds(preds, succs, lvl, k, true) != n {
				return
			}
		}
	}
}

func (m *Map) raiseHigh(lvl int) {
	for {
		h := m.high.Load()
		if int32(lvl) <= h || m.high.CompareAndSwap(h, int32(lvl)) {
			return
		}
	}
}

// Remove unmaps k and returns the prior value, or DoesNotExist. Levels are
// marked top-down; the level-0 mark is the linearization point.
func (m *Map) Remove(k uint64) uint64 {
	defer reclaim.ClearAll()
	for {
		node := m.findPreds(nil, nil, -1, k, true)
		if node == 0 {
			return tag.DoesNotExist
		}
		top := int(arena.Load(node + offTop))
		for lvl := top; lvl >= 1; lvl-- {
			for {
				w := arena.Load(node + nextOff(lvl))
				if w&tag.Tag1 != 0 || arena.CAS(node+nextOff(lvl), w, w|tag.Tag1) {
					break
				}
			}
		}
		w := arena.Load(node + nextOff(0))
		if w&tag.Tag1 != 0 {
			// Another remover linearized first; its walk will finish the
			// unlink. Retry to observe the final state.
			continue
		}
		if !arena.CAS(node+nextOff(0), w, w|tag.Tag1) {
			continue
		}
		v := arena.Swap(node+offValue, tag.DoesNotExist)
		// Detach physically; the walk retires the node on the level-0
		// unlink.
		m.findPreds(nil, nil, -1, k, true)
		return v
	}
}

// MinKey returns the smallest live key, or ok=false on an empty map.
func (m *Map) MinKey() (key uint64, ok bool) {
	w := reclaim.Protect(hazCur, m.head+nextOff(0))
	for {
		cur := uintptr(w & tag.PtrMask)
		if cur == 0 {
			reclaim.ClearAll()
			return 0, false
		}
		nw := reclaim.Protect(hazNext, cur+nextOff(0))
		if nw&tag.Tag1 == 0 && arena.Load(cur+offValue) != tag.DoesNotExist {
			k := arena.Load(cur + offKey)
			reclaim.ClearAll()
			return k, true
		}
		reclaim.Publish(hazCur, uintptr(nw&tag.PtrMask))
		w = nw & tag.PtrMask
	}
}

// Count walks level 0 and counts live nodes; approximate under concurrency.
func (m *Map) Count() uint64 {
	var n uint64
	m.walk(func(_ uintptr, _, _ uint64) bool {
		n++
		return true
	})
	return n
}

func (m *Map) walk(fn func(node uintptr, key, val uint64) bool) {
	w := reclaim.Protect(hazCur, m.head+nextOff(0))
	for {
		cur := uintptr(w & tag.PtrMask)
		if cur == 0 {
			break
		}
		nw := reclaim.Protect(hazNext, cur+nextOff(0))
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

// Print dumps the towers for diagnostics.
func (m *Map) Print(out io.Writer) {
	fmt.Fprintf(out, "skiplist %p high=%d:", m, m.high.Load())
	for w := arena.Load(m.head + nextOff(0)); ; {
		cur := uintptr(w & tag.PtrMask)
		if cur == 0 {
			break
		}
		nw := arena.Load(cur + nextOff(0))
		mark := ""
		if nw&tag.Tag1 != 0 {
			mark = "*"
		}
		fmt.Fprintf(out, " %d%s=%d/%d", arena.Load(cur+offKey), mark,
			arena.Load(cur+offValue), arena.Load(cur+offTop))
		w = nw & tag.PtrMask
	}
	fmt.Fprintln(out)
}

// Free releases the whole structure. The caller must guarantee no concurrent
// access and no outstanding iterators.
func (m *Map) Free() {
	p := uintptr(arena.Load(m.head+nextOff(0)) & tag.PtrMask)
	for p != 0 {
		next := uintptr(arena.Load(p+nextOff(0)) & tag.PtrMask)
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
