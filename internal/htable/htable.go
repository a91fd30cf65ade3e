// Package htable implements a lock-free resizable open-addressed hash
// table.
//
// A table is a chain of generations. The map points at the oldest live
// generation; growth links a larger successor and every subsequent
// operation helps migrate a chunk of slots before doing its own work, so
// the copy completes without a dedicated thread. When the last slot of a
// generation is dead the map pointer swings to the successor and the old
// slot array is retired.
//
// A slot is two words: a key word and a value word. For byte-string keys
// the key word packs the top 16 bits of the hash above the 48-bit string
// address, so most collisions are rejected without touching the string.
// Integer keys occupy the key word directly, which reserves the integer key
// 0 (it is indistinguishable from an empty slot).
//
// Slot state only moves forward: empty -> claimed -> live value(s) ->
// frozen (Tag1) -> Copied, or empty -> Copied for slots killed by the
// migration. Nothing ever returns a slot to empty, which is what makes
// "empty means absent" sound while lookups race the copy.
package htable

import (
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/dreamware/nbmap/internal/arena"
	"github.com/dreamware/nbmap/internal/keys"
	"github.com/dreamware/nbmap/internal/reclaim"
	"github.com/dreamware/nbmap/internal/tag"
)

const (
	// MinScale is the smallest table: 1<<MinScale slots.
	MinScale = 4

	maxScale = 24

	slotSize         = 16
	entriesPerBucket = arena.CacheLine / slotSize

	maxBucketsToProbe = 250

	// copyChunk slots are migrated by every operation that finds a
	// successor in place.
	copyChunk = 2 * entriesPerBucket
)

// gen is one generation of the table.
type gen struct {
	slots  uintptr // arena slab of 1<<scale slots
	scale  int
	probes int // probe budget in buckets
	kt     *keys.Type

	count  atomic.Int64
	copied atomic.Int64
	cursor atomic.Uint64
	next   atomic.Pointer[gen]

	// Iterator borrow count; retirement swings it 0 -> -1.
	ref    atomic.Int64
	doomed atomic.Bool

	_ cpu.CacheLinePad
}

// Map is the hash table. The zero value is not usable; call New.
type Map struct {
	current atomic.Pointer[gen]
	kt      *keys.Type
}

// New allocates a table with 1<<scale slots (at least MinScale). kt is nil
// for integer keys.
func New(kt *keys.Type, scale int) *Map {
	if scale < MinScale {
		scale = MinScale
	}
	m := &Map{kt: kt}
	m.current.Store(newGen(kt, scale))
	return m
}

func newGen(kt *keys.Type, scale int) *gen {
	if scale > maxScale {
		panic(fmt.Sprintf("htable: scale %d exceeds maximum", scale))
	}
	g := &gen{
		slots: arena.AllocZeroed(slotSize << scale),
		scale: scale,
		kt:    kt,
	}
	buckets := (1 << scale) / entriesPerBucket
	g.probes = (1<<(scale-2))/entriesPerBucket + 4
	if g.probes > maxBucketsToProbe {
		g.probes = maxBucketsToProbe
	}
	if g.probes > buckets {
		g.probes = buckets
	}
	return g
}

func (g *gen) slot(i uint64) uintptr {
	return g.slots + uintptr(i)*slotSize
}

// keyWord builds the composite key word: hash high bits over the string
// address for byte-string keys, the integer itself otherwise.
func keyWord(kt *keys.Type, h uint32, k uint64) uint64 {
	if kt == nil {
		return k
	}
	return uint64(h>>16)<<48 | k&tag.PtrMask
}

func (g *gen) keyMatches(kw uint64, h uint32, k uint64) bool {
	if g.kt == nil {
		return kw == k
	}
	if kw>>48 != uint64(h>>16) {
		return false
	}
	return keys.Cmp(g.kt, kw&tag.PtrMask, k) == 0
}

// findSlot probes for k. It returns the slot holding k, or the first empty
// slot on k's probe path (match=false), or 0 when the probe budget is
// exhausted.
func (g *gen) findSlot(h uint32, k uint64) (s uintptr, match bool) {
	mask := uint64(1)<<g.scale - 1
	buckets := (uint64(1) << g.scale) / entriesPerBucket
	b := (uint64(h) & mask) / entriesPerBucket
	stride := uint64(h>>16) | 1
	for p := 0; p < g.probes; p++ {
		base := (b % buckets) * entriesPerBucket
		for e := uint64(0); e < entriesPerBucket; e++ {
			s := g.slot(base + e)
			kw := arena.Load(s)
			if kw == 0 {
				return s, false
			}
			if g.keyMatches(kw, h, k) {
				return s, true
			}
		}
		b += stride
	}
	return 0, false
}

// Lookup returns the value mapped to k, or DoesNotExist.
func (m *Map) Lookup(k uint64) uint64 {
	h := keys.Hash(m.kt, k)
	g := m.current.Load()
	m.help(g)
	return genLookup(g, h, k)
}

func genLookup(g *gen, h uint32, k uint64) uint64 {
	for g != nil {
		s, match := g.findSlot(h, k)
		if s == 0 {
			// Probed out; the key can only live further down the chain.
			g = g.next.Load()
			continue
		}
		if !match {
			return tag.DoesNotExist
		}
		v := arena.Load(s + 8)
		if v == tag.Copied {
			g = g.next.Load()
			continue
		}
		v &^= tag.Tag1 // a frozen value is still authoritative here
		if v == tag.Tombstone || v == tag.DoesNotExist {
			return tag.DoesNotExist
		}
		return v
	}
	return tag.DoesNotExist
}

// CAS installs new under the given expectation and returns the prior value;
// new == DoesNotExist removes. Semantics match the ordered maps.
func (m *Map) CAS(k, expected, new uint64) uint64 {
	h := keys.Hash(m.kt, k)
	g := m.current.Load()
	m.help(g)
	for {
		v := g.cas(m, h, k, expected, new)
		if v != tag.Copied {
			return v
		}
		next := g.next.Load()
		if next != nil {
			g = next
		}
	}
}

// Remove unmaps k by writing a tombstone and returns the prior value.
func (m *Map) Remove(k uint64) uint64 {
	return m.CAS(k, tag.ExpectWhatever, tag.DoesNotExist)
}

// cas runs the per-generation protocol. It returns the prior value, or the
// Copied sentinel when the operation must move to the successor.
func (g *gen) cas(m *Map, h uint32, k, expected, new uint64) uint64 {
	for {
		s, match := g.findSlot(h, k)
		if s == 0 {
			// No room on this key's probe path; force a grow.
			g.startCopy()
			return tag.Copied
		}
		if !match {
			// Absent here (and, because slots never return to empty,
			// absent in every successor unless we probed out above).
			if new == tag.DoesNotExist {
				return tag.DoesNotExist
			}
			if expected != tag.ExpectWhatever && expected != tag.ExpectDoesNotExist {
				return tag.DoesNotExist
			}
			ck := keys.Clone(g.kt, k)
			if !arena.CAS(s, 0, keyWord(g.kt, h, ck)) {
				keys.Free(g.kt, ck)
				continue // lost the claim; reprobe
			}
			match = true
		}
		// The slot is ours; settle the value word.
		for {
			v := arena.Load(s + 8)
			if v == tag.Copied {
				return tag.Copied
			}
			if v&tag.Tag1 != 0 {
				// Frozen mid-copy; push it through and follow.
				m.copySlot(g, s, h)
				return tag.Copied
			}
			absent := v == tag.DoesNotExist || v == tag.Tombstone
			switch expected {
			case tag.ExpectWhatever:
			case tag.ExpectExists:
				if absent {
					return tag.DoesNotExist
				}
			case tag.ExpectDoesNotExist:
				if !absent {
					return v
				}
			default:
				if v != expected {
					if absent {
						return tag.DoesNotExist
					}
					return v
				}
			}
			nv := new
			if new == tag.DoesNotExist {
				if absent {
					return tag.DoesNotExist
				}
				nv = tag.Tombstone
			}
			if arena.CAS(s+8, v, nv) {
				if absent && nv != tag.Tombstone {
					if n := g.count.Add(1); n*2 >= int64(1)<<g.scale {
						// Half full; start the next generation before the
						// probe paths clog up.
						g.startCopy()
					}
				} else if !absent && nv == tag.Tombstone {
					g.count.Add(-1)
				}
				if absent {
					return tag.DoesNotExist
				}
				return v
			}
		}
	}
}

// startCopy links a successor generation if none exists. The new scale adds
// one doubling above 25% occupancy and another above 50%.
func (g *gen) startCopy() {
	if g.next.Load() != nil {
		return
	}
	scale := g.scale
	n := g.count.Load()
	capacity := int64(1) << g.scale
	if n*4 > capacity {
		scale++
	}
	if n*2 > capacity {
		scale++
	}
	if scale < MinScale {
		scale = MinScale
	}
	cand := newGen(g.kt, scale)
	if !g.next.CompareAndSwap(nil, cand) {
		arena.Free(cand.slots)
	}
}

// help migrates a chunk of g's slots when a copy is in progress, and swings
// the map pointer once the generation is drained.
func (m *Map) help(g *gen) {
	if g.next.Load() == nil {
		return
	}
	total := uint64(1) << g.scale
	x := g.cursor.Add(copyChunk) - copyChunk
	for i := uint64(0); i < copyChunk; i++ {
		m.copySlot(g, g.slot((x+i)%total), 0)
	}
	if x >= 2*total {
		// The cursor lapped the table twice without finishing; sweep
		// everything once to guarantee completion.
		for i := uint64(0); i < total; i++ {
			m.copySlot(g, g.slot(i), 0)
		}
	}
}

// copySlot migrates one slot and accounts the completion; the accounting
// thread that kills the last slot swings the map pointer.
func (m *Map) copySlot(g *gen, s uintptr, h uint32) {
	if !g.copyEntry(s, h) {
		return
	}
	if g.copied.Add(1) == int64(1)<<g.scale {
		m.finish(g)
	}
}

// finish swings the map pointer past the drained generation and retires its
// slot array, deferring to outstanding iterators.
func (m *Map) finish(g *gen) {
	m.current.CompareAndSwap(g, g.next.Load())
	if g.ref.CompareAndSwap(0, -1) {
		retireGen(g)
		return
	}
	g.doomed.Store(true)
	if g.ref.CompareAndSwap(0, -1) {
		retireGen(g)
	}
}

func retireGen(g *gen) {
	reclaim.Defer(g.slots)
}

// copyEntry migrates one slot into the successor chain, following the
// freeze -> install -> kill protocol. h is the key's hash if the caller
// knows it; 0 recomputes. It reports whether this call completed the
// migration of the slot.
func (g *gen) copyEntry(s uintptr, h uint32) bool {
	v := arena.Load(s + 8)
	if v == tag.Copied {
		return false
	}
	if v == tag.DoesNotExist {
		// Kill empty slots so late inserts cannot sneak behind the cursor.
		if arena.CAS(s+8, tag.DoesNotExist, tag.Copied) {
			return true
		}
		v = arena.Load(s + 8)
		if v == tag.Copied {
			return false
		}
	}
	// Freeze the live value. Freezing a tombstone yields Copied directly
	// (Tombstone|Tag1 == Copied), which kills the slot in the same step.
	for v&tag.Tag1 == 0 {
		if arena.CAS(s+8, v, v|tag.Tag1) {
			v |= tag.Tag1
			break
		}
		v = arena.Load(s + 8)
		if v == tag.Copied {
			return false
		}
	}
	if v == tag.Copied {
		// We (or a racer) froze a tombstone; the key is dead.
		if g.kt != nil {
			reclaim.Defer(uintptr(arena.Load(s) & tag.PtrMask))
		}
		return true
	}
	frozen := v &^ tag.Tag1

	kw := arena.Load(s)
	key := kw
	if g.kt != nil {
		key = kw & tag.PtrMask
	}
	if h == 0 {
		h = keys.Hash(g.kt, key)
	}

	dst := g.next.Load()
	for {
		s2, match := dst.findSlot(h, key)
		if s2 == 0 {
			// The successor is full on this probe path; grow it and move
			// deeper.
			dst.startCopy()
			dst = dst.next.Load()
			continue
		}
		if !match {
			if !arena.CAS(s2, 0, kw) {
				continue // claim lost; reprobe the successor
			}
		}
		old := arena.Load(s2 + 8)
		if old == tag.Copied {
			dst = dst.next.Load()
			continue
		}
		if old == tag.DoesNotExist {
			if arena.CAS(s2+8, tag.DoesNotExist, frozen) {
				g.count.Add(-1)
				dst.count.Add(1)
			} else if arena.Load(s2+8) == tag.Copied {
				dst = dst.next.Load()
				continue
			}
		}
		// The successor holds the authoritative value (installed by us or
		// by a racing helper, or overwritten by a newer write). Kill the
		// source.
		return arena.CAS(s+8, v, tag.Copied)
	}
}

// Count sums live entries along the generation chain.
func (m *Map) Count() uint64 {
	var n int64
	for g := m.current.Load(); g != nil; g = g.next.Load() {
		n += g.count.Load()
	}
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// Scale returns the newest generation's scale.
func (m *Map) Scale() int {
	g := m.current.Load()
	for {
		next := g.next.Load()
		if next == nil {
			return g.scale
		}
		g = next
	}
}

// Print dumps the generation chain for diagnostics.
func (m *Map) Print(out io.Writer) {
	for g := m.current.Load(); g != nil; g = g.next.Load() {
		fmt.Fprintf(out, "htable gen scale=%d count=%d copied=%d\n",
			g.scale, g.count.Load(), g.copied.Load())
		for i := uint64(0); i < uint64(1)<<g.scale; i++ {
			s := g.slot(i)
			kw := arena.Load(s)
			if kw == 0 {
				continue
			}
			fmt.Fprintf(out, "  [%4d] key=%#x val=%#x\n", i, kw, arena.Load(s+8))
		}
	}
}

// Free releases every generation. The caller must guarantee no concurrent
// access and no outstanding iterators.
func (m *Map) Free() {
	g := m.current.Load()
	for g != nil {
		if m.kt != nil {
			for i := uint64(0); i < uint64(1)<<g.scale; i++ {
				s := g.slot(i)
				kw := arena.Load(s)
				v := arena.Load(s + 8)
				if kw != 0 && v != tag.Copied {
					keys.Free(m.kt, kw&tag.PtrMask)
				}
			}
		}
		arena.Free(g.slots)
		g = g.next.Load()
	}
	m.current.Store(nil)
}
