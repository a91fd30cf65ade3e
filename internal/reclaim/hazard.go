package reclaim

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/dreamware/nbmap/internal/arena"
	"github.com/dreamware/nbmap/internal/tag"
	"github.com/dreamware/nbmap/internal/threadid"
)

// Hazard-pointer reclamation.
//
// Each thread owns a small fixed set of static slots - enough for the
// deepest traversal window any map needs - plus a growable chain of dynamic
// slots for callers that pin more than that. A reader publishes a pointer
// before dereferencing it and re-reads the source word to confirm the
// publication did not race with a retirement. A retiring thread whose list
// passes the scan threshold snapshots every slot of every thread and frees
// the retired blocks no snapshot entry protects.

const (
	// HazStaticSlots is the number of static hazard slots per thread.
	HazStaticSlots = 8

	hazScanThreshold = 128
)

// DynSlot is a dynamically allocated hazard slot. Slots are never reclaimed
// or reused: a thread that stops using one clears it, the cleared slot stays
// in the thread's chain, and AllocDynSlot always links a fresh one.
type DynSlot struct {
	v    atomic.Uint64
	next *DynSlot
}

// Set publishes p in the slot.
func (s *DynSlot) Set(p uintptr) { s.v.Store(uint64(p)) }

// Clear releases the slot.
func (s *DynSlot) Clear() { s.v.Store(0) }

type hazThread struct {
	slots   [HazStaticSlots]atomic.Uint64
	dyn     atomic.Pointer[DynSlot]
	retired []deferred
	_       cpu.CacheLinePad
}

var hazThreads [threadid.MaxThreads]hazThread

// AllocDynSlot hands the calling thread a fresh dynamic slot, published so
// scanning threads observe it.
func AllocDynSlot() *DynSlot {
	t := &hazThreads[threadid.Current()]
	s := &DynSlot{next: t.dyn.Load()}
	t.dyn.Store(s)
	return s
}

func hazProtect(tid, slot int, src uintptr) uint64 {
	t := &hazThreads[tid]
	for {
		w := arena.Load(src)
		t.slots[slot].Store(w & tag.PtrMask)
		// The store above is a full barrier on amd64, so the re-read below
		// cannot be satisfied before the publication is visible.
		if arena.Load(src) == w {
			return w
		}
	}
}

func hazPublish(tid, slot int, p uintptr) {
	hazThreads[tid].slots[slot].Store(uint64(p))
}

func hazClear(tid, slot int) {
	hazThreads[tid].slots[slot].Store(0)
}

func hazClearAll(tid int) {
	t := &hazThreads[tid]
	for i := range t.slots {
		t.slots[i].Store(0)
	}
}

func hazDefer(tid int, p uintptr, free func(uintptr)) {
	t := &hazThreads[tid]
	t.retired = append(t.retired, deferred{ptr: p, free: free})
	if len(t.retired) >= hazScanThreshold {
		hazScan(tid)
	}
}

// hazScan snapshots every hazard slot across all threads and frees the
// calling thread's retired blocks that no slot protects.
func hazScan(tid int) {
	protected := make(map[uintptr]struct{}, threadid.Count()*HazStaticSlots)
	for i := 0; i < threadid.Count(); i++ {
		o := &hazThreads[i]
		for j := range o.slots {
			if v := o.slots[j].Load(); v != 0 {
				protected[uintptr(v)] = struct{}{}
			}
		}
		for s := o.dyn.Load(); s != nil; s = s.next {
			if v := s.v.Load(); v != 0 {
				protected[uintptr(v)] = struct{}{}
			}
		}
	}

	t := &hazThreads[tid]
	kept := t.retired[:0]
	for _, d := range t.retired {
		if _, held := protected[d.ptr]; held {
			kept = append(kept, d)
			continue
		}
		d.free(d.ptr)
	}
	t.retired = kept
}

func hazDrain(tid int) {
	t := &hazThreads[tid]
	for _, d := range t.retired {
		d.free(d.ptr)
	}
	t.retired = t.retired[:0]
}
