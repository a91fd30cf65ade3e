// Package threadid assigns each participating OS thread a dense small index
// in [0, MaxThreads).
//
// The allocator and the reclamation engines keep fixed-size per-thread arrays
// indexed by this value, so the index must be small, dense, and stable for
// the life of the thread. Go offers no goroutine-local storage, so Register
// pins the calling goroutine to its OS thread with runtime.LockOSThread and
// keys the index by the kernel thread id. Indices of departed threads are
// not recycled.
//
// Every goroutine must call Register before touching a map or a transaction;
// the lookup on the hot path is a single gettid plus one probe into a
// CAS-published table.
package threadid

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// MaxThreads bounds the number of registered threads. Per-thread state across
// the library (allocator pools, reclamation rings, hazard slots) is sized by
// this constant.
const MaxThreads = 64

// slotTableSize is the capacity of the tid lookup table. It stays well above
// MaxThreads so probes terminate quickly.
const slotTableSize = 1024

// Each slot packs a kernel tid (high 32 bits) with its assigned index (low
// 32 bits) so a slot is claimed and published in one CAS.
var (
	slots [slotTableSize]atomic.Uint64
	next  atomic.Int64
)

func pack(tid int64, index int64) uint64 { return uint64(tid)<<32 | uint64(index) }

// Register binds the calling goroutine to its OS thread and returns the dense
// index assigned to that thread. Calling Register again on a registered
// thread returns the same index. The goroutine stays locked to its thread;
// unlocking it would let the runtime migrate it onto a thread with a
// different (or no) index.
func Register() int {
	runtime.LockOSThread()
	tid := int64(unix.Gettid())
	i := probe(tid)
	for {
		cur := slots[i].Load()
		if cur != 0 {
			if int64(cur>>32) == tid {
				return int(cur & 0xffffffff)
			}
			i = (i + 1) % slotTableSize
			continue
		}
		idx := next.Add(1) - 1
		if idx >= MaxThreads {
			panic(fmt.Sprintf("threadid: more than %d threads registered", MaxThreads))
		}
		if slots[i].CompareAndSwap(0, pack(tid, idx)) {
			return int(idx)
		}
		// Lost the slot to a concurrent registration; the drawn index is
		// burned, keep probing with a fresh one.
	}
}

// Current returns the index of the calling thread. The thread must have been
// registered; operating on a map from an unregistered thread is a programming
// error and panics.
func Current() int {
	tid := int64(unix.Gettid())
	i := probe(tid)
	for n := 0; n < slotTableSize; n++ {
		cur := slots[i].Load()
		if cur == 0 {
			break
		}
		if int64(cur>>32) == tid {
			return int(cur & 0xffffffff)
		}
		i = (i + 1) % slotTableSize
	}
	panic("threadid: thread not registered")
}

// Count returns the number of indices handed out so far.
func Count() int {
	n := next.Load()
	if n > MaxThreads {
		n = MaxThreads
	}
	return int(n)
}

func probe(tid int64) int {
	// Fibonacci hashing spreads consecutive kernel tids across the table.
	return int((uint64(tid) * 11400714819323198485) % slotTableSize)
}
