package reclaim

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/dreamware/nbmap/internal/threadid"
)

// Quiescent-state reclamation.
//
// Thread i keeps a local clock. At each Quiesce it posts a token carrying the
// incremented clock to its right neighbor in the ring of registered threads,
// and relays every other thread's newest token the same way. A token
// originated by i that arrives back at i proves that every thread in the
// ring passed a quiescent point after the token was posted, so blocks
// deferred before that post can no longer be referenced.
//
// ring[i][j] is the newest token originated by j that has reached thread i.
// Slot [i][j] is written only by i's left neighbor (and by j itself when
// posting to its right neighbor), always monotonically, so plain atomic
// loads and stores suffice.

type rcuThread struct {
	clock   uint64
	pending []deferred // FIFO; stamps are nondecreasing
	_       cpu.CacheLinePad
}

var (
	rcuThreads [threadid.MaxThreads]rcuThread
	rcuRing    [threadid.MaxThreads][threadid.MaxThreads]atomic.Uint64
)

// rcuDefer stamps the block with the token that the next Quiesce will post.
// The block becomes free only after that token completes a loop.
func rcuDefer(tid int, p uintptr, free func(uintptr)) {
	t := &rcuThreads[tid]
	t.pending = append(t.pending, deferred{ptr: p, free: free, stamp: t.clock + 1})
}

func rcuQuiesce(tid int) {
	t := &rcuThreads[tid]

	// Free everything whose token has come back around.
	safe := rcuRing[tid][tid].Load()
	n := 0
	for n < len(t.pending) && t.pending[n].stamp <= safe {
		t.pending[n].free(t.pending[n].ptr)
		n++
	}
	if n > 0 {
		t.pending = append(t.pending[:0], t.pending[n:]...)
	}

	count := threadid.Count()
	next := (tid + 1) % count

	// Relay the other threads' tokens rightward.
	for j := 0; j < count; j++ {
		if j == tid {
			continue
		}
		v := rcuRing[tid][j].Load()
		if v > rcuRing[next][j].Load() {
			rcuRing[next][j].Store(v)
		}
	}

	// Post a fresh token of our own.
	t.clock++
	rcuRing[next][tid].Store(t.clock)
}

func rcuDrain(tid int) {
	t := &rcuThreads[tid]
	for _, d := range t.pending {
		d.free(d.ptr)
	}
	t.pending = t.pending[:0]
}
