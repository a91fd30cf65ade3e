// Package arena provides thread-local fast allocation of untyped aligned
// blocks addressed by 48-bit words.
//
// Nodes, strings, hash-table slot arrays, and transaction records are all
// linked through tagged 64-bit words, which hide the references from the Go
// garbage collector. The arena therefore owns the backing memory outright: it
// carves blocks out of large slab regions that a global registry keeps
// reachable for the life of the process, and recycles freed blocks through
// per-thread free lists. A block is never returned to the Go heap.
//
// Allocation is bucketed by power-of-two size class. Each registered thread
// owns one pool per class with a private free list, a cross-thread inbound
// stack for blocks freed by other threads, and a bump cursor into the
// thread's current region for that class. A region holds blocks of a single
// (owner, class) pair, and its header - owner and class - is published in a
// fixed open-addressed table keyed by the region-granular top bits of the
// block address, so Free can route any block back to its origin without
// per-block headers.
//
// The allocator itself is not a concurrency concern of the maps: private
// pool state is strictly single-writer, and the only shared words are the
// inbound stacks (CAS push by foreigners, atomic swap drain by the owner)
// and the header table (CAS publish, read-only after).
package arena

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"

	"github.com/dreamware/nbmap/internal/tag"
	"github.com/dreamware/nbmap/internal/threadid"
)

const (
	// CacheLine is the alignment granted to every block of at least this
	// size. Regions are region-aligned, so any power-of-two class >= 64
	// bytes lands on a cache-line boundary for free.
	CacheLine = 64

	regionScale = 21 // 2 MiB regions
	regionSize  = 1 << regionScale

	// Classes up to one below the region scale share pooled regions; a
	// larger block gets a dedicated region of its own size, which keeps
	// every region a whole number of header windows.
	minClass     = 4 // 16-byte blocks; room for the free-list link
	maxPoolClass = regionScale - 1
	maxClass     = 30 // 1 GiB; anything larger is fatal

	headerTableSize = 1 << 16
	maxSlabs        = 1 << 16
)

// class is the per-thread state for one size class. Only the owning thread
// touches free, chunk, and chunkEnd; inbound takes CAS pushes from any
// thread and an atomic drain by the owner.
type class struct {
	free     uintptr
	chunk    uintptr
	chunkEnd uintptr
	carved   atomic.Uint64
	inbound  atomic.Uint64
	_        cpu.CacheLinePad
}

type pool struct {
	classes [maxClass + 1]class
}

var pools [threadid.MaxThreads]pool

// headers is the region header table. An entry packs the region key (the
// block address shifted right by regionScale, at most 27 bits under the
// 48-bit address ceiling) with the owner index and size class:
//
//	key<<16 | owner<<8 | class
//
// Entries are published with a single CAS and are immutable afterwards;
// region memory is recycled through the owner's pools, never unregistered.
var headers [headerTableSize]atomic.Uint64

// slabs pins every region's backing array so the garbage collector cannot
// reclaim memory that is still reachable through tagged words.
var (
	slabs      [maxSlabs]atomic.Pointer[[]byte]
	slabCursor atomic.Int64
	slabBytes  atomic.Uint64
)

// Alloc returns a block of at least n bytes from the calling thread's pool.
// The block contents are unspecified; callers initialize every field before
// publishing a pointer to it. Exhaustion of the region tables is fatal.
func Alloc(n int) uintptr {
	tid := threadid.Current()
	c := classOf(n)
	cl := &pools[tid].classes[c]

	// Private free list first.
	if p := cl.free; p != 0 {
		cl.free = uintptr(Load(p))
		return p
	}
	// Then blocks other threads have returned to us.
	if h := cl.inbound.Swap(0); h != 0 {
		p := uintptr(h)
		cl.free = uintptr(Load(p))
		return p
	}
	// Then the bump cursor in the current region.
	size := uintptr(1) << c
	if cl.chunk != 0 && cl.chunk+size <= cl.chunkEnd {
		p := cl.chunk
		cl.chunk += size
		cl.carved.Add(1)
		return p
	}
	newRegion(tid, c, cl)
	p := cl.chunk
	cl.chunk += size
	cl.carved.Add(1)
	return p
}

// AllocZeroed is Alloc with the block cleared. Fresh regions are already
// zero; recycled blocks are cleared here.
func AllocZeroed(n int) uintptr {
	p := Alloc(n)
	clear(Bytes(p, n))
	return p
}

// Free returns a block to its originating thread's pool. Freeing from the
// owner pushes onto the private list; freeing from any other thread pushes
// onto the owner's inbound stack with a CAS.
func Free(p uintptr) {
	owner, c := lookup(p)
	cl := &pools[owner].classes[c]
	if owner == threadid.Current() {
		Store(p, uint64(cl.free))
		cl.free = p
		return
	}
	for {
		h := cl.inbound.Load()
		Store(p, h)
		if cl.inbound.CompareAndSwap(h, uint64(p)) {
			return
		}
	}
}

// BlockSize returns the usable size of the block at p.
func BlockSize(p uintptr) int {
	_, c := lookup(p)
	return 1 << c
}

// Stats describes the arena's footprint.
type Stats struct {
	SlabBytes uint64               // bytes reserved from the Go heap
	Carved    [maxClass + 1]uint64 // blocks carved per class, all threads
}

// ReadStats sums allocator counters across all threads. The numbers are
// approximate under concurrent allocation.
func ReadStats() Stats {
	var s Stats
	s.SlabBytes = slabBytes.Load()
	for t := range pools {
		for c := range pools[t].classes {
			s.Carved[c] += pools[t].classes[c].carved.Load()
		}
	}
	return s
}

func classOf(n int) int {
	if n <= 0 {
		panic("arena: non-positive allocation")
	}
	if n <= 1<<minClass {
		return minClass
	}
	c := bits.Len(uint(n - 1))
	if c > maxClass {
		panic(fmt.Sprintf("arena: allocation of %d bytes exceeds maximum class", n))
	}
	return c
}

// newRegion reserves a fresh region for (tid, c), registers its header, and
// points the class's bump cursor at it. Classes above maxPoolClass get a
// dedicated region holding exactly one block.
func newRegion(tid, c int, cl *class) {
	size := uintptr(regionSize)
	if c > maxPoolClass {
		size = uintptr(1) << c
	}
	mem := make([]byte, size+regionSize)
	base := (uintptr(unsafe.Pointer(&mem[0])) + regionSize - 1) &^ (regionSize - 1)
	if uint64(base+size)&^tag.PtrMask != 0 {
		panic("arena: region outside the 48-bit address space")
	}

	i := slabCursor.Add(1) - 1
	if i >= maxSlabs {
		panic("arena: slab registry exhausted")
	}
	slabs[i].Store(&mem)
	slabBytes.Add(uint64(size + regionSize))

	for w := base >> regionScale; w < (base+size)>>regionScale; w++ {
		publishHeader(w, tid, c)
	}
	cl.chunk = base
	cl.chunkEnd = base + size
}

func publishHeader(key uintptr, owner, c int) {
	e := uint64(key)<<16 | uint64(owner)<<8 | uint64(c)
	i := headerIndex(key)
	for n := 0; n < headerTableSize; n++ {
		if headers[i].CompareAndSwap(0, e) {
			return
		}
		if headers[i].Load()>>16 == uint64(key) {
			panic("arena: duplicate region header")
		}
		i = (i + 1) % headerTableSize
	}
	panic("arena: region header table exhausted")
}

func lookup(p uintptr) (owner, c int) {
	key := p >> regionScale
	i := headerIndex(key)
	for n := 0; n < headerTableSize; n++ {
		e := headers[i].Load()
		if e == 0 {
			break
		}
		if e>>16 == uint64(key) {
			return int(e >> 8 & 0xff), int(e & 0xff)
		}
		i = (i + 1) % headerTableSize
	}
	panic("arena: free of a block the arena does not own")
}

func headerIndex(key uintptr) int {
	return int((uint64(key) * 11400714819323198485) % headerTableSize)
}
