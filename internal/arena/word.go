package arena

import (
	"sync/atomic"
	"unsafe"
)

// Word access helpers. Every shared mutable word in the library lives inside
// an arena slab and is addressed by a uintptr that fits in 48 bits. These
// wrappers are the only place the uintptr is turned back into a pointer; the
// slab registry keeps the backing memory reachable, so the conversion cannot
// outlive the allocation.
//
// atomic read-modify-write operations are full barriers on amd64; plain
// atomic loads and stores provide the acquire/release pairing the publish
// protocol needs on a TSO machine.

// Load atomically reads the 64-bit word at p.
func Load(p uintptr) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(p)))
}

// Store atomically writes v to the 64-bit word at p.
func Store(p uintptr, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(p)), v)
}

// CAS atomically compares-and-swaps the word at p.
func CAS(p uintptr, old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(p)), old, new)
}

// Swap atomically exchanges the word at p, returning the previous value.
func Swap(p uintptr, v uint64) uint64 {
	return atomic.SwapUint64((*uint64)(unsafe.Pointer(p)), v)
}

// Add atomically adds d to the word at p, returning the new value.
func Add(p uintptr, d uint64) uint64 {
	return atomic.AddUint64((*uint64)(unsafe.Pointer(p)), d)
}

// Bytes exposes n bytes starting at p as a slice.
func Bytes(p uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), n)
}
