// Package keys defines the key-type descriptor shared by the map
// implementations.
//
// A key is a single 64-bit word. With a nil descriptor the word is the key
// itself (an integer); with a descriptor it is the address of an immutable
// length-prefixed byte string in the arena, and the descriptor supplies the
// hash, comparison, and ownership operations the containers need.
package keys

import (
	"bytes"
	"encoding/binary"

	"github.com/spaolacci/murmur3"

	"github.com/dreamware/nbmap/internal/arena"
)

// Type describes how a container treats its key words. All function fields
// must be non-nil.
type Type struct {
	// Hash maps a key to 32 bits.
	Hash func(k uint64) uint32
	// Cmp orders two keys; negative, zero, positive like bytes.Compare.
	Cmp func(a, b uint64) int
	// Clone copies a caller-owned key into a container-owned one.
	Clone func(k uint64) uint64
	// Free releases a container-owned key.
	Free func(k uint64)
}

// ByteString keys are arena string blocks hashed with murmur3 and ordered
// bytewise.
var ByteString = &Type{
	Hash: func(k uint64) uint32 {
		return murmur3.Sum32(arena.StringBytes(uintptr(k)))
	},
	Cmp: func(a, b uint64) int {
		return bytes.Compare(arena.StringBytes(uintptr(a)), arena.StringBytes(uintptr(b)))
	},
	Clone: func(k uint64) uint64 {
		return uint64(arena.AllocString(arena.StringBytes(uintptr(k))))
	},
	Free: func(k uint64) {
		arena.Free(uintptr(k))
	},
}

// Hash hashes k under kt; integer keys hash their little-endian bytes so the
// hash table sees the same distribution for both key kinds.
func Hash(kt *Type, k uint64) uint32 {
	if kt == nil {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], k)
		return murmur3.Sum32(b[:])
	}
	return kt.Hash(k)
}

// Cmp orders a and b under kt.
func Cmp(kt *Type, a, b uint64) int {
	if kt == nil {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	}
	return kt.Cmp(a, b)
}

// Clone copies a caller-owned key for the container.
func Clone(kt *Type, k uint64) uint64 {
	if kt == nil {
		return k
	}
	return kt.Clone(k)
}

// Free releases a container-owned key.
func Free(kt *Type, k uint64) {
	if kt != nil {
		kt.Free(k)
	}
}
