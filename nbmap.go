package nbmap

import (
	"errors"
	"io"

	"github.com/dreamware/nbmap/internal/arena"
	"github.com/dreamware/nbmap/internal/htable"
	"github.com/dreamware/nbmap/internal/keys"
	"github.com/dreamware/nbmap/internal/mlist"
	"github.com/dreamware/nbmap/internal/reclaim"
	"github.com/dreamware/nbmap/internal/skiplist"
	"github.com/dreamware/nbmap/internal/tag"
	"github.com/dreamware/nbmap/internal/threadid"
)

// Kind selects a map implementation.
type Kind int

const (
	// List is the lock-free ordered linked list.
	List Kind = iota + 1
	// Skiplist is the lock-free multi-level ordered map.
	Skiplist
	// HashTable is the lock-free resizable open-addressed table.
	HashTable
)

// ErrInvalidKind is returned by New for an unknown Kind.
var ErrInvalidKind = errors.New("nbmap: invalid map kind")

func (k Kind) String() string {
	switch k {
	case List:
		return "list"
	case Skiplist:
		return "skiplist"
	case HashTable:
		return "hashtable"
	}
	return "invalid"
}

// KeyType describes non-integer keys; see ByteStringKeys.
type KeyType = keys.Type

// ByteStringKeys makes a map treat key words as addresses of immutable
// length-prefixed byte strings (see MakeKey). A nil key type means integer
// keys.
var ByteStringKeys = keys.ByteString

// Reserved values and expectation sentinels, bit-exact across the library.
const (
	DoesNotExist = tag.DoesNotExist
	Tombstone    = tag.Tombstone
	Copied       = tag.Copied
	Tag1         = tag.Tag1
	Tag2         = tag.Tag2

	ExpectDoesNotExist = tag.ExpectDoesNotExist
	ExpectExists       = tag.ExpectExists
	ExpectWhatever     = tag.ExpectWhatever

	ErrorInvalidArgument    = tag.ErrorInvalidArgument
	ErrorInvalidOption      = tag.ErrorInvalidOption
	ErrorUnsupportedFeature = tag.ErrorUnsupportedFeature
	ErrorTxnNotRunning      = tag.ErrorTxnNotRunning
)

// Map is the polymorphic façade over one of the three implementations.
// All methods are safe for concurrent use by registered threads.
type Map struct {
	kind Kind
	kt   *KeyType
	list *mlist.Map
	sl   *skiplist.Map
	ht   *htable.Map
}

// New allocates a map of the given kind. kt is nil for integer keys or
// ByteStringKeys for byte-string keys.
func New(kind Kind, kt *KeyType) (*Map, error) {
	m := &Map{kind: kind, kt: kt}
	switch kind {
	case List:
		m.list = mlist.New(kt)
	case Skiplist:
		m.sl = skiplist.New(kt)
	case HashTable:
		m.ht = htable.New(kt, htable.MinScale)
	default:
		return nil, ErrInvalidKind
	}
	return m, nil
}

// RegisterThread binds the calling goroutine to its OS thread and returns
// the dense thread index the runtime keys its per-thread state by. It must
// be called before any other operation on this package.
func RegisterThread() int { return threadid.Register() }

// Quiesce announces that the calling thread holds no references into any
// map. Under RCU reclamation this is what lets detached nodes be freed.
func Quiesce() { reclaim.Quiesce() }

// ReclaimScheme selects how detached nodes are reclaimed.
type ReclaimScheme = reclaim.Scheme

// Reclamation schemes.
const (
	ReclaimRCU    = reclaim.RCU
	ReclaimHazard = reclaim.Hazard
)

// SetReclaimScheme selects the reclamation engine. Call it once, before any
// map is created.
func SetReclaimScheme(s ReclaimScheme) { reclaim.SetScheme(s) }

// MakeKey copies b into an immutable length-prefixed byte string and
// returns its key word. The caller owns the key and releases it with
// ReleaseKey; maps clone keys they retain.
func MakeKey(b []byte) uint64 { return uint64(arena.AllocString(b)) }

// KeyBytes returns the bytes of a byte-string key word.
func KeyBytes(k uint64) []byte { return arena.StringBytes(uintptr(k & tag.PtrMask)) }

// ReleaseKey frees a key created with MakeKey.
func ReleaseKey(k uint64) { arena.Free(uintptr(k & tag.PtrMask)) }

// badKey reports key words a map cannot store: the integer key 0 is
// indistinguishable from an empty hash-table slot.
func (m *Map) badKey(k uint64) bool {
	return m.kind == HashTable && m.kt == nil && k == 0
}

// Get returns the value mapped to k, or DoesNotExist.
func (m *Map) Get(k uint64) uint64 {
	if m.badKey(k) {
		return ErrorInvalidArgument
	}
	switch m.kind {
	case List:
		return m.list.Lookup(k)
	case Skiplist:
		return m.sl.Lookup(k)
	default:
		return m.ht.Lookup(k)
	}
}

// Set maps k to v unconditionally and returns the prior value, or
// DoesNotExist if k was absent.
func (m *Map) Set(k, v uint64) uint64 { return m.CAS(k, ExpectWhatever, v) }

// Add maps k to v only if k is absent. It returns DoesNotExist on success
// and the existing value on conflict.
func (m *Map) Add(k, v uint64) uint64 { return m.CAS(k, ExpectDoesNotExist, v) }

// Replace maps k to v only if k is present. It returns the prior value on
// success and DoesNotExist on conflict.
func (m *Map) Replace(k, v uint64) uint64 { return m.CAS(k, ExpectExists, v) }

// CAS maps k to v if the current value meets expected - an exact prior
// value or one of the Expect sentinels - and returns the observed prior
// value. The caller detects a miss by comparing the return against its
// expectation.
func (m *Map) CAS(k, expected, v uint64) uint64 {
	if m.badKey(k) || v == DoesNotExist || v&Tag1 != 0 || v == Tombstone {
		return ErrorInvalidArgument
	}
	switch m.kind {
	case List:
		return m.list.CAS(k, expected, v)
	case Skiplist:
		return m.sl.CAS(k, expected, v)
	default:
		return m.ht.CAS(k, expected, v)
	}
}

// Remove unmaps k and returns the prior value, or DoesNotExist.
func (m *Map) Remove(k uint64) uint64 {
	if m.badKey(k) {
		return ErrorInvalidArgument
	}
	switch m.kind {
	case List:
		return m.list.Remove(k)
	case Skiplist:
		return m.sl.Remove(k)
	default:
		return m.ht.Remove(k)
	}
}

// Count returns the number of live entries. The hash table tracks it in
// O(1); the ordered maps walk their chain. Under concurrent mutation the
// result is approximate.
func (m *Map) Count() uint64 {
	switch m.kind {
	case List:
		return m.list.Count()
	case Skiplist:
		return m.sl.Count()
	default:
		return m.ht.Count()
	}
}

// MinKey returns the smallest live key of an ordered map. On a hash table
// it returns ErrorUnsupportedFeature; on an empty map, DoesNotExist.
func (m *Map) MinKey() uint64 {
	switch m.kind {
	case Skiplist:
		if k, ok := m.sl.MinKey(); ok {
			return k
		}
		return DoesNotExist
	case List:
		it := m.list.IterBegin(DoesNotExist)
		k, v := it.Next()
		it.Free()
		if v == DoesNotExist {
			return DoesNotExist
		}
		return k
	default:
		return ErrorUnsupportedFeature
	}
}

// Print dumps the map's physical structure for diagnostics.
func (m *Map) Print(out io.Writer) {
	switch m.kind {
	case List:
		m.list.Print(out)
	case Skiplist:
		m.sl.Print(out)
	default:
		m.ht.Print(out)
	}
}

// Free releases the map. The caller must guarantee no concurrent access and
// no outstanding iterators; values the caller stored are not interpreted.
func (m *Map) Free() {
	switch m.kind {
	case List:
		m.list.Free()
	case Skiplist:
		m.sl.Free()
	default:
		m.ht.Free()
	}
	m.kind = 0
}
