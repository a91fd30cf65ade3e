// Package txn composes atomic multi-key updates over any nbmap.Map with
// multi-version timestamp-ordered optimistic concurrency.
//
// Updates for a key form a newest-first chain of versioned records stored
// in the map's value slot: a word with Tag2 set points at the chain, an
// untagged word is a committed value inline. A record's version is either a
// committed timestamp or, while its transaction runs, a Tag1-tagged pointer
// to the transaction's shared record.
//
// Every timestamp comes from one monotonic counter. A transaction snapshots
// the counter at begin (its read timestamp) and, at commit, takes a fresh
// value as its write timestamp, validates that no other transaction
// committed a conflicting write in between, and then publishes its records
// by replacing their version fields. Validation never blocks: a transaction
// that finds another mid-validation helps it finish instead of waiting.
//
// The package keeps two process-wide singletons, the version counter and
// the skiplist of active read timestamps; both initialize on first Begin.
// Drop every transaction before tearing a map down.
package txn

import (
	"sync"
	"sync/atomic"

	"github.com/dreamware/nbmap"
	"github.com/dreamware/nbmap/internal/arena"
	"github.com/dreamware/nbmap/internal/reclaim"
	"github.com/dreamware/nbmap/internal/skiplist"
	"github.com/dreamware/nbmap/internal/tag"
)

// Access declares what a transaction will do.
type Access int

const (
	// ReadWrite transactions read and write.
	ReadWrite Access = iota
	// ReadOnly transactions allocate no write set and commit trivially.
	ReadOnly
	// BlindWrite is accepted for callers that declare write-only intent;
	// it behaves as ReadWrite.
	BlindWrite
)

// Isolation selects the read snapshot discipline.
type Isolation int

const (
	// RepeatableRead reads a fixed snapshot taken at Begin.
	RepeatableRead Isolation = iota
	// ReadCommitted re-snapshots the version counter on every Get.
	ReadCommitted
	// SnapshotIsolation is the guarantee RepeatableRead already provides;
	// the two are distinct names for the same discipline here.
	SnapshotIsolation
)

// Status is a commit outcome.
type Status int

const (
	// Validated: the transaction committed.
	Validated Status = iota + 1
	// Aborted: a conflicting commit was observed, or Abort was called.
	Aborted
)

// AbortedVersion marks a record whose transaction aborted.
const AbortedVersion = tag.Tag1

// Transaction states, stored in the shared record.
const (
	stateRunning uint64 = iota + 1
	stateValidating
	stateValidated
	stateAborted
)

// Update record layout: next (the displaced slot word), version, value.
const (
	uNext    = 0
	uVersion = 8
	uValue   = 16
	uSize    = 24
)

// Shared transaction record layout. Everything a helping validator needs
// lives here, reachable from any of the transaction's update records.
const (
	rState     = 0
	rReadTS    = 8
	rWriteTS   = 16 // 0 while undetermined
	rWrites    = 24 // write-set block address
	rWritesLen = 32
	rSize      = 40
)

// Write-set entries are {key, record address} pairs.
const writeEntrySize = 16

var (
	initOnce      sync.Once
	globalVersion atomic.Uint64
	activeMap     *skiplist.Map
)

func stmInit() {
	initOnce.Do(func() {
		globalVersion.Store(1)
		activeMap = skiplist.New(nil)
	})
}

// Txn is a transaction handle. It is owned by the thread that began it;
// only the shared record behind it is touched by helpers.
type Txn struct {
	m         *nbmap.Map
	rec       uintptr
	access    Access
	isolation Isolation
	readTS    uint64
	wcap      int
	done      bool // owner-side guard; the shared record is retired after commit/abort
}

// Begin starts a transaction over m. The calling thread must be registered.
func Begin(access Access, isolation Isolation, m *nbmap.Map) *Txn {
	stmInit()
	var readTS uint64
	for {
		readTS = globalVersion.Load()
		activeAcquire(readTS)
		if globalVersion.Load() == readTS {
			break
		}
		// The counter moved between the snapshot and the acquire; the
		// entry we bumped may be stale, so back out and retry.
		activeRelease(readTS)
	}

	rec := arena.Alloc(rSize)
	arena.Store(rec+rState, stateRunning)
	arena.Store(rec+rReadTS, readTS)
	arena.Store(rec+rWriteTS, 0)
	arena.Store(rec+rWrites, 0)
	arena.Store(rec+rWritesLen, 0)

	return &Txn{m: m, rec: rec, access: access, isolation: isolation, readTS: readTS}
}

func (t *Txn) state() uint64 { return arena.Load(t.rec + rState) }

// Commit validates the transaction and publishes or discards its records.
func (t *Txn) Commit() Status {
	if t.done || !arena.CAS(t.rec+rState, stateRunning, stateValidating) {
		return Aborted
	}
	t.done = true
	if t.access == ReadOnly || arena.Load(t.rec+rWritesLen) == 0 {
		arena.CAS(t.rec+rState, stateValidating, stateValidated)
		t.finish()
		return Validated
	}
	validateTxn(t.m, t.rec)
	st := t.state()
	t.writeback(st == stateValidated)
	t.finish()
	if st == stateValidated {
		return Validated
	}
	return Aborted
}

// Abort discards the transaction's records.
func (t *Txn) Abort() {
	if t.done || !arena.CAS(t.rec+rState, stateRunning, stateAborted) {
		return
	}
	t.done = true
	t.writeback(false)
	t.finish()
}

// writeback replaces each record's transaction pointer with its final
// version: the write timestamp on commit, AbortedVersion otherwise. After
// this pass nothing in any chain references the shared record.
func (t *Txn) writeback(committed bool) {
	final := AbortedVersion
	if committed {
		final = arena.Load(t.rec + rWriteTS)
	}
	wp := uintptr(arena.Load(t.rec + rWrites))
	n := arena.Load(t.rec + rWritesLen)
	for i := uintptr(0); i < uintptr(n); i++ {
		u := uintptr(arena.Load(wp + i*writeEntrySize + 8))
		arena.CAS(u+uVersion, tag.Tag1|uint64(t.rec), final)
	}
}

// finish releases the read timestamp and retires the shared record; late
// readers that captured a tagged version word may still dereference it
// until a grace period passes.
func (t *Txn) finish() {
	activeRelease(t.readTS)
	if wp := uintptr(arena.Load(t.rec + rWrites)); wp != 0 {
		reclaim.Defer(wp)
	}
	reclaim.Defer(t.rec)
}

// appendWrite records (k, u) in the arena-resident write set so helpers can
// replay validation. Only the owner appends, and helpers read the set only
// after the state leaves stateRunning, so plain stores suffice.
func (t *Txn) appendWrite(k uint64, u uintptr) {
	n := int(arena.Load(t.rec + rWritesLen))
	wp := uintptr(arena.Load(t.rec + rWrites))
	if n == t.wcap {
		ncap := t.wcap * 2
		if ncap == 0 {
			ncap = 8
		}
		np := arena.Alloc(ncap * writeEntrySize)
		if wp != 0 {
			copy(arena.Bytes(np, n*writeEntrySize), arena.Bytes(wp, n*writeEntrySize))
			arena.Free(wp)
		}
		arena.Store(t.rec+rWrites, uint64(np))
		t.wcap = ncap
		wp = np
	}
	e := wp + uintptr(n)*writeEntrySize
	arena.Store(e, k)
	arena.Store(e+8, uint64(u))
	arena.Store(t.rec+rWritesLen, uint64(n+1))
}

// Active read-timestamp tracking. The skiplist maps a version in use to its
// reference count plus one (the map cannot store zero), and its smallest
// referenced key bounds how far record chains may be trimmed.

func activeAcquire(v uint64) {
	for {
		c := activeMap.Lookup(v)
		if c == tag.DoesNotExist {
			if activeMap.CAS(v, tag.ExpectDoesNotExist, 2) == tag.DoesNotExist {
				return
			}
			continue
		}
		if activeMap.CAS(v, c, c+1) == c {
			return
		}
	}
}

func activeRelease(v uint64) {
	for {
		c := activeMap.Lookup(v)
		if c == tag.DoesNotExist || c <= 1 {
			return
		}
		if c == 2 && v != globalVersion.Load() {
			// Dropping to zero refs on a superseded version; no new
			// acquire can target it, so the entry can go.
			activeMap.Remove(v)
			return
		}
		if activeMap.CAS(v, c, c-1) == c {
			return
		}
	}
}

// minActiveVersion returns the smallest read timestamp still referenced,
// sweeping out zero-ref entries left behind on the then-current version.
func minActiveVersion() uint64 {
	it := activeMap.IterBegin(tag.DoesNotExist)
	defer it.Free()
	for {
		k, c := it.Next()
		if c == tag.DoesNotExist {
			return globalVersion.Load()
		}
		if c >= 2 {
			return k
		}
		if k != globalVersion.Load() {
			activeMap.Remove(k)
		}
	}
}
