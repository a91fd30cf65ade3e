// Package reclaim defers freeing of blocks detached from live lock-free
// structures until no thread can still be dereferencing them.
//
// The maps depend on a single primitive: Defer (or DeferFree with a custom
// release function) returns immediately, the block must already be
// unreachable to new operations, and the release runs exactly once at some
// later safe point. Two interchangeable engines provide that guarantee:
//
//   - Quiescent-state RCU (the default): each thread periodically announces
//     a quiescent point with Quiesce; a token ring across registered threads
//     establishes grace periods. Nothing is freed on a thread that never
//     quiesces, so long-running read loops must call Quiesce between
//     operations (the benchmark driver does).
//
//   - Hazard pointers: readers publish each pointer before dereferencing it
//     via Protect; retiring threads scan all published slots once their
//     retired list passes a threshold and free whatever no reader holds.
//
// Under RCU, Protect degenerates to a plain atomic load, so traversal code
// is written once against Protect/Clear and runs under either engine.
package reclaim

import (
	"github.com/dreamware/nbmap/internal/arena"
	"github.com/dreamware/nbmap/internal/threadid"
)

// Scheme selects the active engine.
type Scheme int

const (
	// RCU is the quiescent-state engine.
	RCU Scheme = iota
	// Hazard is the hazard-pointer engine.
	Hazard
)

var active Scheme = RCU

// SetScheme selects the engine. It must be called before any map operation;
// switching engines with deferred blocks outstanding loses them.
func SetScheme(s Scheme) { active = s }

// ActiveScheme returns the engine in use.
func ActiveScheme() Scheme { return active }

type deferred struct {
	ptr   uintptr
	free  func(uintptr)
	stamp uint64
}

// Defer schedules the arena block at p to be freed once no live operation
// can hold a reference to it. p must already be unreachable to new
// operations.
func Defer(p uintptr) { DeferFree(p, arena.Free) }

// DeferFree is Defer with a custom release function, used for compound
// structures such as a hash-table generation and its slot array.
func DeferFree(p uintptr, free func(uintptr)) {
	tid := threadid.Current()
	switch active {
	case RCU:
		rcuDefer(tid, p, free)
	case Hazard:
		hazDefer(tid, p, free)
	}
}

// Quiesce announces that the calling thread holds no references into any
// shared structure. Under RCU this relays and posts grace-period tokens and
// frees whatever has become safe; under hazard pointers it is a no-op.
func Quiesce() {
	if active == RCU {
		rcuQuiesce(threadid.Current())
	}
}

// Protect loads the tagged word at src and, under hazard pointers, publishes
// its pointer payload in the calling thread's slot before re-reading src to
// confirm the word is still current. Traversals route every shared pointer
// load through Protect so the same code is safe under both engines.
func Protect(slot int, src uintptr) uint64 {
	if active != Hazard {
		return arena.Load(src)
	}
	return hazProtect(threadid.Current(), slot, src)
}

// Publish copies p, which must already be protected by another of the
// calling thread's slots, into slot. Walks use it to hand protection from
// one slot to the next as they advance.
func Publish(slot int, p uintptr) {
	if active == Hazard {
		hazPublish(threadid.Current(), slot, p)
	}
}

// Clear releases the calling thread's hazard slot.
func Clear(slot int) {
	if active == Hazard {
		hazClear(threadid.Current(), slot)
	}
}

// ClearAll releases every hazard slot of the calling thread. Operations call
// it on exit so stale publications cannot pin retired blocks.
func ClearAll() {
	if active == Hazard {
		hazClearAll(threadid.Current())
	}
}

// Drain releases everything the calling thread has deferred, bypassing grace
// periods. Only safe when no other thread can touch the structures the
// blocks came from; tests and teardown use it.
func Drain() {
	tid := threadid.Current()
	switch active {
	case RCU:
		rcuDrain(tid)
	case Hazard:
		hazDrain(tid)
	}
}
