// Package nbmap provides non-blocking concurrent key→value maps for
// multi-threaded in-process use, behind a single polymorphic façade.
//
// # Overview
//
// Three interchangeable implementations back the façade:
//
//   - List: a Harris-Michael lock-free ordered linked list
//   - Skiplist: a lock-free multi-level ordered map
//   - HashTable: a lock-free resizable open-addressed hash table
//
// All three share one data model: keys and values are 64-bit words, with
// DoesNotExist (zero) reserved for absence and the two top bits reserved as
// flags that ride on pointers and values. Keys are either plain integers or,
// when a map is built with ByteStringKeys, addresses of immutable
// length-prefixed byte strings created with MakeKey.
//
// # Architecture
//
//	┌───────────────────────────────────────┐
//	│              Map façade               │
//	│   Get Set Add Replace CAS Remove      │
//	│   Count Iter MinKey Print             │
//	└───────────────────────────────────────┘
//	        │            │            │
//	        ▼            ▼            ▼
//	  ┌─────────┐  ┌──────────┐  ┌──────────┐
//	  │  mlist  │  │ skiplist │  │  htable  │
//	  └─────────┘  └──────────┘  └──────────┘
//	        │            │            │
//	        ▼            ▼            ▼
//	┌───────────────────────────────────────┐
//	│   reclaim (RCU / hazard pointers)     │
//	│   arena  (per-thread block pools)     │
//	│   threadid (dense thread indices)     │
//	└───────────────────────────────────────┘
//
// # Thread registration
//
// Every goroutine that touches a map must first call RegisterThread, which
// pins it to its OS thread and assigns the dense index the runtime's
// per-thread state is keyed by. Under the default RCU reclamation scheme,
// long-running workers should call Quiesce between operations so detached
// nodes can be freed.
//
// # Error model
//
// The library never panics on contention and never blocks. Operations
// return in-band sentinels: DoesNotExist for absence, the observed prior
// value for a missed compare-and-swap, and the Error* codes for misuse.
// Transactional multi-key updates over any of the maps live in the txn
// subpackage.
package nbmap
