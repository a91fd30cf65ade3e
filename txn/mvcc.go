package txn

import (
	"github.com/dreamware/nbmap"
	"github.com/dreamware/nbmap/internal/arena"
	"github.com/dreamware/nbmap/internal/reclaim"
	"github.com/dreamware/nbmap/internal/tag"
)

// Set records v as this transaction's newest update for k. The update is
// invisible to other transactions until commit. It returns v, or an error
// code on misuse.
func (t *Txn) Set(k, v uint64) uint64 {
	if t.done || t.state() != stateRunning {
		return tag.ErrorTxnNotRunning
	}
	if t.access == ReadOnly {
		return tag.ErrorInvalidOption
	}
	u := arena.Alloc(uSize)
	arena.Store(u+uVersion, tag.Tag1|uint64(t.rec))
	arena.Store(u+uValue, v)
	for {
		w := t.m.Get(k)
		if tag.IsError(w) {
			arena.Free(u)
			return w
		}
		arena.Store(u+uNext, w)
		var res uint64
		if w == tag.DoesNotExist {
			res = t.m.CAS(k, tag.ExpectDoesNotExist, tag.Tag2|uint64(u))
		} else {
			res = t.m.CAS(k, w, tag.Tag2|uint64(u))
		}
		if res == w {
			break
		}
		if tag.IsError(res) {
			arena.Free(u)
			return res
		}
	}
	t.appendWrite(k, u)
	return v
}

// Get returns the newest value for k visible at the transaction's read
// snapshot: an update committed at or before the snapshot, the
// transaction's own in-progress update, or the value the chain bottoms out
// on. Updates by undecided transactions are skipped; an update mid-commit
// whose timestamp would be visible is helped to a decision rather than
// waited on.
func (t *Txn) Get(k uint64) uint64 {
	if t.done || t.state() != stateRunning {
		return tag.ErrorTxnNotRunning
	}
	rts := t.readTS
	if t.isolation == ReadCommitted {
		rts = globalVersion.Load()
	}

	w := t.m.Get(k)
	if tag.IsError(w) {
		return w
	}
	t.sweep(k, w)
	for {
		if w&tag.Tag2 == 0 {
			// The chain bottomed out on an inline committed value (or
			// nothing); it predates every record above it.
			return w
		}
		u := uintptr(w & tag.PtrMask)
		ver := arena.Load(u + uVersion)
		if ver&tag.Tag1 == 0 {
			if ver <= rts {
				return arena.Load(u + uValue)
			}
			w = arena.Load(u + uNext)
			continue
		}
		if ver == AbortedVersion {
			w = arena.Load(u + uNext)
			continue
		}
		rec := uintptr(ver & tag.PtrMask)
		if rec == t.rec {
			return arena.Load(u + uValue)
		}
		st := arena.Load(rec + rState)
		wts := arena.Load(rec + rWriteTS)
		if st == stateValidated && wts != 0 && wts <= rts {
			return arena.Load(u + uValue)
		}
		if st == stateValidating && (wts == 0 || wts <= rts) {
			// Undecided but possibly visible; help it to a verdict and
			// re-examine the same record.
			validateTxn(t.m, rec)
			continue
		}
		// Running, aborted, or committed beyond our snapshot.
		w = arena.Load(u + uNext)
	}
}

// sweep opportunistically trims k's chain: final aborted records are
// spliced out, records shadowed by a committed version no active
// transaction can see are detached, and a singular old committed record is
// folded back into an inline value. Only records with final versions are
// touched; anything still bound to a transaction record is left alone.
func (t *Txn) sweep(k, head uint64) {
	if head&tag.Tag2 == 0 {
		return
	}
	min := minActiveVersion()
	if min > t.readTS {
		min = t.readTS
	}

	// Fold a singular committed head back to an inline value.
	u := uintptr(head & tag.PtrMask)
	ver := arena.Load(u + uVersion)
	next := arena.Load(u + uNext)
	if ver&tag.Tag1 == 0 && ver <= min && next&tag.Tag2 == 0 {
		v := arena.Load(u + uValue)
		if v != tag.DoesNotExist && t.m.CAS(k, head, v) == head {
			reclaim.Defer(u)
		}
		return
	}

	// Walk the chain splicing out dead and shadowed records.
	for {
		next := arena.Load(u + uNext)
		if next&tag.Tag2 == 0 {
			return
		}
		u2 := uintptr(next & tag.PtrMask)
		ver2 := arena.Load(u2 + uVersion)
		if ver2 == AbortedVersion {
			if arena.CAS(u+uNext, next, arena.Load(u2+uNext)) {
				reclaim.Defer(u2)
				continue
			}
			return
		}
		ver := arena.Load(u + uVersion)
		if ver&tag.Tag1 == 0 && ver <= min && ver2&tag.Tag1 == 0 {
			// u is visible to every snapshot that matters, so the older
			// committed record behind it is unreachable.
			if arena.CAS(u+uNext, next, arena.Load(u2+uNext)) {
				reclaim.Defer(u2)
				continue
			}
			return
		}
		u = u2
	}
}

// validateTxn drives the transaction behind rec from stateValidating to a
// verdict. The owner and any number of helpers may run it concurrently;
// the state CAS settles who decides.
func validateTxn(m *nbmap.Map, rec uintptr) {
	if arena.Load(rec+rWriteTS) == 0 {
		ts := globalVersion.Add(1)
		arena.CAS(rec+rWriteTS, 0, ts)
	}
	readTS := arena.Load(rec + rReadTS)
	wts := arena.Load(rec + rWriteTS)

	wp := uintptr(arena.Load(rec + rWrites))
	n := arena.Load(rec + rWritesLen)
	ok := true
	for i := uintptr(0); i < uintptr(n); i++ {
		k := arena.Load(wp + i*writeEntrySize)
		if !validateKey(m, k, rec, readTS, wts) {
			ok = false
			break
		}
	}
	if ok {
		arena.CAS(rec+rState, stateValidating, stateValidated)
	} else {
		arena.CAS(rec+rState, stateValidating, stateAborted)
	}
}

// validateKey succeeds iff the newest committed version of k is at or
// before the transaction's read timestamp - that is, nobody committed a
// conflicting write between the snapshot and now. A transaction found
// mid-validation with an earlier (or undetermined) write timestamp is
// helped to a verdict first.
func validateKey(m *nbmap.Map, k uint64, rec uintptr, readTS, wts uint64) bool {
	w := m.Get(k)
	for {
		if w&tag.Tag2 == 0 {
			return true
		}
		u := uintptr(w & tag.PtrMask)
		ver := arena.Load(u + uVersion)
		if ver&tag.Tag1 == 0 {
			return ver <= readTS
		}
		if ver == AbortedVersion {
			w = arena.Load(u + uNext)
			continue
		}
		orec := uintptr(ver & tag.PtrMask)
		if orec == rec {
			// Our own write does not conflict, but an older committed
			// version below it still can; keep walking.
			w = arena.Load(u + uNext)
			continue
		}
		ostate := arena.Load(orec + rState)
		owts := arena.Load(orec + rWriteTS)
		switch {
		case ostate == stateValidated:
			if owts > readTS {
				return false
			}
			return true
		case ostate == stateValidating && (owts == 0 || owts < wts):
			validateTxn(m, orec)
			continue // re-examine with its verdict in place
		default:
			// Running, freshly aborted, or validating with a later
			// timestamp; it cannot have committed before our snapshot.
			w = arena.Load(u + uNext)
		}
	}
}
