package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/nbmap"
)

func TestMain(m *testing.M) {
	nbmap.RegisterThread()
	m.Run()
}

func newTxnMap(t *testing.T) *nbmap.Map {
	t.Helper()
	m, err := nbmap.New(nbmap.Skiplist, nil)
	require.NoError(t, err)
	return m
}

func TestWriteWriteConflict(t *testing.T) {
	m := newTxnMap(t)
	const k = 42

	t1 := Begin(ReadWrite, RepeatableRead, m)
	t2 := Begin(ReadWrite, RepeatableRead, m)

	require.Equal(t, uint64(2), t1.Set(k, 2))
	require.Equal(t, uint64(3), t1.Set(k, 3))
	require.Equal(t, nbmap.DoesNotExist, t2.Get(k), "uncommitted writes must be invisible")
	require.Equal(t, uint64(4), t2.Set(k, 4))

	require.Equal(t, uint64(3), t1.Get(k), "a transaction reads its own newest write")
	require.Equal(t, uint64(4), t2.Get(k))

	require.Equal(t, Validated, t2.Commit())
	require.Equal(t, Aborted, t1.Commit(), "the loser of a write-write race must abort")

	// A later snapshot observes only the committed write.
	t3 := Begin(ReadWrite, RepeatableRead, m)
	require.Equal(t, uint64(4), t3.Get(k))
	require.Equal(t, Validated, t3.Commit())

	// Sweeping folds the settled chain back to an inline value.
	for i := 0; i < 8 && m.Get(k)&nbmap.Tag2 != 0; i++ {
		tg := Begin(ReadWrite, RepeatableRead, m)
		require.Equal(t, uint64(4), tg.Get(k))
		require.Equal(t, Validated, tg.Commit())
	}
	require.Equal(t, uint64(4), m.Get(k), "the chain must collapse to the committed value")
}

func TestReadOnly(t *testing.T) {
	m := newTxnMap(t)
	const k = 7

	tw := Begin(ReadWrite, RepeatableRead, m)
	tw.Set(k, 70)
	require.Equal(t, Validated, tw.Commit())

	tr := Begin(ReadOnly, RepeatableRead, m)
	require.Equal(t, uint64(70), tr.Get(k))
	require.Equal(t, nbmap.ErrorInvalidOption, tr.Set(k, 71), "read-only transactions cannot write")
	require.Equal(t, Validated, tr.Commit())
}

func TestSnapshotIsolation(t *testing.T) {
	m := newTxnMap(t)
	const k = 9

	tw := Begin(ReadWrite, RepeatableRead, m)
	tw.Set(k, 1)
	require.Equal(t, Validated, tw.Commit())

	tr := Begin(ReadWrite, RepeatableRead, m)
	require.Equal(t, uint64(1), tr.Get(k))

	// A commit after tr's snapshot must stay invisible to it.
	tw2 := Begin(ReadWrite, RepeatableRead, m)
	tw2.Set(k, 2)
	require.Equal(t, Validated, tw2.Commit())

	require.Equal(t, uint64(1), tr.Get(k), "repeated reads must return the snapshot value")
	require.Equal(t, uint64(1), tr.Get(k))
	require.Equal(t, Validated, tr.Commit(), "a read-only footprint cannot conflict")
}

func TestReadCommitted(t *testing.T) {
	m := newTxnMap(t)
	const k = 11

	tw := Begin(ReadWrite, RepeatableRead, m)
	tw.Set(k, 1)
	require.Equal(t, Validated, tw.Commit())

	tr := Begin(ReadWrite, ReadCommitted, m)
	require.Equal(t, uint64(1), tr.Get(k))

	tw2 := Begin(ReadWrite, RepeatableRead, m)
	tw2.Set(k, 2)
	require.Equal(t, Validated, tw2.Commit())

	require.Equal(t, uint64(2), tr.Get(k), "read committed re-snapshots on every read")
	tr.Abort()
}

func TestAbortDiscardsWrites(t *testing.T) {
	m := newTxnMap(t)
	const k = 13

	ta := Begin(ReadWrite, RepeatableRead, m)
	ta.Set(k, 1)
	ta.Abort()

	tr := Begin(ReadWrite, RepeatableRead, m)
	require.Equal(t, nbmap.DoesNotExist, tr.Get(k))
	require.Equal(t, Validated, tr.Commit())
}

func TestDisjointWritersBothCommit(t *testing.T) {
	m := newTxnMap(t)

	t1 := Begin(ReadWrite, RepeatableRead, m)
	t2 := Begin(ReadWrite, RepeatableRead, m)
	t1.Set(1, 100)
	t2.Set(2, 200)
	require.Equal(t, Validated, t1.Commit())
	require.Equal(t, Validated, t2.Commit())

	t3 := Begin(ReadOnly, RepeatableRead, m)
	require.Equal(t, uint64(100), t3.Get(1))
	require.Equal(t, uint64(200), t3.Get(2))
	require.Equal(t, Validated, t3.Commit())
}

func TestMultiKeyAtomicity(t *testing.T) {
	m := newTxnMap(t)

	// Two transactions race on overlapping pairs; the one that commits
	// second must abort, leaving the keys consistent.
	t1 := Begin(ReadWrite, RepeatableRead, m)
	t2 := Begin(ReadWrite, RepeatableRead, m)
	t1.Set(20, 1)
	t1.Set(21, 1)
	t2.Set(21, 2)
	t2.Set(20, 2)
	require.Equal(t, Validated, t1.Commit())
	require.Equal(t, Aborted, t2.Commit())

	t3 := Begin(ReadOnly, RepeatableRead, m)
	require.Equal(t, uint64(1), t3.Get(20))
	require.Equal(t, uint64(1), t3.Get(21))
	require.Equal(t, Validated, t3.Commit())
}

func TestBlindWriteEquatesReadWrite(t *testing.T) {
	m := newTxnMap(t)
	tb := Begin(BlindWrite, RepeatableRead, m)
	tb.Set(30, 300)
	require.Equal(t, Validated, tb.Commit())

	tr := Begin(ReadOnly, RepeatableRead, m)
	require.Equal(t, uint64(300), tr.Get(30))
	require.Equal(t, Validated, tr.Commit())
}

func TestMisuse(t *testing.T) {
	m := newTxnMap(t)
	tx := Begin(ReadWrite, RepeatableRead, m)
	tx.Set(40, 1)
	require.Equal(t, Validated, tx.Commit())

	require.Equal(t, nbmap.ErrorTxnNotRunning, tx.Get(40), "reads after commit are misuse")
	require.Equal(t, nbmap.ErrorTxnNotRunning, tx.Set(40, 2), "writes after commit are misuse")

	ta := Begin(ReadWrite, RepeatableRead, m)
	ta.Abort()
	require.Equal(t, nbmap.ErrorTxnNotRunning, ta.Get(40))
}

func TestSequentialCommitsAdvance(t *testing.T) {
	m := newTxnMap(t)
	const k = 50
	for v := uint64(1); v <= 20; v++ {
		tx := Begin(ReadWrite, RepeatableRead, m)
		tx.Set(k, v)
		require.Equal(t, Validated, tx.Commit())

		tr := Begin(ReadOnly, RepeatableRead, m)
		require.Equal(t, v, tr.Get(k))
		require.Equal(t, Validated, tr.Commit())
	}
}
