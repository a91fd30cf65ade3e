package skiplist

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/nbmap/internal/tag"
	"github.com/dreamware/nbmap/internal/threadid"
)

func TestMain(m *testing.M) {
	threadid.Register()
	m.Run()
}

func TestSkiplistBasics(t *testing.T) {
	m := New(nil)
	defer m.Free()

	require.Equal(t, tag.DoesNotExist, m.Lookup(1))
	require.Equal(t, tag.DoesNotExist, m.CAS(1, tag.ExpectDoesNotExist, 10))
	require.Equal(t, uint64(10), m.Lookup(1))
	require.Equal(t, uint64(10), m.CAS(1, tag.ExpectDoesNotExist, 11), "insert conflict returns existing")
	require.Equal(t, uint64(10), m.CAS(1, tag.ExpectWhatever, 12))
	require.Equal(t, uint64(12), m.CAS(1, 12, 13))
	require.Equal(t, uint64(13), m.CAS(1, 999, 14), "mismatch returns observed")
	require.Equal(t, uint64(13), m.Remove(1))
	require.Equal(t, tag.DoesNotExist, m.Remove(1))
}

func TestSkiplistIteration(t *testing.T) {
	m := New(nil)
	defer m.Free()

	for _, k := range []uint64{2, 1, 3} {
		require.Equal(t, tag.DoesNotExist, m.CAS(k, tag.ExpectDoesNotExist, k))
	}

	it := m.IterBegin(tag.DoesNotExist)
	var pairs [][2]uint64
	for {
		k, v := it.Next()
		if v == tag.DoesNotExist {
			break
		}
		pairs = append(pairs, [2]uint64{k, v})
	}
	it.Free()
	require.Equal(t, [][2]uint64{{1, 1}, {2, 2}, {3, 3}}, pairs)

	k, ok := m.MinKey()
	require.True(t, ok)
	require.Equal(t, uint64(1), k)
}

func TestSkiplistMinKeyEmpty(t *testing.T) {
	m := New(nil)
	defer m.Free()
	_, ok := m.MinKey()
	require.False(t, ok)
}

func TestSkiplistOrdering(t *testing.T) {
	m := New(nil)
	defer m.Free()

	// A few hundred keys inserted in a scrambled order come back sorted
	// along level 0 and towers stay internally consistent.
	const n = 512
	for i := uint64(0); i < n; i++ {
		k := (i*7919)%n + 1
		m.CAS(k, tag.ExpectWhatever, k)
	}
	require.Equal(t, uint64(n), m.Count())

	prev := uint64(0)
	m.walk(func(_ uintptr, k, v uint64) bool {
		require.Greater(t, k, prev, "level-0 chain must be strictly increasing")
		require.Equal(t, k, v)
		prev = k
		return true
	})
}

func TestRandLevelDistribution(t *testing.T) {
	// The draw must stay within bounds and produce some tall towers over
	// a large sample; exact frequencies are not pinned down.
	tall := 0
	for i := 0; i < 1<<16; i++ {
		lvl := randLevel()
		require.GreaterOrEqual(t, lvl, 0)
		require.LessOrEqual(t, lvl, MaxLevel)
		if lvl > 0 {
			tall++
		}
	}
	require.Greater(t, tall, 1<<16/8, "level draws never leave level 0")
	require.Less(t, tall, 1<<16/2, "level draws are too tall on average")
}

func TestSkiplistConcurrentDisjoint(t *testing.T) {
	m := New(nil)
	defer m.Free()

	const n = 2000
	var g errgroup.Group
	for parity := uint64(0); parity < 2; parity++ {
		parity := parity
		g.Go(func() error {
			threadid.Register()
			for k := parity + 1; k <= n; k += 2 {
				if prev := m.CAS(k, tag.ExpectDoesNotExist, k); prev != tag.DoesNotExist {
					return fmt.Errorf("add(%d) found %d", k, prev)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, uint64(n), m.Count())
	for k := uint64(1); k <= n; k++ {
		require.Equal(t, k, m.Lookup(k))
	}

	for parity := uint64(0); parity < 2; parity++ {
		parity := parity
		g.Go(func() error {
			threadid.Register()
			for k := parity + 1; k <= n; k += 2 {
				if prev := m.Remove(k); prev != k {
					return fmt.Errorf("remove(%d) found %d", k, prev)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Zero(t, m.Count())
}
