package mlist

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/nbmap/internal/reclaim"
	"github.com/dreamware/nbmap/internal/tag"
	"github.com/dreamware/nbmap/internal/threadid"
)

func TestMain(m *testing.M) {
	threadid.Register()
	m.Run()
}

func TestListBasics(t *testing.T) {
	m := New(nil)
	defer m.Free()

	t.Run("lookup on empty map", func(t *testing.T) {
		require.Equal(t, tag.DoesNotExist, m.Lookup(10))
	})

	t.Run("insert then get", func(t *testing.T) {
		require.Equal(t, tag.DoesNotExist, m.CAS(10, tag.ExpectDoesNotExist, 100))
		require.Equal(t, uint64(100), m.Lookup(10))
	})

	t.Run("insert conflict returns existing value", func(t *testing.T) {
		require.Equal(t, uint64(100), m.CAS(10, tag.ExpectDoesNotExist, 101))
		require.Equal(t, uint64(100), m.Lookup(10))
	})

	t.Run("unconditional set returns prior", func(t *testing.T) {
		require.Equal(t, uint64(100), m.CAS(10, tag.ExpectWhatever, 110))
		require.Equal(t, uint64(110), m.Lookup(10))
	})

	t.Run("exact expectation", func(t *testing.T) {
		require.Equal(t, uint64(110), m.CAS(10, 110, 120))
		require.Equal(t, uint64(120), m.CAS(10, 999, 130), "mismatch returns the observed value")
		require.Equal(t, uint64(120), m.Lookup(10))
	})

	t.Run("replace absent key fails", func(t *testing.T) {
		require.Equal(t, tag.DoesNotExist, m.CAS(77, tag.ExpectExists, 1))
		require.Equal(t, tag.DoesNotExist, m.Lookup(77))
	})

	t.Run("remove returns prior and is idempotent", func(t *testing.T) {
		require.Equal(t, uint64(120), m.Remove(10))
		require.Equal(t, tag.DoesNotExist, m.Remove(10))
		require.Equal(t, tag.DoesNotExist, m.Lookup(10))
	})
}

func TestListOrdering(t *testing.T) {
	m := New(nil)
	defer m.Free()

	// Insert out of order; the chain must come back sorted.
	for _, k := range []uint64{5, 1, 9, 3, 7} {
		require.Equal(t, tag.DoesNotExist, m.CAS(k, tag.ExpectDoesNotExist, k*10))
	}
	require.Equal(t, uint64(5), m.Count())

	it := m.IterBegin(tag.DoesNotExist)
	var got []uint64
	for {
		k, v := it.Next()
		if v == tag.DoesNotExist {
			break
		}
		require.Equal(t, k*10, v)
		got = append(got, k)
	}
	it.Free()
	require.Equal(t, []uint64{1, 3, 5, 7, 9}, got)

	t.Run("iter from a key", func(t *testing.T) {
		it := m.IterBegin(4)
		k, v := it.Next()
		it.Free()
		require.Equal(t, uint64(5), k)
		require.Equal(t, uint64(50), v)
	})
}

func TestListCount(t *testing.T) {
	m := New(nil)
	defer m.Free()
	require.Zero(t, m.Count())
	for k := uint64(1); k <= 100; k++ {
		m.CAS(k, tag.ExpectWhatever, k)
	}
	require.Equal(t, uint64(100), m.Count())
	for k := uint64(1); k <= 100; k += 2 {
		m.Remove(k)
	}
	require.Equal(t, uint64(50), m.Count())
}

func TestListPrint(t *testing.T) {
	m := New(nil)
	defer m.Free()
	m.CAS(1, tag.ExpectWhatever, 11)
	var buf bytes.Buffer
	m.Print(&buf)
	require.Contains(t, buf.String(), "1=11")
}

func TestListConcurrentDisjoint(t *testing.T) {
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
	reclaim.Drain()
}
