package arena

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/nbmap/internal/threadid"
)

func TestMain(m *testing.M) {
	threadid.Register()
	m.Run()
}

func TestClassOf(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{1, minClass},
		{16, minClass},
		{17, 5},
		{24, 5},
		{32, 5},
		{33, 6},
		{64, 6},
		{4096, 12},
		{1 << maxPoolClass, maxPoolClass},
		{1<<maxPoolClass + 1, maxPoolClass + 1},
	}
	for _, c := range cases {
		require.Equal(t, c.want, classOf(c.n), "classOf(%d)", c.n)
	}
}

func TestAlloc(t *testing.T) {
	t.Run("returns writable 48-bit blocks", func(t *testing.T) {
		p := Alloc(24)
		require.NotZero(t, p)
		require.Zero(t, uint64(p)>>48, "block address must fit in 48 bits")
		Store(p, 0xdeadbeef)
		require.Equal(t, uint64(0xdeadbeef), Load(p))
		Free(p)
	})

	t.Run("reuses freed blocks on the owning thread", func(t *testing.T) {
		p := Alloc(24)
		Free(p)
		q := Alloc(24)
		require.Equal(t, p, q, "private free list should hand the block back")
		Free(q)
	})

	t.Run("distinct live blocks do not overlap", func(t *testing.T) {
		blocks := make([]uintptr, 64)
		for i := range blocks {
			blocks[i] = Alloc(32)
			Store(blocks[i], uint64(i)+1)
		}
		for i, p := range blocks {
			require.Equal(t, uint64(i)+1, Load(p))
			Free(p)
		}
	})

	t.Run("cache-line classes are aligned", func(t *testing.T) {
		for _, n := range []int{64, 128, 1024, 4096} {
			p := Alloc(n)
			require.Zero(t, p%CacheLine, "block of %d bytes misaligned", n)
			Free(p)
		}
	})

	t.Run("oversize blocks round-trip", func(t *testing.T) {
		p := AllocZeroed(1 << 20)
		require.Zero(t, Load(p))
		require.Zero(t, Load(p+(1<<20)-8))
		Store(p+(1<<20)-8, 7)
		Free(p)
		q := Alloc(1 << 20)
		require.Equal(t, p, q, "freed oversize block should be recycled")
		Free(q)
	})

	t.Run("zeroed allocation clears recycled memory", func(t *testing.T) {
		p := Alloc(64)
		Store(p, ^uint64(0))
		Store(p+56, ^uint64(0))
		Free(p)
		q := AllocZeroed(64)
		require.Equal(t, p, q)
		require.Zero(t, Load(q))
		require.Zero(t, Load(q+56))
		Free(q)
	})
}

func TestCrossThreadFree(t *testing.T) {
	// A block freed by a foreign thread lands on the owner's inbound stack
	// and is handed back to the owner on a later allocation.
	p := Alloc(48)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		threadid.Register()
		Free(p)
	}()
	wg.Wait()

	// Drain the private list first so the inbound stack must be consulted.
	var got []uintptr
	for {
		q := Alloc(48)
		got = append(got, q)
		if q == p {
			break
		}
		require.Less(t, len(got), 1<<16, "foreign-freed block never resurfaced")
	}
	for _, q := range got {
		Free(q)
	}
}

func TestStrings(t *testing.T) {
	t.Run("round-trips content", func(t *testing.T) {
		p := AllocString([]byte("hello, arena"))
		require.Equal(t, []byte("hello, arena"), StringBytes(p))
		Free(p)
	})

	t.Run("empty string", func(t *testing.T) {
		p := AllocString(nil)
		require.Empty(t, StringBytes(p))
		Free(p)
	})
}

func TestReadStats(t *testing.T) {
	before := ReadStats()
	p := Alloc(128)
	s := ReadStats()
	require.GreaterOrEqual(t, s.SlabBytes, before.SlabBytes)
	require.NotZero(t, s.SlabBytes)
	Free(p)
}
