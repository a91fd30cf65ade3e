package threadid

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	t.Run("is idempotent on one thread", func(t *testing.T) {
		a := Register()
		b := Register()
		require.Equal(t, a, b)
		require.Equal(t, a, Current())
	})

	t.Run("assigns distinct indices to distinct threads", func(t *testing.T) {
		const workers = 8
		type result struct{ registered, current int }
		ids := make(chan result, workers)
		release := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := Register()
				ids <- result{id, Current()}
				// Stay alive until every worker has registered so the
				// runtime cannot recycle this OS thread mid-test.
				<-release
			}()
		}
		seen := map[int]bool{}
		for i := 0; i < workers; i++ {
			r := <-ids
			require.Equal(t, r.registered, r.current)
			require.False(t, seen[r.registered], "index %d assigned twice", r.registered)
			require.GreaterOrEqual(t, r.registered, 0)
			require.Less(t, r.registered, MaxThreads)
			seen[r.registered] = true
		}
		close(release)
		wg.Wait()
	})

	t.Run("count covers every index handed out", func(t *testing.T) {
		id := Register()
		require.Greater(t, Count(), id)
	})
}
