package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/nbmap"
	"github.com/dreamware/nbmap/internal/arena"
	"github.com/dreamware/nbmap/internal/trace"
)

// quiescePeriod is how many operations a worker runs between quiescence
// announcements; it bounds how much retired memory can pile up under RCU.
const quiescePeriod = 1024

func newBenchCommand() *cobra.Command {
	var (
		kindName    string
		reclaimName string
		workers     int
		duration    time.Duration
		keySpace    uint64
		writePct    int
		stringKeys  bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure mixed read/write throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(kindName)
			if err != nil {
				return err
			}
			scheme, err := parseReclaim(reclaimName)
			if err != nil {
				return err
			}
			nbmap.SetReclaimScheme(scheme)
			return runBench(kind, workers, duration, keySpace, writePct, stringKeys)
		},
	}

	cmd.Flags().StringVar(&kindName, "kind", "skiplist", "map implementation: list, skiplist, hashtable")
	cmd.Flags().StringVar(&reclaimName, "reclaim", "rcu", "reclamation scheme: rcu, hazard")
	cmd.Flags().IntVar(&workers, "workers", 4, "concurrent worker threads")
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "measurement window")
	cmd.Flags().Uint64Var(&keySpace, "keys", 1<<16, "size of the key space")
	cmd.Flags().IntVar(&writePct, "write-pct", 20, "percentage of operations that write")
	cmd.Flags().BoolVar(&stringKeys, "strings", false, "use byte-string keys instead of integers")
	return cmd
}

func runBench(kind nbmap.Kind, workers int, duration time.Duration, keySpace uint64, writePct int, stringKeys bool) error {
	log := trace.Logger().Sugar()

	var kt *nbmap.KeyType
	if stringKeys {
		kt = nbmap.ByteStringKeys
	}
	nbmap.RegisterThread()
	m, err := nbmap.New(kind, kt)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var ops [64]struct {
		n uint64
		_ [56]byte // keep the counters off each other's cache lines
	}

	g, ctx := errgroup.WithContext(ctx)
	start := time.Now()
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			tid := nbmap.RegisterThread()
			rng := rand.New(rand.NewSource(uint64(w)*0x9e3779b97f4a7c15 + 7))
			var keyBuf [16]byte
			n := uint64(0)
			for ctx.Err() == nil {
				k := rng.Uint64()%keySpace + 1
				if stringKeys {
					k = benchStringKey(&keyBuf, k)
				}
				if int(rng.Uint32()%100) < writePct {
					if rng.Uint32()&1 == 0 {
						m.Set(k, k<<1|1)
					} else {
						m.Remove(k)
					}
				} else {
					m.Get(k)
				}
				if stringKeys {
					nbmap.ReleaseKey(k)
				}
				n++
				if n%quiescePeriod == 0 {
					nbmap.Quiesce()
				}
			}
			atomic.StoreUint64(&ops[tid].n, n)
			nbmap.Quiesce()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	var total uint64
	for i := range ops {
		total += atomic.LoadUint64(&ops[i].n)
	}
	stats := arena.ReadStats()
	fmt.Printf("kind=%v workers=%d elapsed=%v\n", kind, workers, elapsed.Round(time.Millisecond))
	fmt.Printf("ops=%d throughput=%.0f ops/sec\n", total, float64(total)/elapsed.Seconds())
	fmt.Printf("final count=%d arena=%s\n", m.Count(), datasize.ByteSize(stats.SlabBytes).HumanReadable())
	log.Debugw("bench complete", "ops", total, "slabBytes", stats.SlabBytes)
	return nil
}

// benchStringKey formats k into buf and returns a fresh byte-string key
// word the caller must release.
func benchStringKey(buf *[16]byte, k uint64) uint64 {
	b := buf[:0]
	for i := 0; i < 12; i++ {
		b = append(b, byte('a'+(k>>(4*uint(i)))&0xf))
	}
	return nbmap.MakeKey(b)
}
