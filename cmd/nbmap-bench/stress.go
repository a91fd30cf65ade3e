package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/nbmap"
	"github.com/dreamware/nbmap/internal/trace"
)

func newStressCommand() *cobra.Command {
	var (
		kindName    string
		reclaimName string
		n           uint64
		rounds      int
	)

	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run the alternating even/odd insert-remove workload",
		Long: `Two workers insert disjoint halves of the key space, the full map is
verified, then each worker removes its half and the map is checked
empty. The cycle repeats with global quiescence points in between; any
lost or duplicated key fails the run.`,
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
			return runStress(kind, n, rounds)
		},
	}

	cmd.Flags().StringVar(&kindName, "kind", "hashtable", "map implementation: list, skiplist, hashtable")
	cmd.Flags().StringVar(&reclaimName, "reclaim", "rcu", "reclamation scheme: rcu, hazard")
	cmd.Flags().Uint64Var(&n, "n", 10000, "keys per round")
	cmd.Flags().IntVar(&rounds, "rounds", 10, "rounds to run")
	return cmd
}

func runStress(kind nbmap.Kind, n uint64, rounds int) error {
	log := trace.Logger().Sugar()
	nbmap.RegisterThread()
	m, err := nbmap.New(kind, nil)
	if err != nil {
		return err
	}

	for round := 0; round < rounds; round++ {
		var g errgroup.Group
		for parity := uint64(0); parity < 2; parity++ {
			parity := parity
			g.Go(func() error {
				nbmap.RegisterThread()
				for k := parity + 1; k <= n; k += 2 {
					if prev := m.Add(k, k); prev != nbmap.DoesNotExist {
						return errors.Errorf("round %d: add(%d) found %d", round, k, prev)
					}
					if k%512 == 0 {
						nbmap.Quiesce()
					}
				}
				nbmap.Quiesce()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if c := m.Count(); c != n {
			return errors.Errorf("round %d: count %d after inserts, want %d", round, c, n)
		}
		for k := uint64(1); k <= n; k++ {
			if v := m.Get(k); v != k {
				return errors.Errorf("round %d: get(%d) = %d, want %d", round, k, v, k)
			}
		}

		for parity := uint64(0); parity < 2; parity++ {
			parity := parity
			g.Go(func() error {
				nbmap.RegisterThread()
				for k := parity + 1; k <= n; k += 2 {
					if prev := m.Remove(k); prev != k {
						return errors.Errorf("round %d: remove(%d) found %d", round, k, prev)
					}
					if k%512 == 0 {
						nbmap.Quiesce()
					}
				}
				nbmap.Quiesce()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		nbmap.Quiesce()
		if c := m.Count(); c != 0 {
			return errors.Errorf("round %d: count %d after removes, want 0", round, c)
		}
		log.Debugw("round complete", "round", round)
	}

	fmt.Printf("stress: %d rounds of %d keys passed\n", rounds, n)
	return nil
}
