package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slices"

	"github.com/dreamware/nbmap"
)

func newDumpCommand() *cobra.Command {
	var (
		kindName string
		n        uint64
	)

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Insert a small dataset and print the map's structure",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(kindName)
			if err != nil {
				return err
			}
			nbmap.RegisterThread()
			m, err := nbmap.New(kind, nil)
			if err != nil {
				return err
			}
			// Insert in reverse order so the walk exercises real links.
			ks := make([]uint64, 0, n)
			for k := uint64(1); k <= n; k++ {
				ks = append(ks, k)
			}
			slices.Reverse(ks)
			for _, k := range ks {
				m.Set(k, k*10)
			}
			m.Print(os.Stdout)
			return nil
		},
	}

	cmd.Flags().StringVar(&kindName, "kind", "skiplist", "map implementation: list, skiplist, hashtable")
	cmd.Flags().Uint64Var(&n, "n", 20, "keys to insert")
	return cmd
}
