// Package main implements the nbmap workload driver: microbenchmarks and
// stress workloads for the non-blocking maps and the transactional layer.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dreamware/nbmap"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nbmap-bench",
		Short: "Workload driver for the nbmap non-blocking maps",
		Long: `nbmap-bench exercises the lock-free list, skiplist, and hash table
behind the nbmap façade: sustained mixed read/write throughput, the
alternating insert/remove stress workload with quiescence checkpoints,
and structural dumps for eyeballing small maps.`,
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	}

	rootCmd.AddCommand(
		newBenchCommand(),
		newStressCommand(),
		newDumpCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// parseKind maps a --kind flag value onto a map implementation.
func parseKind(s string) (nbmap.Kind, error) {
	switch s {
	case "list":
		return nbmap.List, nil
	case "skiplist":
		return nbmap.Skiplist, nil
	case "hashtable", "ht":
		return nbmap.HashTable, nil
	}
	return 0, errors.Errorf("unknown map kind %q (want list, skiplist, or hashtable)", s)
}

// parseReclaim maps a --reclaim flag value onto a reclamation scheme.
func parseReclaim(s string) (nbmap.ReclaimScheme, error) {
	switch s {
	case "rcu":
		return nbmap.ReclaimRCU, nil
	case "hazard", "hp":
		return nbmap.ReclaimHazard, nil
	}
	return 0, errors.Errorf("unknown reclamation scheme %q (want rcu or hazard)", s)
}
