package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/automaker/orchestrator/internal/benchmark"
)

var benchmarkCmd = &cobra.Command{
	Use:     "benchmark",
	GroupID: "maint",
	Short:   "Measure feature sync and dependency resolution throughput",
	Long: `Generate a throwaway project with an acyclic feature graph, import it into
a fresh database and resolve it from concurrent readers.

Example:
  automaker benchmark --features 2000 --readers 16`,
	Run: func(cmd *cobra.Command, args []string) {
		c := benchmark.DefaultConfig()
		f := cmd.Flags()
		c.Features, _ = f.GetInt("features")
		c.MaxDeps, _ = f.GetInt("max-deps")
		c.DonePct, _ = f.GetFloat64("done")
		c.Readers, _ = f.GetInt("readers")
		c.ResolvesPerReader, _ = f.GetInt("resolves")
		c.Seed, _ = f.GetInt64("seed")

		if !jsonOutput {
			out.Muted("Generating %d features...", c.Features)
		}
		res, err := benchmark.Run(cmd.Context(), c)
		if err != nil {
			fatalf("benchmark failed: %v", err)
		}
		if jsonOutput {
			printJSON(res)
			return
		}
		benchmark.Print(os.Stdout, res)
	},
}

func init() {
	d := benchmark.DefaultConfig()
	f := benchmarkCmd.Flags()
	f.Int("features", d.Features, "Number of generated features")
	f.Int("max-deps", d.MaxDeps, "Most dependencies per feature")
	f.Float64("done", d.DonePct, "Share of features generated as completed (0.0-1.0)")
	f.Int("readers", d.Readers, "Concurrent readers")
	f.Int("resolves", d.ResolvesPerReader, "List+resolve rounds per reader")
	f.Int64("seed", d.Seed, "Random seed for the generated graph")
	rootCmd.AddCommand(benchmarkCmd)
}
