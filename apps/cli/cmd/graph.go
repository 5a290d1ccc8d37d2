package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/kestrel/packages/core/graph"
	"github.com/abdul-hamid-achik/kestrel/packages/core/runner"
)

var (
	graphOutputFlag  string
	graphRankDirFlag string
)

var graphCmd = &cobra.Command{
	Use:   "graph <file|directory>...",
	Short: "Export the dependency graph in DOT format",
	Long: `Export the dependency graph of the run plan in Graphviz DOT format.

Examples:
  kestrel graph ./suites/ | dot -Tsvg > graph.svg
  kestrel graph ./suites/ --rankdir TB -o graph.dot`,
	Args: cobra.MinimumNArgs(1),
	RunE: graphCommand,
}

func init() {
	graphCmd.Flags().StringVarP(&graphOutputFlag, "output", "o", "", "Write the graph to file (default: stdout)")
	graphCmd.Flags().StringVar(&graphRankDirFlag, "rankdir", "LR", "Graph direction: LR, RL, TB or BT")
}

func graphCommand(cmd *cobra.Command, args []string) error {
	disc, err := discoverPaths(cmd.Context(), args, runner.Filter{})
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if graphOutputFlag != "" {
		f, err := os.Create(graphOutputFlag)
		if err != nil {
			return fmt.Errorf("cannot create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	return disc.Graph.ExportDOT(w,
		graph.DOTWithGraphName("kestrel"),
		graph.DOTWithRankDir(graphRankDirFlag),
	)
}
