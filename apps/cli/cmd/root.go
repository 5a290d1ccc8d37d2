package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"

	configFlag string
)

var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "Run dependency-aware test suites in parallel.",
	Long: `kestrel executes test suites described in YAML files. Tests declare
dependencies, retries, timeouts and parallelism constraints; kestrel builds
the dependency graph, runs lifecycle hooks exactly once per scope and
schedules everything as concurrently as the constraints allow.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute(v, bt string) {
	version = v
	buildTime = bt
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if !errors.As(err, &ee) || ee.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", getEnvString("KESTREL_CONFIG", ""), "Path to config file (env: KESTREL_CONFIG)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
}
