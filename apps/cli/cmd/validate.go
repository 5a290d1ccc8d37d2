package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/kestrel/packages/core/runner"
	"github.com/abdul-hamid-achik/kestrel/packages/core/suite"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file|directory>...",
	Short: "Validate suite files and the run plan",
	Long: `Validate suite files against the suite schema, then build the run plan
to catch dependency cycles, missing dependencies and conflicting
constraints. Nothing is executed.

Examples:
  kestrel validate users.yaml
  kestrel validate ./suites/`,
	Args: cobra.MinimumNArgs(1),
	RunE: validateCommand,
}

func collectFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", arg, err)
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		found, err := suite.FindFiles(arg)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	return files, nil
}

func validateCommand(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args)
	if err != nil {
		return withExitCode(ExitUsageError, err)
	}

	if len(files) == 0 {
		return withExitCode(ExitDiscoveryError, fmt.Errorf("no suite files found"))
	}

	hasErrors := false
	for _, file := range files {
		if _, err := suite.LoadFile(file); err != nil {
			hasErrors = true
			var verr *suite.ValidationError
			if errors.As(err, &verr) {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error in %s:\n", file)
				for _, p := range verr.Problems {
					fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", p)
				}
				continue
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Error in %s: %v\n", file, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Valid: %s\n", file)
	}

	if hasErrors {
		return withExitCode(ExitDiscoveryError, nil)
	}

	disc, err := discoverPaths(cmd.Context(), files, runner.Filter{})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Plan: %d tests, %d instances\n", len(disc.Descriptors), len(disc.Instances))

	return nil
}
