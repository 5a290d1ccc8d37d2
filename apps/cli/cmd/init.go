package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/kestrel/packages/core/config"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new kestrel project",
	Long: `Initialize a new kestrel project in the current directory.

This creates:
  - kestrel.toml           - Configuration file
  - suites/example.yaml    - Example suite

Examples:
  kestrel init
  kestrel init --force`,
	RunE: initCommand,
}

func init() {
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Overwrite existing files")
}

const exampleSuite = `# An example kestrel suite. Every test runs a shell command; a non-zero
# exit status fails the test.
assembly: example

types:
  - name: Service

hooks:
  - name: start-fixture
    scope: session
    direction: before
    run: mkdir -p .kestrel/tmp
  - name: clean-fixture
    scope: session
    direction: after
    run: rm -rf .kestrel/tmp
  - name: reset-service
    scope: class
    type: Service
    direction: before
    run: echo "resetting $KESTREL_SCOPE_KEY"

tests:
  - class: Service
    method: Health
    run: test -d .kestrel/tmp
    tags: [smoke]

  - class: Service
    method: Seed
    run: echo seeded > .kestrel/tmp/seed
    not_in_parallel: [storage]
    depends_on:
      - test: Service.Health

  - class: Service
    method: Read
    run: grep -q seeded .kestrel/tmp/seed
    retry: 2
    timeout: 5s
    not_in_parallel: [storage]
    depends_on:
      - test: Service.Seed

  - class: Service
    method: Echo
    run: echo "$KESTREL_ARGS"
    parallel_group: echo
    parallel_limit: 2
    rows:
      - [1, "one"]
      - label: two
        values: [2, "two"]
`

func initCommand(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	configFile := filepath.Join(cwd, "kestrel.toml")
	exampleFile := filepath.Join(cwd, "suites", "example.yaml")

	if !forceInit {
		for _, f := range []string{configFile, exampleFile} {
			if _, err := os.Stat(f); err == nil {
				return withExitCode(ExitUsageError, fmt.Errorf("file already exists: %s (use --force to overwrite)", f))
			}
		}
	}

	cfg := config.DefaultConfig()
	cfg.DefaultTestTimeout = config.Duration(30 * time.Second)
	cfg.HookTimeout = config.Duration(time.Minute)
	cfg.RunTimeout = config.Duration(10 * time.Minute)
	cfg.History = ".kestrel/history.db"
	if err := cfg.SaveConfig(configFile); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created: %s\n", configFile)

	if err := os.MkdirAll(filepath.Dir(exampleFile), 0755); err != nil {
		return fmt.Errorf("failed to create suites directory: %w", err)
	}
	if err := os.WriteFile(exampleFile, []byte(exampleSuite), 0644); err != nil {
		return fmt.Errorf("failed to create example file: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created: %s\n", exampleFile)

	fmt.Fprintf(cmd.OutOrStdout(), "\nkestrel project initialized!\n")
	fmt.Fprintf(cmd.OutOrStdout(), "Run 'kestrel run suites/' to execute the example suite.\n")

	return nil
}
