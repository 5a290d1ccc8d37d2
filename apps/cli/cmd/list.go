package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
	"github.com/abdul-hamid-achik/kestrel/packages/core/runner"
)

var (
	listNameFlag string
	listTagsFlag string
)

var listCmd = &cobra.Command{
	Use:   "list <file|directory>...",
	Short: "List the test instances a run would execute",
	Long: `List the test instances a run would execute, grouped by class, with
their constraints and dependencies. Filters work as in run, so
dependencies of matching tests are listed too.

Examples:
  kestrel list ./suites/
  kestrel list ./suites/ --tags smoke`,
	Args: cobra.MinimumNArgs(1),
	RunE: listCommand,
}

func init() {
	listCmd.Flags().StringVarP(&listNameFlag, "name", "n", "", "List only tests matching name pattern")
	listCmd.Flags().StringVarP(&listTagsFlag, "tags", "t", "", "List only tests with specified tags (comma-separated)")
}

func listCommand(cmd *cobra.Command, args []string) error {
	disc, err := discoverPaths(cmd.Context(), args, runner.Filter{Name: listNameFlag, Tags: splitList(listTagsFlag)})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	class := ""
	for _, inst := range disc.Instances {
		d := inst.Descriptor
		if d.ClassName != class {
			class = d.ClassName
			fmt.Fprintf(out, "\n%s:\n", class)
		}
		fmt.Fprintf(out, "  - %s\n", inst.ID)
		describe(out, d)
	}
	fmt.Fprintf(out, "\n%d instances\n", len(disc.Instances))

	return nil
}

func describe(w io.Writer, d *descriptor.TestDescriptor) {
	var attrs []string
	if d.Skip != "" {
		attrs = append(attrs, fmt.Sprintf("skip: %s", d.Skip))
	}
	if d.Timeout > 0 {
		attrs = append(attrs, fmt.Sprintf("timeout: %s", d.Timeout))
	}
	if d.RetryLimit > 0 {
		attrs = append(attrs, fmt.Sprintf("retry: %d", d.RetryLimit))
	}
	if len(d.NotInParallel) > 0 {
		attrs = append(attrs, fmt.Sprintf("not in parallel: %s", strings.Join(d.NotInParallel, ", ")))
	}
	if d.ParallelGroup != "" {
		group := "group: " + d.ParallelGroup
		if d.ParallelLimit > 0 {
			group += fmt.Sprintf(" (limit %d)", d.ParallelLimit)
		}
		attrs = append(attrs, group)
	}
	if len(attrs) > 0 {
		fmt.Fprintf(w, "    %s\n", strings.Join(attrs, "; "))
	}
	if len(d.Tags) > 0 {
		fmt.Fprintf(w, "    tags: %v\n", d.Tags)
	}
	for _, dep := range d.Dependencies {
		suffix := ""
		if dep.ProceedOnFailure {
			suffix = " (proceeds on failure)"
		}
		fmt.Fprintf(w, "    depends on: %s%s\n", dep, suffix)
	}
}
