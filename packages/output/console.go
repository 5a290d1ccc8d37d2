package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
	"github.com/abdul-hamid-achik/kestrel/packages/core/runner"
	"github.com/abdul-hamid-achik/kestrel/packages/metrics"
)

// slowestClasses is how many classes the metrics footer lists.
const slowestClasses = 3

type ConsoleFormatter struct {
	writer  io.Writer
	verbose bool
	noColor bool
}

type ConsoleOption func(*ConsoleFormatter)

func NewConsoleFormatter(opts ...ConsoleOption) *ConsoleFormatter {
	f := &ConsoleFormatter{
		writer: os.Stdout,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.noColor {
		color.NoColor = true
	}
	return f
}

func WithWriter(w io.Writer) ConsoleOption {
	return func(f *ConsoleFormatter) {
		f.writer = w
	}
}

func WithVerbose(v bool) ConsoleOption {
	return func(f *ConsoleFormatter) {
		f.verbose = v
	}
}

func WithNoColor(nc bool) ConsoleOption {
	return func(f *ConsoleFormatter) {
		f.noColor = nc
	}
}

func (f *ConsoleFormatter) FormatResult(result *runner.RunResult) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	magenta := color.New(color.FgMagenta).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	bold := color.New(color.Bold).SprintFunc()

	for _, group := range groupByClass(result.Results) {
		fmt.Fprintf(f.writer, "\n%s\n", bold(group.Name))

		for _, r := range group.Results {
			name := strings.TrimPrefix(r.Name, r.Class+".")
			switch r.State {
			case descriptor.StatePassed:
				fmt.Fprintf(f.writer, "  %s %s %s", green("✓"), name, cyan(fmt.Sprintf("(%dms)", r.Duration.Milliseconds())))
				if r.Attempts > 1 {
					fmt.Fprintf(f.writer, " %s", yellow(fmt.Sprintf("[attempt %d]", r.Attempts)))
				}
				fmt.Fprintln(f.writer)
			case descriptor.StateSkipped:
				fmt.Fprintf(f.writer, "  %s %s", yellow("-"), name)
				if r.SkipReason != "" {
					fmt.Fprintf(f.writer, " (%s)", r.SkipReason)
				}
				fmt.Fprintln(f.writer)
			case descriptor.StateCancelled:
				fmt.Fprintf(f.writer, "  %s %s %s\n", magenta("⊘"), name, magenta("(cancelled)"))
			default:
				fmt.Fprintf(f.writer, "  %s %s %s\n", red("✗"), name, red(primaryMessage(r)))
			}

			if f.verbose && len(r.Failures) > 0 && r.State != descriptor.StateFailed {
				for _, line := range failureMessages(r) {
					fmt.Fprintf(f.writer, "    %s\n", line)
				}
			}
		}
	}

	f.formatFailures(result, red, bold)

	fmt.Fprintf(f.writer, "\n")
	fmt.Fprintf(f.writer, "Tests: ")
	if result.Passed > 0 {
		fmt.Fprintf(f.writer, "%s, ", green(fmt.Sprintf("%d passed", result.Passed)))
	}
	if result.Failed > 0 {
		fmt.Fprintf(f.writer, "%s, ", red(fmt.Sprintf("%d failed", result.Failed)))
	}
	if result.Skipped > 0 {
		fmt.Fprintf(f.writer, "%s, ", yellow(fmt.Sprintf("%d skipped", result.Skipped)))
	}
	if result.Cancelled > 0 {
		fmt.Fprintf(f.writer, "%s, ", magenta(fmt.Sprintf("%d cancelled", result.Cancelled)))
	}
	fmt.Fprintf(f.writer, "%d total\n", result.Total())
	if result.Retries > 0 {
		fmt.Fprintf(f.writer, "Retries: %d\n", result.Retries)
	}
	fmt.Fprintf(f.writer, "Time:  %dms\n", result.Duration.Milliseconds())

	if result.Metrics != nil {
		f.formatMetrics(result.Metrics)
	}
	fmt.Fprintf(f.writer, "\n")
}

// formatFailures prints every failure of every failed instance, grouped by
// instance so sibling failures are never interleaved.
func (f *ConsoleFormatter) formatFailures(result *runner.RunResult, red, bold func(a ...any) string) {
	var failed []*runner.TestResult
	for _, r := range result.Results {
		if r.State == descriptor.StateFailed {
			failed = append(failed, r)
		}
	}
	if len(failed) == 0 {
		return
	}

	fmt.Fprintf(f.writer, "\n%s\n", bold(red("Failures:")))
	for i, r := range failed {
		fmt.Fprintf(f.writer, "\n  %d) %s\n", i+1, r.Name)
		if r.Attempts > 1 {
			fmt.Fprintf(f.writer, "     after %d attempts\n", r.Attempts)
		}
		for _, fl := range r.Failures {
			fmt.Fprintf(f.writer, "     %s %s\n", red("→"), fmt.Sprintf("[%s]", fl.Source))
			if fl.Name != "" {
				fmt.Fprintf(f.writer, "       in %s\n", fl.Name)
			}
			for _, line := range strings.Split(strings.TrimRight(fl.Err.Error(), "\n"), "\n") {
				fmt.Fprintf(f.writer, "       %s\n", line)
			}
		}
	}
}

func (f *ConsoleFormatter) formatMetrics(m *metrics.Summary) {
	fmt.Fprintf(f.writer, "Durations: p50 %s, p95 %s, p99 %s, max %s\n", m.P50, m.P95, m.P99, m.Max)
	fmt.Fprintf(f.writer, "Peak concurrency: %d\n", m.Peak)
	if !f.verbose {
		return
	}
	for i, c := range m.Classes {
		if i == slowestClasses {
			break
		}
		fmt.Fprintf(f.writer, "  %s: %d tests, p95 %s\n", c.Name, c.Total, c.P95)
	}
}

func (f *ConsoleFormatter) FormatError(err error) {
	red := color.New(color.FgRed).SprintFunc()
	fmt.Fprintf(f.writer, "%s %v\n", red("Error:"), err)
}

func (f *ConsoleFormatter) FormatHeader(version string) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(f.writer, "%s %s\n", bold("kestrel"), version)
}
