package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
	"github.com/abdul-hamid-achik/kestrel/packages/core/runner"
)

// TAPFormatter formats test results in TAP (Test Anything Protocol) format
type TAPFormatter struct {
	writer    io.Writer
	testCount int
	results   []tapResult
}

type tapResult struct {
	number     int
	name       string
	state      descriptor.State
	skipReason string
	attempts   int
	failures   []string
}

type TAPOption func(*TAPFormatter)

func NewTAPFormatter(opts ...TAPOption) *TAPFormatter {
	f := &TAPFormatter{
		writer:  os.Stdout,
		results: make([]tapResult, 0),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func TAPWithWriter(w io.Writer) TAPOption {
	return func(f *TAPFormatter) {
		f.writer = w
	}
}

func (f *TAPFormatter) FormatResult(result *runner.RunResult) {
	for _, r := range result.Results {
		f.testCount++
		f.results = append(f.results, tapResult{
			number:     f.testCount,
			name:       r.Name,
			state:      r.State,
			skipReason: r.SkipReason,
			attempts:   r.Attempts,
			failures:   failureMessages(r),
		})
	}
}

func (f *TAPFormatter) FormatError(err error) {
	// Errors are included in individual test results
}

func (f *TAPFormatter) FormatHeader(version string) {
	// Header is written in Flush
}

// Flush writes the accumulated TAP output
func (f *TAPFormatter) Flush(totalDuration time.Duration) error {
	fmt.Fprintf(f.writer, "TAP version 13\n")
	fmt.Fprintf(f.writer, "1..%d\n", f.testCount)

	for _, r := range f.results {
		switch r.state {
		case descriptor.StatePassed:
			fmt.Fprintf(f.writer, "ok %d - %s\n", r.number, r.name)

		case descriptor.StateSkipped:
			reason := r.skipReason
			if reason == "" {
				reason = "SKIP"
			}
			fmt.Fprintf(f.writer, "ok %d - %s # SKIP %s\n", r.number, r.name, reason)

		case descriptor.StateCancelled:
			fmt.Fprintf(f.writer, "not ok %d - %s # TODO cancelled\n", r.number, r.name)

		default:
			fmt.Fprintf(f.writer, "not ok %d - %s\n", r.number, r.name)
			if len(r.failures) > 0 {
				fmt.Fprintf(f.writer, "  ---\n")
				if r.attempts > 1 {
					fmt.Fprintf(f.writer, "  attempts: %d\n", r.attempts)
				}
				fmt.Fprintf(f.writer, "  failures:\n")
				for _, msg := range r.failures {
					fmt.Fprintf(f.writer, "    - %s\n", escapeYAML(msg))
				}
				fmt.Fprintf(f.writer, "  ...\n")
			}
		}
	}

	fmt.Fprintln(f.writer)

	return nil
}

func escapeYAML(s string) string {
	if strings.ContainsAny(s, ":\n\"'[]{}#&*!|>%@`") {
		s = strings.ReplaceAll(s, "\\", "\\\\")
		s = strings.ReplaceAll(s, "\"", "\\\"")
		s = strings.ReplaceAll(s, "\n", "\\n")
		return "\"" + s + "\""
	}
	return s
}
