package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/kestrel/packages/core/runner"
	"github.com/abdul-hamid-achik/kestrel/packages/output"
)

// reportFiles names the file each format is written to under the output
// directory.
var reportFiles = map[string]string{
	"console": "results.txt",
	"json":    "results.json",
	"junit":   "junit.xml",
	"tap":     "results.tap",
}

// reporters fans results out to every configured formatter.
type reporters struct {
	formatters []output.Formatter
	closers    []io.Closer
}

// openReporters creates one formatter per name. A single reporter writes to
// outputFile when it is set. Otherwise machine-readable formats go to
// outputDir when it is set, and everything else goes to stdout.
func openReporters(names []string, outputFile, outputDir string, stdout io.Writer, verbose, noColor bool) (*reporters, error) {
	if len(names) == 0 {
		names = []string{"console"}
	}

	rep := &reporters{}
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		file, ok := reportFiles[name]
		if !ok {
			_ = rep.Close()
			return nil, fmt.Errorf("unknown output format %q (want console, json, junit or tap)", name)
		}

		w := stdout
		path := ""
		switch {
		case outputFile != "" && len(names) == 1:
			path = outputFile
		case outputDir != "" && name != "console":
			path = filepath.Join(outputDir, file)
		}
		if path != "" {
			f, err := createFile(path)
			if err != nil {
				_ = rep.Close()
				return nil, err
			}
			rep.closers = append(rep.closers, f)
			w = f
		}

		rep.formatters = append(rep.formatters, newFormatter(name, w, verbose, noColor || path != ""))
	}
	return rep, nil
}

func createFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("cannot create output file: %w", err)
	}
	return f, nil
}

func newFormatter(name string, w io.Writer, verbose, noColor bool) output.Formatter {
	switch name {
	case "json":
		return output.NewJSONFormatter(output.JSONWithWriter(w))
	case "junit":
		return output.NewJUnitFormatter(output.JUnitWithWriter(w))
	case "tap":
		return output.NewTAPFormatter(output.TAPWithWriter(w))
	default:
		return output.NewConsoleFormatter(
			output.WithWriter(w),
			output.WithVerbose(verbose),
			output.WithNoColor(noColor),
		)
	}
}

func (r *reporters) Header(version string) {
	for _, f := range r.formatters {
		f.FormatHeader(version)
	}
}

func (r *reporters) Error(err error) {
	for _, f := range r.formatters {
		f.FormatError(err)
	}
}

func (r *reporters) Result(result *runner.RunResult) {
	for _, f := range r.formatters {
		f.FormatResult(result)
	}
}

// Flush writes formatters that accumulate their output.
func (r *reporters) Flush(totalDuration time.Duration) error {
	var errs []error
	for _, f := range r.formatters {
		if flushable, ok := f.(output.Flushable); ok {
			errs = append(errs, flushable.Flush(totalDuration))
		}
	}
	return errors.Join(errs...)
}

func (r *reporters) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	r.closers = nil
	return errors.Join(errs...)
}
