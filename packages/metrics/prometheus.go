package metrics

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// WritePrometheus writes the summary in the Prometheus text exposition
// format. Every sample carries labels, which is how a run is told apart
// from another when several suites feed the same textfile collector.
func WritePrometheus(w io.Writer, s *Summary, labels map[string]string) error {
	bw := bufio.NewWriter(w)
	base := formatLabels(labels)

	gauge := func(name, help string) {
		fmt.Fprintf(bw, "# HELP kestrel_%s %s\n", name, help)
		fmt.Fprintf(bw, "# TYPE kestrel_%s gauge\n", name)
	}

	gauge("tests", "Test instances by final state")
	for _, st := range []struct {
		state string
		n     int64
	}{
		{"passed", s.Passed},
		{"failed", s.Failed},
		{"skipped", s.Skipped},
		{"cancelled", s.Cancelled},
	} {
		fmt.Fprintf(bw, "kestrel_tests%s %d\n", withLabel(base, "state", st.state), st.n)
	}
	fmt.Fprintln(bw)

	gauge("timeouts", "Test instances that timed out")
	fmt.Fprintf(bw, "kestrel_timeouts%s %d\n\n", base, s.Timeouts)

	gauge("retries", "Retry attempts across the run")
	fmt.Fprintf(bw, "kestrel_retries%s %d\n\n", base, s.Retries)

	gauge("peak_concurrency", "Most instances running at once")
	fmt.Fprintf(bw, "kestrel_peak_concurrency%s %d\n\n", base, s.Peak)

	gauge("run_duration_seconds", "Wall time of the run")
	fmt.Fprintf(bw, "kestrel_run_duration_seconds%s %s\n\n", base, seconds(s.Duration))

	gauge("test_duration_seconds", "Test duration quantiles")
	for _, q := range []struct {
		quantile string
		d        time.Duration
	}{
		{"0.5", s.P50},
		{"0.95", s.P95},
		{"0.99", s.P99},
		{"1", s.Max},
	} {
		fmt.Fprintf(bw, "kestrel_test_duration_seconds%s %s\n", withLabel(base, "quantile", q.quantile), seconds(q.d))
	}

	if len(s.Classes) > 0 {
		classes := make([]*ClassSummary, len(s.Classes))
		copy(classes, s.Classes)
		sort.Slice(classes, func(i, j int) bool { return classes[i].Name < classes[j].Name })

		fmt.Fprintln(bw)
		gauge("class_tests", "Test instances per class")
		for _, c := range classes {
			fmt.Fprintf(bw, "kestrel_class_tests%s %d\n", withLabel(base, "class", c.Name), c.Total)
		}
		fmt.Fprintln(bw)
		gauge("class_failed", "Failed test instances per class")
		for _, c := range classes {
			fmt.Fprintf(bw, "kestrel_class_failed%s %d\n", withLabel(base, "class", c.Name), c.Failed)
		}
		fmt.Fprintln(bw)
		gauge("class_duration_p95_seconds", "95th percentile test duration per class")
		for _, c := range classes {
			fmt.Fprintf(bw, "kestrel_class_duration_p95_seconds%s %s\n", withLabel(base, "class", c.Name), seconds(c.P95))
		}
	}

	return bw.Flush()
}

// WriteTextfile writes the summary to path for a node_exporter textfile
// collector. The file is replaced atomically so a scrape never sees a
// partial write.
func WriteTextfile(path string, s *Summary, labels map[string]string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".kestrel-metrics-*")
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WritePrometheus(tmp, s, labels); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%g", d.Seconds())
}

// formatLabels renders labels sorted by name, or "" when there are none.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=\"%s\"", name, escapeLabel(labels[name]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func withLabel(base, name, value string) string {
	pair := fmt.Sprintf("%s=\"%s\"", name, escapeLabel(value))
	if base == "" {
		return "{" + pair + "}"
	}
	return base[:len(base)-1] + "," + pair + "}"
}

func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return strings.ReplaceAll(s, "\n", "\\n")
}
