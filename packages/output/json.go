package output

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/abdul-hamid-achik/kestrel/packages/core/runner"
)

// JSONOutput represents the complete JSON output structure
type JSONOutput struct {
	RunID    string       `json:"runId,omitempty"`
	Summary  JSONSummary  `json:"summary"`
	Tests    []JSONTest   `json:"tests"`
	Metrics  *JSONMetrics `json:"metrics,omitempty"`
	Duration float64      `json:"duration"`
	Time     string       `json:"time"`
}

// JSONSummary represents the test summary
type JSONSummary struct {
	Total     int `json:"total"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
	Retries   int `json:"retries"`
}

// JSONTest represents a single test result
type JSONTest struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Class      string        `json:"class"`
	Assembly   string        `json:"assembly,omitempty"`
	State      string        `json:"state"`
	Attempts   int           `json:"attempts"`
	Duration   float64       `json:"duration"`
	SkipReason string        `json:"skipReason,omitempty"`
	Tags       []string      `json:"tags,omitempty"`
	Failures   []JSONFailure `json:"failures,omitempty"`
}

// JSONFailure represents one recorded failure
type JSONFailure struct {
	Source  string `json:"source"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

// JSONMetrics represents duration percentiles in milliseconds
type JSONMetrics struct {
	P50  float64 `json:"p50"`
	P95  float64 `json:"p95"`
	P99  float64 `json:"p99"`
	Max  float64 `json:"max"`
	Peak int32   `json:"peakConcurrency"`
}

// JSONFormatter formats test results as JSON
type JSONFormatter struct {
	writer  io.Writer
	runID   string
	summary JSONSummary
	results []JSONTest
	metrics *JSONMetrics
}

type JSONOption func(*JSONFormatter)

func NewJSONFormatter(opts ...JSONOption) *JSONFormatter {
	f := &JSONFormatter{
		writer:  os.Stdout,
		results: make([]JSONTest, 0),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func JSONWithWriter(w io.Writer) JSONOption {
	return func(f *JSONFormatter) {
		f.writer = w
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func (f *JSONFormatter) FormatResult(result *runner.RunResult) {
	f.runID = result.RunID
	f.summary.Passed += result.Passed
	f.summary.Failed += result.Failed
	f.summary.Skipped += result.Skipped
	f.summary.Cancelled += result.Cancelled
	f.summary.Retries += result.Retries

	for _, r := range result.Results {
		test := JSONTest{
			ID:         r.ID,
			Name:       r.Name,
			Class:      r.Class,
			Assembly:   r.Assembly,
			State:      string(r.State),
			Attempts:   r.Attempts,
			Duration:   ms(r.Duration),
			SkipReason: r.SkipReason,
			Tags:       r.Tags,
		}
		for _, fl := range r.Failures {
			test.Failures = append(test.Failures, JSONFailure{
				Source:  fl.Source.String(),
				Name:    fl.Name,
				Message: fl.Err.Error(),
			})
		}
		f.results = append(f.results, test)
	}

	if m := result.Metrics; m != nil {
		f.metrics = &JSONMetrics{
			P50:  ms(m.P50),
			P95:  ms(m.P95),
			P99:  ms(m.P99),
			Max:  ms(m.Max),
			Peak: m.Peak,
		}
	}
}

func (f *JSONFormatter) FormatError(err error) {
	// Errors are included in individual test results
}

func (f *JSONFormatter) FormatHeader(version string) {
	// No header needed for JSON output
}

// Flush writes the accumulated JSON output
func (f *JSONFormatter) Flush(totalDuration time.Duration) error {
	summary := f.summary
	summary.Total = len(f.results)

	output := JSONOutput{
		RunID:    f.runID,
		Summary:  summary,
		Tests:    f.results,
		Metrics:  f.metrics,
		Duration: float64(totalDuration.Milliseconds()),
		Time:     time.Now().Format(time.RFC3339),
	}

	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}
