package runner

import (
	"time"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
	"github.com/abdul-hamid-achik/kestrel/packages/core/failure"
	"github.com/abdul-hamid-achik/kestrel/packages/metrics"
)

// RunResult is the outcome of one run.
type RunResult struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	// Results follow registration order, not completion order.
	Results   []*TestResult
	Passed    int
	Failed    int
	Skipped   int
	Cancelled int
	Retries   int
	// MaxConcurrency is the most instances that ran at once.
	MaxConcurrency int
	// Metrics is set when a recorder was configured.
	Metrics *metrics.Summary
}

// Success reports whether nothing failed or was cancelled.
func (r *RunResult) Success() bool {
	return r.Failed == 0 && r.Cancelled == 0
}

// Total returns the number of instances in the run.
func (r *RunResult) Total() int {
	return len(r.Results)
}

// TestResult is the terminal outcome of one instance.
type TestResult struct {
	ID       string
	Name     string
	Class    string
	Method   string
	Assembly string
	Tags     []string

	State      descriptor.State
	Attempts   int
	StartedAt  time.Time
	Duration   time.Duration
	SkipReason string

	// Error is the instance's aggregate failure, nil when it passed.
	Error    error
	Failures []failure.Failure
}

// Passed reports whether the instance passed.
func (t *TestResult) Passed() bool {
	return t.State == descriptor.StatePassed
}

// TimedOut reports whether any recorded failure is a timeout.
func (t *TestResult) TimedOut() bool {
	for _, f := range t.Failures {
		if f.Source == failure.SourceTimeout {
			return true
		}
	}
	return false
}

func newTestResult(inst *descriptor.Instance, assembly string) *TestResult {
	d := inst.Descriptor
	start, _ := inst.Timing()
	res := &TestResult{
		ID:         inst.ID,
		Name:       inst.Name(),
		Class:      d.ClassName,
		Method:     d.MethodName,
		Assembly:   assembly,
		Tags:       d.Tags,
		State:      inst.State(),
		StartedAt:  start,
		Duration:   inst.Duration(),
		SkipReason: inst.SkipReason(),
		Error:      inst.Failures.Err(),
		Failures:   inst.Failures.Failures(),
	}
	if !start.IsZero() {
		res.Attempts = inst.Attempt() + 1
	}
	return res
}
