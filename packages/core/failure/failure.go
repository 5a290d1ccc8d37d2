// Package failure collects the errors produced while executing one test
// instance and folds them into a single structured report.
//
// Failures come from several sources: constructing the test subject, the
// test body itself, a timeout, lifecycle hooks, event receivers, upstream
// dependencies and cancellation. Each is recorded with its Source tag and the
// aggregate renders them together instead of chaining wrapped errors.
package failure

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Source identifies where a failure originated.
type Source int

const (
	SourceConstruction Source = iota
	SourceTest
	SourceTimeout
	SourceHook
	SourceEventReceiver
	SourceDependency
	SourceCancellation
)

func (s Source) String() string {
	switch s {
	case SourceConstruction:
		return "construction"
	case SourceTest:
		return "test"
	case SourceTimeout:
		return "timeout"
	case SourceHook:
		return "hook"
	case SourceEventReceiver:
		return "event receiver"
	case SourceDependency:
		return "dependency"
	case SourceCancellation:
		return "cancellation"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Failure is one recorded error together with its origin.
type Failure struct {
	Source Source
	// Name identifies the hook, receiver or phase that failed. Optional.
	Name string
	Err  error
}

func (f Failure) String() string {
	if f.Name != "" {
		return fmt.Sprintf("[%s] %s: %v", f.Source, f.Name, f.Err)
	}
	return fmt.Sprintf("[%s] %v", f.Source, f.Err)
}

// Aggregate accumulates failures for one instance. The zero value is ready to use.
type Aggregate struct {
	mu       sync.Mutex
	failures []Failure
}

// Add records err under the given source. Nil errors are ignored.
func (a *Aggregate) Add(src Source, name string, err error) {
	if err == nil {
		return
	}
	a.mu.Lock()
	a.failures = append(a.failures, Failure{Source: src, Name: name, Err: err})
	a.mu.Unlock()
}

// AddAll records every error in errs under the same source and name.
func (a *Aggregate) AddAll(src Source, name string, errs []error) {
	for _, err := range errs {
		a.Add(src, name, err)
	}
}

// Append records already-built failures, skipping those with a nil error.
func (a *Aggregate) Append(fs ...Failure) {
	for _, f := range fs {
		a.Add(f.Source, f.Name, f.Err)
	}
}

// Len returns the number of recorded failures.
func (a *Aggregate) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.failures)
}

// Empty reports whether nothing has been recorded.
func (a *Aggregate) Empty() bool {
	return a.Len() == 0
}

// Has reports whether any failure from src has been recorded.
func (a *Aggregate) Has(src Source) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range a.failures {
		if f.Source == src {
			return true
		}
	}
	return false
}

// Failures returns a copy of the recorded failures in insertion order.
func (a *Aggregate) Failures() []Failure {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Failure, len(a.failures))
	copy(out, a.failures)
	return out
}

// Reset discards every recorded failure. Used between retry attempts.
func (a *Aggregate) Reset() {
	a.mu.Lock()
	a.failures = nil
	a.mu.Unlock()
}

// Err returns nil when nothing was recorded, otherwise an *AggregateError
// snapshotting the current failures.
func (a *Aggregate) Err() error {
	failures := a.Failures()
	if len(failures) == 0 {
		return nil
	}
	return &AggregateError{Failures: failures}
}

// AggregateError is the combined failure of one instance.
type AggregateError struct {
	Failures []Failure
}

// Error renders a multi-line report, grouping the primary test failure first.
func (e *AggregateError) Error() string {
	if len(e.Failures) == 1 {
		return e.Failures[0].String()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d failures:", len(e.Failures))
	for i, f := range e.ordered() {
		fmt.Fprintf(&b, "\n  %d) %s", i+1, indent(f.String()))
	}
	return b.String()
}

// Unwrap exposes every underlying error to errors.Is and errors.As.
func (e *AggregateError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Primary returns the most significant failure: the test body (or its
// timeout) when present, otherwise the first recorded.
func (e *AggregateError) Primary() Failure {
	ordered := e.ordered()
	return ordered[0]
}

// BySource returns the failures recorded under src.
func (e *AggregateError) BySource(src Source) []Failure {
	var out []Failure
	for _, f := range e.Failures {
		if f.Source == src {
			out = append(out, f)
		}
	}
	return out
}

func (e *AggregateError) ordered() []Failure {
	out := make([]Failure, 0, len(e.Failures))
	for _, rank := range []Source{SourceConstruction, SourceTest, SourceTimeout, SourceDependency, SourceCancellation, SourceHook, SourceEventReceiver} {
		for _, f := range e.Failures {
			if f.Source == rank {
				out = append(out, f)
			}
		}
	}
	return out
}

func indent(s string) string {
	return strings.ReplaceAll(s, "\n", "\n     ")
}

// TimeoutError reports a test body or hook that exceeded its time budget.
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s", e.Duration)
}

// ConstructionError reports that the test subject could not be created.
type ConstructionError struct {
	TestID string
	Err    error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("constructing %s: %v", e.TestID, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// PanicError wraps a value recovered from a panicking test body or hook.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsTimeout reports whether err is or wraps a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
