// Package notify sends run summaries to chat services once a run completes.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
	"github.com/abdul-hamid-achik/kestrel/packages/core/runner"
)

// NotifyOn specifies when to send notifications
type NotifyOn string

const (
	// NotifyAlways sends notifications for every run
	NotifyAlways NotifyOn = "always"
	// NotifyFailure sends notifications only when tests fail
	NotifyFailure NotifyOn = "failure"
	// NotifySuccess sends notifications only when tests pass
	NotifySuccess NotifyOn = "success"
	// NotifyRecovery sends notifications on failure and when a run passes
	// after a failed one
	NotifyRecovery NotifyOn = "recovery"
)

// ParseNotifyOn validates a policy name. Empty means failure.
func ParseNotifyOn(s string) (NotifyOn, error) {
	switch NotifyOn(s) {
	case "":
		return NotifyFailure, nil
	case NotifyAlways, NotifyFailure, NotifySuccess, NotifyRecovery:
		return NotifyOn(s), nil
	}
	return "", fmt.Errorf("invalid notify policy %q (want always, failure, success or recovery)", s)
}

// maxFailedResults caps the failures listed in one message.
const maxFailedResults = 10

// RunSummary represents the summary of a test run for notifications
type RunSummary struct {
	RunID          string        `json:"run_id"`
	TotalTests     int           `json:"total_tests"`
	PassedTests    int           `json:"passed_tests"`
	FailedTests    int           `json:"failed_tests"`
	SkippedTests   int           `json:"skipped_tests"`
	CancelledTests int           `json:"cancelled_tests"`
	Duration       time.Duration `json:"duration"`
	Environment    string        `json:"environment,omitempty"`
	FailedResults  []FailedTest  `json:"failed_results,omitempty"`
	// Omitted counts failures left out of FailedResults.
	Omitted    int  `json:"omitted,omitempty"`
	IsRecovery bool `json:"is_recovery,omitempty"`
}

// Success reports whether the run had no failed or cancelled tests.
func (s *RunSummary) Success() bool {
	return s.FailedTests == 0 && s.CancelledTests == 0
}

// FailedTest represents a failed test for notifications
type FailedTest struct {
	Name   string   `json:"name"`
	Class  string   `json:"class"`
	Errors []string `json:"errors,omitempty"`
}

// Summarize builds a notification summary from a run result.
func Summarize(result *runner.RunResult, environment string) *RunSummary {
	s := &RunSummary{
		RunID:          result.RunID,
		TotalTests:     result.Total(),
		PassedTests:    result.Passed,
		FailedTests:    result.Failed,
		SkippedTests:   result.Skipped,
		CancelledTests: result.Cancelled,
		Duration:       result.Duration,
		Environment:    environment,
	}
	for _, r := range result.Results {
		if r.State != descriptor.StateFailed {
			continue
		}
		if len(s.FailedResults) == maxFailedResults {
			s.Omitted++
			continue
		}
		ft := FailedTest{Name: r.Name, Class: r.Class}
		for _, f := range r.Failures {
			ft.Errors = append(ft.Errors, f.String())
		}
		s.FailedResults = append(s.FailedResults, ft)
	}
	return s
}

// Notifier is the interface for notification services
type Notifier interface {
	// Notify sends a notification about test results
	Notify(ctx context.Context, summary *RunSummary) error

	// Name returns the name of the notifier
	Name() string
}

// Manager manages multiple notifiers
type Manager struct {
	notifiers []Notifier
	notifyOn  NotifyOn
	lastState bool // true if last run was successful
	logger    *slog.Logger
}

// ManagerOption is a functional option for Manager
type ManagerOption func(*Manager)

// WithPreviousOutcome seeds the recovery check with the outcome of the run
// before this process started, usually read from the run history.
func WithPreviousOutcome(success bool) ManagerOption {
	return func(m *Manager) {
		m.lastState = success
	}
}

// WithLogger sets the logger used to report notifier failures
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a new notification manager
func NewManager(notifyOn NotifyOn, opts ...ManagerOption) *Manager {
	m := &Manager{
		notifyOn:  notifyOn,
		lastState: true, // Assume success initially
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddNotifier adds a notifier to the manager
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Len returns the number of configured notifiers
func (m *Manager) Len() int {
	return len(m.notifiers)
}

// ShouldNotify applies the policy to a summary and remembers its outcome
// for the next recovery check.
func (m *Manager) ShouldNotify(summary *RunSummary) bool {
	shouldNotify := false
	currentSuccess := summary.Success()

	switch m.notifyOn {
	case NotifyAlways:
		shouldNotify = true
	case NotifyFailure:
		shouldNotify = !currentSuccess
	case NotifySuccess:
		shouldNotify = currentSuccess
	case NotifyRecovery:
		if !m.lastState && currentSuccess {
			shouldNotify = true
			summary.IsRecovery = true
		}
		if !currentSuccess {
			shouldNotify = true
		}
	}

	m.lastState = currentSuccess
	return shouldNotify
}

// Notify sends notifications based on the configured policy. Every notifier
// is attempted; their errors are joined.
func (m *Manager) Notify(ctx context.Context, summary *RunSummary) error {
	if !m.ShouldNotify(summary) {
		return nil
	}

	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, summary); err != nil {
			m.logger.Warn("notification failed", "notifier", n.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
			continue
		}
		m.logger.Debug("notification sent", "notifier", n.Name(), "run_id", summary.RunID)
	}

	return errors.Join(errs...)
}

func title(summary *RunSummary) string {
	switch {
	case summary.FailedTests > 0:
		return fmt.Sprintf("%d test(s) failed", summary.FailedTests)
	case summary.CancelledTests > 0:
		return fmt.Sprintf("%d test(s) cancelled", summary.CancelledTests)
	case summary.IsRecovery:
		return "Tests recovered!"
	}
	return "All tests passed!"
}
