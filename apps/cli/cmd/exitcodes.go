package cmd

import (
	"errors"
	"fmt"
)

// Exit codes for kestrel CLI
const (
	// ExitSuccess indicates all tests passed
	ExitSuccess = 0

	// ExitTestFailure indicates one or more tests failed or were cancelled
	ExitTestFailure = 1

	// ExitDiscoveryError indicates a suite file could not be loaded or the
	// run plan is invalid: a cycle, a missing dependency or a conflict
	ExitDiscoveryError = 2

	// ExitConfigError indicates a configuration error
	ExitConfigError = 3

	// ExitInterrupted indicates the run was stopped by a signal
	ExitInterrupted = 130

	// ExitUsageError indicates invalid CLI usage
	ExitUsageError = 64
)

// exitError carries the process exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitUsageError
}
