package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingDependency indicates a dependency reference matches no test.
	ErrMissingDependency = errors.New("graph: missing dependency")
	// ErrDuplicateInstance indicates two instances share an id.
	ErrDuplicateInstance = errors.New("graph: duplicate instance id")
)

// CircularDependencyError reports a dependency cycle. Cycle lists the
// instance ids along the cycle with the first id repeated at the end.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return "graph: circular dependency: " + strings.Join(e.Cycle, " -> ")
}

// DependencyConflictError reports two instances that depend on each other.
type DependencyConflictError struct {
	A string
	B string
}

func (e *DependencyConflictError) Error() string {
	return fmt.Sprintf("graph: dependency conflict: %s and %s depend on each other", e.A, e.B)
}

// DependsOnNotInParallelError reports a dependency between two instances
// that are mutually exclusive through the same NotInParallel key.
type DependsOnNotInParallelError struct {
	Dependent string
	Target    string
	Key       string
}

func (e *DependsOnNotInParallelError) Error() string {
	return fmt.Sprintf("graph: %s depends on %s but both are not-in-parallel on key %q", e.Dependent, e.Target, e.Key)
}

// IsDiscoveryError reports whether err is one of the errors Build returns
// for an invalid dependency graph.
func IsDiscoveryError(err error) bool {
	var (
		cycle    *CircularDependencyError
		conflict *DependencyConflictError
		nip      *DependsOnNotInParallelError
	)
	return errors.As(err, &cycle) || errors.As(err, &conflict) || errors.As(err, &nip) ||
		errors.Is(err, ErrMissingDependency) || errors.Is(err, ErrDuplicateInstance)
}
