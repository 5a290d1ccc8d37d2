package descriptor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

var (
	// ErrEmptyID indicates a descriptor was declared without an id.
	ErrEmptyID = errors.New("descriptor: id must not be empty")
	// ErrNoBody indicates a descriptor was declared without a body.
	ErrNoBody = errors.New("descriptor: body must not be nil")
	// ErrInvalidDescriptor indicates a descriptor failed validation.
	ErrInvalidDescriptor = errors.New("descriptor: invalid")
)

// BodyFunc is the test body. It receives the running instance and the
// constructed test subject (nil when no Constructor is configured).
type BodyFunc func(ctx context.Context, tc *TestContext) error

// TestContext is handed to test bodies.
type TestContext struct {
	Instance *Instance
	Subject  any
}

// DependencyRef names what a test depends on: either a single test (by
// descriptor id) or every test of a class.
type DependencyRef struct {
	TestID           string
	ClassName        string
	ProceedOnFailure bool
}

// IsClass reports whether the reference targets a whole class.
func (r DependencyRef) IsClass() bool {
	return r.TestID == "" && r.ClassName != ""
}

func (r DependencyRef) String() string {
	if r.IsClass() {
		return "class " + r.ClassName
	}
	return r.TestID
}

// GenericParam is an unresolved type parameter whose concrete type is
// inferred from the data row value at ArgIndex.
type GenericParam struct {
	Name     string
	ArgIndex int
}

// DataRow is one row produced by a data source, encoded as a JSON array.
type DataRow struct {
	Label string
	JSON  string
}

// Values parses the row into its positional values.
func (r DataRow) Values() []gjson.Result {
	parsed := gjson.Parse(r.JSON)
	if !parsed.IsArray() {
		return []gjson.Result{parsed}
	}
	return parsed.Array()
}

// TestDescriptor is the immutable declaration of one logical test.
type TestDescriptor struct {
	ID         string
	ClassName  string
	MethodName string
	Assembly   string

	ClassArgs  []any
	MethodArgs []any
	DataRows   []DataRow

	Timeout    time.Duration
	RetryLimit int
	Repeat     int

	NotInParallel []string
	ParallelGroup string
	ParallelLimit int

	Dependencies  []DependencyRef
	GenericParams []GenericParam

	Skip string
	Tags []string
	Only bool

	Body  BodyFunc
	Hooks []Hook
}

// DisplayName returns Class.Method.
func (d *TestDescriptor) DisplayName() string {
	return d.ClassName + "." + d.MethodName
}

// HasConstraints reports whether the descriptor restricts its concurrency.
func (d *TestDescriptor) HasConstraints() bool {
	return len(d.NotInParallel) > 0 || d.ParallelLimit > 0
}

// SharesKey returns the first NotInParallel key both descriptors carry.
func (d *TestDescriptor) SharesKey(other *TestDescriptor) (string, bool) {
	for _, k := range d.NotInParallel {
		for _, o := range other.NotInParallel {
			if k == o {
				return k, true
			}
		}
	}
	return "", false
}

// Validate checks the descriptor is self-consistent.
func (d *TestDescriptor) Validate() error {
	if d.ID == "" {
		return ErrEmptyID
	}
	if d.Body == nil {
		return fmt.Errorf("%w: %s", ErrNoBody, d.ID)
	}
	switch {
	case d.ClassName == "":
		return fmt.Errorf("%w: %s has no class", ErrInvalidDescriptor, d.ID)
	case d.MethodName == "":
		return fmt.Errorf("%w: %s has no method", ErrInvalidDescriptor, d.ID)
	case d.RetryLimit < 0:
		return fmt.Errorf("%w: %s retry limit %d", ErrInvalidDescriptor, d.ID, d.RetryLimit)
	case d.Repeat < 0:
		return fmt.Errorf("%w: %s repeat %d", ErrInvalidDescriptor, d.ID, d.Repeat)
	case d.Timeout < 0:
		return fmt.Errorf("%w: %s timeout %s", ErrInvalidDescriptor, d.ID, d.Timeout)
	case d.ParallelLimit < 0:
		return fmt.Errorf("%w: %s parallel limit %d", ErrInvalidDescriptor, d.ID, d.ParallelLimit)
	case d.ParallelLimit > 0 && d.ParallelGroup == "":
		return fmt.Errorf("%w: %s sets a parallel limit without a group", ErrInvalidDescriptor, d.ID)
	}
	for _, dep := range d.Dependencies {
		if dep.TestID == "" && dep.ClassName == "" {
			return fmt.Errorf("%w: %s has an empty dependency", ErrInvalidDescriptor, d.ID)
		}
	}
	for _, h := range d.Hooks {
		if h.Scope != ScopeTest {
			return fmt.Errorf("%w: %s binds a %s hook; only test hooks may be bound to a descriptor", ErrInvalidDescriptor, d.ID, h.Scope)
		}
	}
	return nil
}

// Clone returns a shallow copy with independent slices, used by strategies
// that derive new descriptors from an existing one.
func (d *TestDescriptor) Clone() *TestDescriptor {
	c := *d
	c.ClassArgs = append([]any(nil), d.ClassArgs...)
	c.MethodArgs = append([]any(nil), d.MethodArgs...)
	c.DataRows = append([]DataRow(nil), d.DataRows...)
	c.NotInParallel = append([]string(nil), d.NotInParallel...)
	c.Dependencies = append([]DependencyRef(nil), d.Dependencies...)
	c.GenericParams = append([]GenericParam(nil), d.GenericParams...)
	c.Tags = append([]string(nil), d.Tags...)
	c.Hooks = append([]Hook(nil), d.Hooks...)
	return &c
}
