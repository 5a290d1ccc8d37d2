// Package generics resolves generic-parameter placeholders on test
// descriptors before instances are expanded.
//
// Exactly one Strategy is active per run. AheadOfTime expects the metadata
// source to have expanded every placeholder already; Runtime infers the type
// arguments from each descriptor's data rows.
package generics

import (
	"errors"
	"fmt"
	"strings"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
)

// Capability selects a strategy.
type Capability int

const (
	AheadOfTime Capability = iota
	Runtime
)

func (c Capability) String() string {
	if c == Runtime {
		return "runtime"
	}
	return "aot"
}

// ParseCapability converts "aot" or "runtime". An empty string means aot.
func ParseCapability(s string) (Capability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "aot", "ahead-of-time":
		return AheadOfTime, nil
	case "runtime":
		return Runtime, nil
	}
	return 0, fmt.Errorf("generics: unknown strategy %q", s)
}

// ErrUnexpandedGeneric is a logic error: the ahead-of-time metadata source
// left a generic placeholder behind.
var ErrUnexpandedGeneric = errors.New("generics: unexpanded generic parameter")

// GenericTypeResolutionError reports that a type argument could not be
// inferred from the available data.
type GenericTypeResolutionError struct {
	TestID string
	Param  string
	Reason string
}

func (e *GenericTypeResolutionError) Error() string {
	return fmt.Sprintf("generics: cannot resolve type parameter %s of %s: %s", e.Param, e.TestID, e.Reason)
}

// Strategy turns descriptors that may carry generic parameters into
// descriptors that carry none.
type Strategy interface {
	Capability() Capability
	Resolve(descs []*descriptor.TestDescriptor) ([]*descriptor.TestDescriptor, error)
}

// New returns the strategy for capability.
func New(c Capability) Strategy {
	if c == Runtime {
		return runtimeStrategy{}
	}
	return aotStrategy{}
}

type aotStrategy struct{}

func (aotStrategy) Capability() Capability { return AheadOfTime }

func (aotStrategy) Resolve(descs []*descriptor.TestDescriptor) ([]*descriptor.TestDescriptor, error) {
	for _, d := range descs {
		if len(d.GenericParams) > 0 {
			names := make([]string, len(d.GenericParams))
			for i, p := range d.GenericParams {
				names[i] = p.Name
			}
			return nil, fmt.Errorf("%w: %s still declares %s", ErrUnexpandedGeneric, d.ID, strings.Join(names, ", "))
		}
	}
	return descs, nil
}
