package descriptor

import (
	"context"
	"fmt"
)

// Scope is the lifetime a hook is attached to.
type Scope int

const (
	ScopeTest Scope = iota
	ScopeClass
	ScopeAssembly
	ScopeSession
)

func (s Scope) String() string {
	switch s {
	case ScopeTest:
		return "test"
	case ScopeClass:
		return "class"
	case ScopeAssembly:
		return "assembly"
	case ScopeSession:
		return "session"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// ParseScope converts a textual scope name.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "test", "":
		return ScopeTest, nil
	case "class":
		return ScopeClass, nil
	case "assembly":
		return ScopeAssembly, nil
	case "session":
		return ScopeSession, nil
	}
	return 0, fmt.Errorf("descriptor: unknown hook scope %q", s)
}

// Direction says whether a hook runs before or after its scope.
type Direction int

const (
	Before Direction = iota
	After
)

func (d Direction) String() string {
	if d == After {
		return "after"
	}
	return "before"
}

// ParseDirection converts "before"/"after".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "before":
		return Before, nil
	case "after":
		return After, nil
	}
	return 0, fmt.Errorf("descriptor: unknown hook direction %q", s)
}

// HookContext is passed to hook callables.
type HookContext struct {
	Scope Scope
	// Key is the class, assembly or session key the hook runs for.
	Key string
	// Instance is the test the hook runs for. For class, assembly and session
	// hooks it is the instance that claimed the first/last trigger.
	Instance *Instance
}

// HookFunc is a pre-bound hook callable.
type HookFunc func(ctx context.Context, hc HookContext) error

// Hook is a lifecycle callable registered at discovery time.
type Hook struct {
	Name      string
	Scope     Scope
	Direction Direction
	// DeclaringType is the type that declares test and class hooks.
	DeclaringType string
	// Assembly scopes assembly hooks.
	Assembly string
	// Order is the source declaration position within the declaring type.
	Order int
	Fn    HookFunc
}

// Label returns Type.Name, or the bare name for hooks without a declaring type.
func (h Hook) Label() string {
	if h.DeclaringType == "" {
		return h.Name
	}
	return h.DeclaringType + "." + h.Name
}
