package descriptor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateID indicates two descriptors share an id.
	ErrDuplicateID = errors.New("descriptor: duplicate test id")
	// ErrInheritanceLoop indicates a type chain refers back to itself.
	ErrInheritanceLoop = errors.New("descriptor: inheritance loop")
)

// TypeInfo describes one class in the test type hierarchy.
type TypeInfo struct {
	Name     string
	Base     string
	Assembly string
}

// Catalog is everything the metadata source produced for one run.
type Catalog struct {
	Tests []*TestDescriptor
	Types map[string]TypeInfo
	Hooks []Hook
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{Types: make(map[string]TypeInfo)}
}

// AddType registers a type. Re-registering replaces the earlier entry.
func (c *Catalog) AddType(t TypeInfo) {
	if c.Types == nil {
		c.Types = make(map[string]TypeInfo)
	}
	c.Types[t.Name] = t
}

// hookGroup is the set of hooks whose Order values are compared.
type hookGroup struct {
	declaringType string
	scope         Scope
	direction     Direction
}

func groupOf(h Hook) hookGroup {
	return hookGroup{h.DeclaringType, h.Scope, h.Direction}
}

// nextOrders returns, per group, the first Order after every registered hook.
func (c *Catalog) nextOrders() map[hookGroup]int {
	next := make(map[hookGroup]int)
	for _, h := range c.Hooks {
		g := groupOf(h)
		if h.Order+1 > next[g] {
			next[g] = h.Order + 1
		}
	}
	return next
}

// AddHook registers a hook. If Order is zero the hook is placed after every
// hook already registered for the same declaring type, scope and direction.
func (c *Catalog) AddHook(h Hook) {
	if h.Order == 0 {
		h.Order = c.nextOrders()[groupOf(h)]
	}
	c.Hooks = append(c.Hooks, h)
}

// AddTest appends a descriptor.
func (c *Catalog) AddTest(d *TestDescriptor) {
	c.Tests = append(c.Tests, d)
}

// Merge appends other's contents into c. Hooks from other are ordered after
// c's hooks of the same group, keeping their relative order.
func (c *Catalog) Merge(other *Catalog) {
	if other == nil {
		return
	}
	for _, t := range other.Types {
		c.AddType(t)
	}
	next := c.nextOrders()
	for _, h := range other.Hooks {
		h.Order += next[groupOf(h)]
		c.Hooks = append(c.Hooks, h)
	}
	c.Tests = append(c.Tests, other.Tests...)
}

// Test returns the descriptor with the given id.
func (c *Catalog) Test(id string) (*TestDescriptor, bool) {
	for _, d := range c.Tests {
		if d.ID == id {
			return d, true
		}
	}
	return nil, false
}

// AssemblyOf returns the assembly for a class: the descriptor's own value
// wins, then the type registration, then "default".
func (c *Catalog) AssemblyOf(d *TestDescriptor) string {
	if d.Assembly != "" {
		return d.Assembly
	}
	if t, ok := c.Types[d.ClassName]; ok && t.Assembly != "" {
		return t.Assembly
	}
	return "default"
}

// Chain returns the inheritance chain of class, most-base first and class
// last. Unregistered types are treated as roots.
func (c *Catalog) Chain(class string) ([]string, error) {
	var chain []string
	seen := make(map[string]bool)
	for name := class; name != ""; {
		if seen[name] {
			return nil, fmt.Errorf("%w: %s", ErrInheritanceLoop, strings.Join(append(reverse(chain), name), " <- "))
		}
		seen[name] = true
		chain = append(chain, name)
		t, ok := c.Types[name]
		if !ok {
			break
		}
		name = t.Base
	}
	return reverse(chain), nil
}

// Validate checks every descriptor and rejects duplicate ids and broken
// type chains.
func (c *Catalog) Validate() error {
	ids := make(map[string]bool, len(c.Tests))
	for _, d := range c.Tests {
		if err := d.Validate(); err != nil {
			return err
		}
		if ids[d.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateID, d.ID)
		}
		ids[d.ID] = true
		if _, err := c.Chain(d.ClassName); err != nil {
			return err
		}
	}
	for _, h := range c.Hooks {
		if h.Fn == nil {
			return fmt.Errorf("%w: hook %s has no function", ErrInvalidDescriptor, h.Label())
		}
	}
	return nil
}

func reverse(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[len(in)-1-i] = s
	}
	return out
}
