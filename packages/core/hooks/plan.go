// Package hooks computes and runs the lifecycle hooks around each test.
//
// A Plan lists, for one instance, the test-scoped before and after hooks in
// execution order plus the class, assembly and session hook sets. Before
// hooks run from the most-base type to the most-derived; after hooks run
// from the most-derived type to the most-base. Within one declaring type,
// hooks keep their declaration order.
//
// Class, assembly and session hooks run exactly once per scope key, guarded
// by the ScopeTracker.
package hooks

import (
	"sort"
	"strings"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
)

// SessionKey is the single key used for session-scoped hooks.
const SessionKey = "session"

// BoundHook is a hook placed in a plan. Depth is the declaring type's
// position in the chain (0 = most base); descriptor-bound hooks get the
// depth of the most-derived type plus one.
type BoundHook struct {
	Hook  descriptor.Hook
	Depth int
}

// ScopeHooks are the hooks that run once when a scope is first entered and
// once when its last member leaves.
type ScopeHooks struct {
	Scope  descriptor.Scope
	Key    string
	Before []BoundHook
	After  []BoundHook
}

// Plan is the precomputed hook sequence of one instance.
type Plan struct {
	Instance *descriptor.Instance
	Chain    []string
	Before   []BoundHook
	After    []BoundHook

	Class    *ScopeHooks
	Assembly *ScopeHooks
	Session  *ScopeHooks
}

// Scopes returns the scope hook sets outermost first: session, assembly, class.
func (p *Plan) Scopes() []*ScopeHooks {
	return []*ScopeHooks{p.Session, p.Assembly, p.Class}
}

// chainPlan is shared by every instance whose class has the same type chain.
type chainPlan struct {
	chain  []string
	before []BoundHook
	after  []BoundHook
	class  *ScopeHooks
}

func chainKey(chain []string) string {
	return strings.Join(chain, "\x00")
}

// compileChain orders the test and class hooks declared along chain.
func compileChain(chain []string, all []descriptor.Hook) *chainPlan {
	depth := make(map[string]int, len(chain))
	for i, name := range chain {
		depth[name] = i
	}

	byType := make(map[string][]descriptor.Hook)
	for _, h := range all {
		if h.Scope != descriptor.ScopeTest && h.Scope != descriptor.ScopeClass {
			continue
		}
		if _, ok := depth[h.DeclaringType]; !ok {
			continue
		}
		byType[h.DeclaringType] = append(byType[h.DeclaringType], h)
	}
	for name := range byType {
		sortByOrder(byType[name])
	}

	plan := &chainPlan{
		chain: chain,
		class: &ScopeHooks{Scope: descriptor.ScopeClass, Key: chain[len(chain)-1]},
	}

	// Base to derived for before hooks.
	for i, name := range chain {
		for _, h := range byType[name] {
			if h.Direction != descriptor.Before {
				continue
			}
			bh := BoundHook{Hook: h, Depth: i}
			if h.Scope == descriptor.ScopeTest {
				plan.before = append(plan.before, bh)
			} else {
				plan.class.Before = append(plan.class.Before, bh)
			}
		}
	}

	// Derived to base for after hooks; declaration order within a type.
	for i := len(chain) - 1; i >= 0; i-- {
		for _, h := range byType[chain[i]] {
			if h.Direction != descriptor.After {
				continue
			}
			bh := BoundHook{Hook: h, Depth: i}
			if h.Scope == descriptor.ScopeTest {
				plan.after = append(plan.after, bh)
			} else {
				plan.class.After = append(plan.class.After, bh)
			}
		}
	}
	return plan
}

// compileScope collects assembly or session hooks. Assembly hooks with an
// empty Assembly apply to every assembly.
func compileScope(scope descriptor.Scope, key string, all []descriptor.Hook) *ScopeHooks {
	var matched []descriptor.Hook
	for _, h := range all {
		if h.Scope != scope {
			continue
		}
		if scope == descriptor.ScopeAssembly && h.Assembly != "" && h.Assembly != key {
			continue
		}
		matched = append(matched, h)
	}
	sortByOrder(matched)

	sh := &ScopeHooks{Scope: scope, Key: key}
	for _, h := range matched {
		if h.Direction == descriptor.Before {
			sh.Before = append(sh.Before, BoundHook{Hook: h})
		} else {
			sh.After = append(sh.After, BoundHook{Hook: h})
		}
	}
	return sh
}

func sortByOrder(hooks []descriptor.Hook) {
	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].Order < hooks[j].Order
	})
}
