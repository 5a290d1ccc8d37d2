package runner

import (
	"strings"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
)

// Filter narrows which tests run.
type Filter struct {
	// Name is matched against the test id and Class.Method. A leading or
	// trailing * matches a suffix, prefix or substring.
	Name string
	Tags []string
}

func (f Filter) empty() bool {
	return f.Name == "" && len(f.Tags) == 0
}

// Select returns the tests that pass the filter, plus everything they
// depend on, in catalog order. When any test is marked Only, the filter is
// applied to those tests alone.
func Select(tests []*descriptor.TestDescriptor, f Filter) []*descriptor.TestDescriptor {
	hasOnly := false
	for _, d := range tests {
		if d.Only {
			hasOnly = true
			break
		}
	}
	if !hasOnly && f.empty() {
		return tests
	}

	byID := make(map[string]*descriptor.TestDescriptor, len(tests))
	byClass := make(map[string][]*descriptor.TestDescriptor)
	for _, d := range tests {
		byID[d.ID] = d
		byClass[d.ClassName] = append(byClass[d.ClassName], d)
	}

	selected := make(map[string]bool)
	var queue []*descriptor.TestDescriptor
	for _, d := range tests {
		if shouldRun(d, f, hasOnly) {
			selected[d.ID] = true
			queue = append(queue, d)
		}
	}

	// Pull in transitive dependencies. Missing targets are left for the
	// graph to report.
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		for _, dep := range d.Dependencies {
			var targets []*descriptor.TestDescriptor
			if dep.IsClass() {
				targets = byClass[dep.ClassName]
			} else if t, ok := byID[dep.TestID]; ok {
				targets = []*descriptor.TestDescriptor{t}
			}
			for _, t := range targets {
				if !selected[t.ID] {
					selected[t.ID] = true
					queue = append(queue, t)
				}
			}
		}
	}

	out := make([]*descriptor.TestDescriptor, 0, len(selected))
	for _, d := range tests {
		if selected[d.ID] {
			out = append(out, d)
		}
	}
	return out
}

func shouldRun(d *descriptor.TestDescriptor, f Filter, hasOnly bool) bool {
	if hasOnly && !d.Only {
		return false
	}

	if f.Name != "" {
		if !matchesPattern(d.ID, f.Name) && !matchesPattern(d.DisplayName(), f.Name) {
			return false
		}
	}

	if len(f.Tags) > 0 {
		if !hasAnyTag(d.Tags, f.Tags) {
			return false
		}
	}

	return true
}

func matchesPattern(name, pattern string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}

	leading := strings.HasPrefix(pattern, "*")
	trailing := strings.HasSuffix(pattern, "*")
	core := strings.TrimSuffix(strings.TrimPrefix(pattern, "*"), "*")

	switch {
	case leading && trailing:
		return strings.Contains(name, core)
	case leading:
		return strings.HasSuffix(name, core)
	case trailing:
		return strings.HasPrefix(name, core)
	}
	return name == pattern
}

func hasAnyTag(tags []string, filters []string) bool {
	for _, filter := range filters {
		for _, tag := range tags {
			if tag == filter {
				return true
			}
		}
	}
	return false
}
