package generics

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
)

type runtimeStrategy struct{}

func (runtimeStrategy) Capability() Capability { return Runtime }

// Resolve expands every generic descriptor into one concrete descriptor per
// distinct tuple of inferred type arguments. Dependencies on an expanded
// descriptor are redirected to all of its concrete variants.
func (runtimeStrategy) Resolve(descs []*descriptor.TestDescriptor) ([]*descriptor.TestDescriptor, error) {
	out := make([]*descriptor.TestDescriptor, 0, len(descs))
	expanded := make(map[string][]string)

	for _, d := range descs {
		if len(d.GenericParams) == 0 {
			out = append(out, d)
			continue
		}
		variants, err := expand(d)
		if err != nil {
			return nil, err
		}
		for _, v := range variants {
			expanded[d.ID] = append(expanded[d.ID], v.ID)
		}
		out = append(out, variants...)
	}

	if len(expanded) == 0 {
		return out, nil
	}
	for i, d := range out {
		if !referencesAny(d, expanded) {
			continue
		}
		c := d.Clone()
		c.Dependencies = c.Dependencies[:0]
		for _, ref := range d.Dependencies {
			ids, ok := expanded[ref.TestID]
			if ref.IsClass() || !ok {
				c.Dependencies = append(c.Dependencies, ref)
				continue
			}
			for _, id := range ids {
				c.Dependencies = append(c.Dependencies, descriptor.DependencyRef{TestID: id, ProceedOnFailure: ref.ProceedOnFailure})
			}
		}
		out[i] = c
	}
	return out, nil
}

func referencesAny(d *descriptor.TestDescriptor, ids map[string][]string) bool {
	for _, ref := range d.Dependencies {
		if _, ok := ids[ref.TestID]; ok && !ref.IsClass() {
			return true
		}
	}
	return false
}

func expand(d *descriptor.TestDescriptor) ([]*descriptor.TestDescriptor, error) {
	if len(d.DataRows) == 0 {
		return nil, &GenericTypeResolutionError{
			TestID: d.ID,
			Param:  d.GenericParams[0].Name,
			Reason: "no data rows to infer from",
		}
	}

	type group struct {
		suffix string
		rows   []descriptor.DataRow
	}
	var groups []*group
	index := make(map[string]*group)

	for _, row := range d.DataRows {
		values := row.Values()
		parts := make([]string, len(d.GenericParams))
		for i, p := range d.GenericParams {
			if p.ArgIndex < 0 || p.ArgIndex >= len(values) {
				return nil, &GenericTypeResolutionError{
					TestID: d.ID,
					Param:  p.Name,
					Reason: "row " + row.JSON + " has no argument at that index",
				}
			}
			typ, ok := InferType(values[p.ArgIndex])
			if !ok {
				return nil, &GenericTypeResolutionError{
					TestID: d.ID,
					Param:  p.Name,
					Reason: "null value in row " + row.JSON,
				}
			}
			parts[i] = p.Name + "=" + typ
		}
		suffix := "<" + strings.Join(parts, ",") + ">"
		g, ok := index[suffix]
		if !ok {
			g = &group{suffix: suffix}
			index[suffix] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, row)
	}

	out := make([]*descriptor.TestDescriptor, 0, len(groups))
	for _, g := range groups {
		c := d.Clone()
		c.ID = d.ID + g.suffix
		c.MethodName = d.MethodName + g.suffix
		c.DataRows = g.rows
		c.GenericParams = nil
		out = append(out, c)
	}
	return out, nil
}

// InferType maps a JSON value to the Go type name used as a type argument.
// It reports false for null and missing values.
func InferType(v gjson.Result) (string, bool) {
	switch v.Type {
	case gjson.Number:
		if strings.ContainsAny(v.Raw, ".eE") {
			return "float64", true
		}
		return "int", true
	case gjson.String:
		return "string", true
	case gjson.True, gjson.False:
		return "bool", true
	case gjson.JSON:
		if v.IsArray() {
			return "[]any", true
		}
		return "map[string]any", true
	}
	return "", false
}
