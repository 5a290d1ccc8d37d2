package graph

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNilWriter indicates that a nil writer was provided to ExportDOT.
var ErrNilWriter = errors.New("graph: nil writer")

// DOTOption configures ExportDOT.
type DOTOption func(*dotConfig)

type dotConfig struct {
	graphName string
	rankDir   string
}

// DOTWithGraphName overrides the DOT graph identifier.
func DOTWithGraphName(name string) DOTOption {
	return func(cfg *dotConfig) {
		if name != "" {
			cfg.graphName = name
		}
	}
}

// DOTWithRankDir sets the rank direction (e.g. "LR", "TB").
func DOTWithRankDir(rankDir string) DOTOption {
	return func(cfg *dotConfig) {
		if rankDir != "" {
			cfg.rankDir = rankDir
		}
	}
}

// ExportDOT renders the graph in Graphviz DOT format. Edges point from a
// dependency to its dependent; proceed-on-failure edges are dashed and
// not-in-parallel instances are boxed.
func (g *Graph) ExportDOT(w io.Writer, opts ...DOTOption) error {
	if w == nil {
		return ErrNilWriter
	}

	cfg := dotConfig{graphName: "kestrel", rankDir: "LR"}
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, err := fmt.Fprintf(w, "digraph %s {\n    rankdir=%s;\n", quote(cfg.graphName), cfg.rankDir); err != nil {
		return err
	}

	for _, n := range g.nodes {
		attrs := ""
		if keys := n.Instance.Descriptor.NotInParallel; len(keys) > 0 {
			attrs = fmt.Sprintf(" [shape=box, tooltip=%s]", quote("not in parallel: "+strings.Join(keys, ",")))
		}
		if _, err := fmt.Fprintf(w, "    %s%s;\n", quote(n.ID()), attrs); err != nil {
			return err
		}
	}

	for _, n := range g.nodes {
		for _, e := range n.Deps {
			style := ""
			if e.ProceedOnFailure {
				style = " [style=dashed]"
			}
			if _, err := fmt.Fprintf(w, "    %s -> %s%s;\n", quote(e.Target), quote(e.Dependent), style); err != nil {
				return err
			}
		}
	}

	_, err := io.WriteString(w, "}\n")
	return err
}

func quote(name string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range name {
		if r == '\\' || r == '"' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}
