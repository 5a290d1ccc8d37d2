// Package graph resolves dependency references between test instances into
// a directed acyclic graph and rejects graphs that could never be scheduled.
//
// Build performs a single depth-first pass in declaration order. For every
// edge it checks, in this order: a mutual (pairwise) dependency, a shared
// NotInParallel key between dependent and target, and a back edge (cycle).
// The first problem found is returned.
package graph

import (
	"fmt"
	"sync/atomic"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
)

// Edge links a dependent instance to one of its targets.
type Edge struct {
	Dependent        string
	Target           string
	ProceedOnFailure bool
}

// Node is one instance in the graph.
type Node struct {
	Instance   *descriptor.Instance
	Deps       []Edge
	Dependents []Edge

	depSet    map[string]int
	remaining atomic.Int32
}

// ID returns the instance id.
func (n *Node) ID() string {
	return n.Instance.ID
}

// Remaining returns how many predecessors have not completed yet.
func (n *Node) Remaining() int {
	return int(n.remaining.Load())
}

// DependsOn reports whether n has a direct edge to id.
func (n *Node) DependsOn(id string) bool {
	_, ok := n.depSet[id]
	return ok
}

// Graph is the resolved dependency graph of one run.
type Graph struct {
	nodes []*Node
	index map[string]*Node
}

// Unblocked is returned by Release for every dependent of a completed node.
type Unblocked struct {
	Node *Node
	Edge Edge
	// Ready is true when this release brought the dependent's countdown to zero.
	Ready bool
}

// Build resolves the dependencies of instances against each other.
func Build(instances []*descriptor.Instance) (*Graph, error) {
	g := &Graph{
		nodes: make([]*Node, 0, len(instances)),
		index: make(map[string]*Node, len(instances)),
	}

	byDescriptor := make(map[string][]*Node)
	var descOrder []*descriptor.TestDescriptor
	for _, inst := range instances {
		if _, dup := g.index[inst.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateInstance, inst.ID)
		}
		n := &Node{Instance: inst, depSet: make(map[string]int)}
		g.nodes = append(g.nodes, n)
		g.index[inst.ID] = n
		id := inst.Descriptor.ID
		if _, seen := byDescriptor[id]; !seen {
			descOrder = append(descOrder, inst.Descriptor)
		}
		byDescriptor[id] = append(byDescriptor[id], n)
	}

	byClass := make(map[string][]*descriptor.TestDescriptor)
	for _, d := range descOrder {
		byClass[d.ClassName] = append(byClass[d.ClassName], d)
	}

	for _, n := range g.nodes {
		own := n.Instance.Descriptor
		for _, ref := range own.Dependencies {
			var targets []*Node
			if ref.IsClass() {
				members, ok := byClass[ref.ClassName]
				if !ok {
					return nil, fmt.Errorf("%w: %s depends on %s", ErrMissingDependency, n.ID(), ref)
				}
				for _, d := range members {
					if d.ID == own.ID {
						continue
					}
					targets = append(targets, byDescriptor[d.ID]...)
				}
			} else {
				found, ok := byDescriptor[ref.TestID]
				if !ok {
					return nil, fmt.Errorf("%w: %s depends on %s", ErrMissingDependency, n.ID(), ref)
				}
				targets = found
			}
			for _, target := range targets {
				// A target reached twice keeps one edge. It proceeds on
				// failure only if every reference allows it.
				if i, dup := n.depSet[target.ID()]; dup {
					if !ref.ProceedOnFailure && n.Deps[i].ProceedOnFailure {
						n.Deps[i].ProceedOnFailure = false
						target.restrict(n.ID())
					}
					continue
				}
				n.depSet[target.ID()] = len(n.Deps)
				edge := Edge{Dependent: n.ID(), Target: target.ID(), ProceedOnFailure: ref.ProceedOnFailure}
				n.Deps = append(n.Deps, edge)
				target.Dependents = append(target.Dependents, edge)
			}
		}
		n.remaining.Store(int32(len(n.Deps)))
	}

	if err := g.check(); err != nil {
		return nil, err
	}
	return g, nil
}

// restrict clears ProceedOnFailure on the edge from dependent.
func (n *Node) restrict(dependent string) {
	for i := range n.Dependents {
		if n.Dependents[i].Dependent == dependent {
			n.Dependents[i].ProceedOnFailure = false
		}
	}
}

type color int

const (
	white color = iota
	gray
	black
)

func (g *Graph) check() error {
	colors := make(map[string]color, len(g.nodes))
	var path []string

	var visit func(n *Node) error
	visit = func(n *Node) error {
		colors[n.ID()] = gray
		path = append(path, n.ID())
		for _, e := range n.Deps {
			target := g.index[e.Target]
			if target == n {
				return &CircularDependencyError{Cycle: []string{n.ID(), n.ID()}}
			}
			if target.DependsOn(n.ID()) {
				return &DependencyConflictError{A: n.ID(), B: target.ID()}
			}
			if key, ok := n.Instance.Descriptor.SharesKey(target.Instance.Descriptor); ok {
				return &DependsOnNotInParallelError{Dependent: n.ID(), Target: target.ID(), Key: key}
			}
			switch colors[target.ID()] {
			case gray:
				return &CircularDependencyError{Cycle: cycleFrom(path, target.ID())}
			case white:
				if err := visit(target); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		colors[n.ID()] = black
		return nil
	}

	for _, n := range g.nodes {
		if colors[n.ID()] == white {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}

func cycleFrom(path []string, start string) []string {
	for i, id := range path {
		if id == start {
			cycle := append([]string(nil), path[i:]...)
			return append(cycle, start)
		}
	}
	return []string{start, start}
}

// Nodes returns the nodes in declaration order.
func (g *Graph) Nodes() []*Node {
	return append([]*Node(nil), g.nodes...)
}

// Node returns the node for an instance id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.index[id]
	return n, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Release marks id as completed and decrements the countdown of each of its
// dependents. It is safe to call from multiple goroutines for different ids.
func (g *Graph) Release(id string) []Unblocked {
	n, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]Unblocked, 0, len(n.Dependents))
	for _, e := range n.Dependents {
		dep := g.index[e.Dependent]
		left := dep.remaining.Add(-1)
		out = append(out, Unblocked{Node: dep, Edge: e, Ready: left == 0})
	}
	return out
}

// Order returns a topological order of the nodes (dependencies first),
// stable with respect to declaration order.
func (g *Graph) Order() []*Node {
	indegree := make(map[string]int, len(g.nodes))
	for _, n := range g.nodes {
		indegree[n.ID()] = len(n.Deps)
	}

	queue := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if indegree[n.ID()] == 0 {
			queue = append(queue, n)
		}
	}

	order := make([]*Node, 0, len(g.nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, e := range n.Dependents {
			indegree[e.Dependent]--
			if indegree[e.Dependent] == 0 {
				queue = append(queue, g.index[e.Dependent])
			}
		}
	}
	return order
}
