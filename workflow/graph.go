package workflow

import (
	"context"
	"fmt"

	"github.com/DyNATgIT/ARK/types"
	"github.com/DyNATgIT/ARK/worker"
)

// Update applies a phase's output to the engine-owned state.
type Update func(state *types.WorkflowState)

// Handler computes a phase's update from an input snapshot. w is nil for phases
// without a capability.
type Handler func(ctx context.Context, in types.WorkflowState, w worker.Worker) (Update, error)

// Node is one row of the phase table.
type Node struct {
	Phase types.Phase
	// Capability names the registry entry the phase delegates to; empty for pure phases.
	Capability string
	Handler    Handler
	// Targets lists every phase Next may return.
	Targets []types.Phase
	Next    func(state types.WorkflowState) types.Phase
}

// Graph is an explicit finite-state machine: a table of phase → node.
type Graph struct {
	entry    types.Phase
	nodes    map[types.Phase]*Node
	added    []types.Phase
	order    []types.Phase
	parallel []types.Phase
}

// NewGraph returns an empty graph starting at entry.
func NewGraph(entry types.Phase) *Graph {
	return &Graph{entry: entry, nodes: make(map[types.Phase]*Node)}
}

// AddNode adds a node. Phases must be unique and must not be terminals.
func (g *Graph) AddNode(n Node) error {
	if n.Phase == "" || n.Phase.IsTerminal() {
		return fmt.Errorf("%w: %q cannot be a node", ErrInvalidGraph, n.Phase)
	}
	if _, ok := g.nodes[n.Phase]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePhase, n.Phase)
	}
	if n.Handler == nil || n.Next == nil || len(n.Targets) == 0 {
		return fmt.Errorf("%w: %s needs a handler, targets and a next function", ErrInvalidGraph, n.Phase)
	}
	node := n
	node.Targets = append([]types.Phase{}, n.Targets...)
	g.nodes[n.Phase] = &node
	g.added = append(g.added, n.Phase)
	return nil
}

// SetParallelGroup marks a chain of consecutive phases that may run concurrently.
func (g *Graph) SetParallelGroup(phases ...types.Phase) {
	g.parallel = append([]types.Phase{}, phases...)
}

// ParallelGroup returns the phases that may fan out.
func (g *Graph) ParallelGroup() []types.Phase {
	return append([]types.Phase{}, g.parallel...)
}

// Entry returns the initial phase.
func (g *Graph) Entry() types.Phase { return g.entry }

// Node looks up a phase.
func (g *Graph) Node(p types.Phase) (*Node, bool) {
	n, ok := g.nodes[p]
	return n, ok
}

// Has reports whether p is a node or a terminal.
func (g *Graph) Has(p types.Phase) bool {
	_, ok := g.nodes[p]
	return ok || p.IsTerminal()
}

// Nodes returns the nodes in topological order. Validate must have succeeded.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, p := range g.order {
		out = append(out, *g.nodes[p])
	}
	return out
}

// Order returns the topological order of the forward phases.
func (g *Graph) Order() []types.Phase {
	return append([]types.Phase{}, g.order...)
}

// Validate checks every edge, rejects cycles and unreachable nodes, and computes the
// topological order.
func (g *Graph) Validate() error {
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("%w: entry %s is not a node", ErrInvalidGraph, g.entry)
	}

	indegree := make(map[types.Phase]int, len(g.nodes))
	for _, p := range g.added {
		for _, t := range g.nodes[p].Targets {
			if !g.Has(t) {
				return fmt.Errorf("%w: %s -> %s", ErrUnknownPhase, p, t)
			}
			if !t.IsTerminal() {
				indegree[t]++
			}
		}
	}
	if indegree[g.entry] != 0 {
		return fmt.Errorf("%w: entry %s has incoming edges", ErrInvalidGraph, g.entry)
	}

	// Kahn's algorithm; ties resolved by insertion order so the result is deterministic.
	order := make([]types.Phase, 0, len(g.nodes))
	ready := []types.Phase{g.entry}
	for len(ready) > 0 {
		p := ready[0]
		ready = ready[1:]
		order = append(order, p)
		for _, t := range g.nodes[p].Targets {
			if t.IsTerminal() {
				continue
			}
			indegree[t]--
			if indegree[t] == 0 {
				ready = append(ready, t)
			}
		}
	}
	if len(order) != len(g.nodes) {
		return fmt.Errorf("%w: graph has a cycle or unreachable phases", ErrInvalidGraph)
	}

	for i, p := range g.parallel {
		n, ok := g.nodes[p]
		if !ok {
			return fmt.Errorf("%w: parallel phase %s", ErrUnknownPhase, p)
		}
		if n.Capability == "" {
			return fmt.Errorf("%w: parallel phase %s has no capability", ErrInvalidGraph, p)
		}
		if i+1 < len(g.parallel) && (len(n.Targets) != 1 || n.Targets[0] != g.parallel[i+1]) {
			return fmt.Errorf("%w: parallel phases must form a chain at %s", ErrInvalidGraph, p)
		}
	}

	g.order = order
	return nil
}

// transition evaluates a node's routing function and checks the result against its targets.
func (n *Node) transition(state types.WorkflowState) (types.Phase, error) {
	next := n.Next(state)
	for _, t := range n.Targets {
		if t == next {
			return next, nil
		}
	}
	return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.Phase, next)
}
