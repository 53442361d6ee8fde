package depgraph

import (
	"fmt"
	"sort"

	"golang.org/x/tools/container/intsets"

	"github.com/o2lab/gopor/cfa"
)

type pairKey struct {
	a, b int
}

// Graph is the conditional dependence graph of one program. It is immutable
// once built and safe for concurrent readers.
type Graph struct {
	cfa       *cfa.CFA
	opts      Options
	nodes     []*Node
	direct    map[*cfa.Edge]*Node
	enclosing map[*cfa.Edge]*Node
	shared    intsets.Sparse
	table     map[pairKey]Constraint
	complete  bool
	unmatched []*cfa.Edge

	unconditional int
	guarded       int
}

func (g *Graph) CFA() *cfa.CFA { return g.cfa }

func (g *Graph) Nodes() []*Node { return g.nodes }

// Complete reports whether every function, cloned ones included, was
// processed.
func (g *Graph) Complete() bool { return g.complete }

// Conditional reports whether guarded constraints were derived.
func (g *Graph) Conditional() bool { return g.opts.Conditional }

// Unmatched lists the block starts left unmerged.
func (g *Graph) Unmatched() []*cfa.Edge { return g.unmatched }

// Stats returns the node count and the number of stored unconditional and
// guarded pairs.
func (g *Graph) Stats() (nodes, unconditional, guarded int) {
	return len(g.nodes), g.unconditional, g.guarded
}

// NodeOf returns the node a transition belongs to: its own node, or the
// compound node of the block or atomic function enclosing it.
func (g *Graph) NodeOf(e *cfa.Edge) *Node {
	if n, ok := g.direct[e]; ok {
		return n
	}
	return g.enclosing[e]
}

// Has reports whether e starts a node of its own.
func (g *Graph) Has(e *cfa.Edge) bool {
	_, ok := g.direct[e]
	return ok
}

// Block returns the compound node that e starts, either a merged block or
// an atomic function entered through e.
func (g *Graph) Block(e *cfa.Edge) (*Node, bool) {
	n, ok := g.direct[e]
	if !ok || n.Simple {
		return nil, false
	}
	return n, true
}

// IsShared reports whether e touches shared state.
func (g *Graph) IsShared(e *cfa.Edge) bool {
	return g.shared.Has(e.ID)
}

// Dep returns the constraint between two nodes. Only the upper triangle is
// stored; a reversed lookup returns the constraint with its sides swapped.
func (g *Graph) Dep(a, b *Node) Constraint {
	if a == nil || b == nil {
		return Constraint{Kind: Absent}
	}
	if a.ID <= b.ID {
		return g.table[pairKey{a.ID, b.ID}]
	}
	return g.table[pairKey{b.ID, a.ID}].Flip()
}

// DepOf returns the constraint between the nodes of two transitions.
func (g *Graph) DepOf(e1, e2 *cfa.Edge) Constraint {
	return g.Dep(g.NodeOf(e1), g.NodeOf(e2))
}

// Query is Dep for callers that need the graph to be complete.
func (g *Graph) Query(a, b *Node, sound bool) (Constraint, error) {
	if sound && !g.complete {
		return Constraint{}, ErrIncomplete
	}
	return g.Dep(a, b), nil
}

// Pair is one stored entry of the constraint table.
type Pair struct {
	A, B       *Node
	Constraint Constraint
}

// Pairs lists the stored constraints ordered by node ids.
func (g *Graph) Pairs() []Pair {
	pairs := make([]Pair, 0, len(g.table))
	for k, c := range g.table {
		pairs = append(pairs, Pair{A: g.nodes[k.a], B: g.nodes[k.b], Constraint: c})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].A.ID != pairs[j].A.ID {
			return pairs[i].A.ID < pairs[j].A.ID
		}
		return pairs[i].B.ID < pairs[j].B.ID
	})
	return pairs
}

func (g *Graph) String() string {
	return fmt.Sprintf("depgraph(%d nodes, %d unconditional, %d guarded, complete=%t)",
		len(g.nodes), g.unconditional, g.guarded, g.complete)
}
