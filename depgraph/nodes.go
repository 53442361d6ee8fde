package depgraph

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/tools/container/intsets"

	"github.com/o2lab/gopor/cfa"
	"github.com/o2lab/gopor/metrics"
	"github.com/o2lab/gopor/summary"
)

// Node is the unit dependence is computed over: one transition, or one
// merged block whose internal structure has been approximated away.
type Node struct {
	ID int
	// Edge is the originating transition: the block-start call, the
	// function-start edge of an atomic function, or the ordinary edge.
	Edge *cfa.Edge
	// Fn is the function the node's code belongs to.
	Fn     *cfa.Function
	Access summary.Access
	Simple bool
	// Inner are the transitions merged into a compound node after Edge.
	Inner []*cfa.Edge
	// Ends are the block-end transitions of a lock or atomic block.
	Ends []*cfa.Edge
}

func (n *Node) String() string {
	kind := "simple"
	if !n.Simple {
		kind = "compound"
	}
	return fmt.Sprintf("D%d(%s %s %s)", n.ID, kind, n.Edge, n.Access)
}

type nodeBuilder struct {
	cfa        *cfa.CFA
	opts       Options
	extractor  *summary.Extractor
	summarizer *summary.Summarizer
	ends       map[string]string
	log        *log.Entry

	nodes     []*Node
	direct    map[*cfa.Edge]*Node
	enclosing map[*cfa.Edge]*Node
	shared    intsets.Sparse
	atomic    map[string]*Node
	complete  bool
	unmatched []*cfa.Edge
}

func newNodeBuilder(c *cfa.CFA, opts Options) *nodeBuilder {
	x := summary.NewExtractor(opts.Names())
	nb := &nodeBuilder{
		cfa:        c,
		opts:       opts,
		extractor:  x,
		summarizer: summary.NewSummarizer(x),
		ends:       make(map[string]string),
		log:        log.WithField("component", "depgraph"),
		direct:     make(map[*cfa.Edge]*Node),
		enclosing:  make(map[*cfa.Edge]*Node),
		atomic:     make(map[string]*Node),
		complete:   true,
	}
	for _, p := range opts.BlockPairs {
		nb.ends[p.Begin] = p.End
	}
	return nb
}

func (nb *nodeBuilder) build() {
	for _, f := range nb.cfa.Funcs {
		if f == nb.cfa.Init {
			nb.log.Debugf("skip prologue %s", f.Name)
			continue
		}
		if f.Cloned && !nb.opts.IncludeCloned {
			nb.log.Debugf("skip cloned function %s", f.Name)
			nb.complete = false
			continue
		}
		if f.Atomic {
			nb.atomicNode(f)
			continue
		}
		nb.visit(f)
	}
}

func (nb *nodeBuilder) add(n *Node, e *cfa.Edge) *Node {
	n.ID = len(nb.nodes)
	nb.nodes = append(nb.nodes, n)
	nb.direct[e] = n
	nb.shared.Insert(e.ID)
	return n
}

// atomicNode returns the node standing for a whole atomic function, keyed
// by its function-start edge. Nil when the body touches no shared state.
func (nb *nodeBuilder) atomicNode(f *cfa.Function) *Node {
	if n, ok := nb.atomic[f.Name]; ok {
		return n
	}
	sum := nb.summarizer.Summarize(f)
	acc := sum.Access.Without(summary.AtomicSection)
	var n *Node
	if !acc.Empty() {
		start := f.Entry.Out[0]
		n = nb.add(&Node{Edge: start, Fn: f, Access: acc, Inner: sum.Edges}, start)
		nb.markInner(n, sum.Edges)
	}
	nb.atomic[f.Name] = n
	return n
}

func (nb *nodeBuilder) markInner(n *Node, edges []*cfa.Edge) {
	for _, e := range edges {
		if e == n.Edge {
			continue
		}
		if _, ok := nb.enclosing[e]; !ok {
			nb.enclosing[e] = n
		}
		if !nb.extractor.Extract(e).Empty() {
			nb.shared.Insert(e.ID)
		}
	}
}

func (nb *nodeBuilder) blockEnd(e *cfa.Edge) (string, bool) {
	if e.Kind != cfa.StatementEdge || e.IsGo() {
		return "", false
	}
	end, ok := nb.ends[calleeName(e)]
	return end, ok
}

func calls(e *cfa.Edge, name string) bool {
	return e.Kind == cfa.StatementEdge && !e.IsGo() && calleeName(e) == name
}

// visit walks an ordinary function breadth-first from its entry.
func (nb *nodeBuilder) visit(f *cfa.Function) {
	visited := map[*cfa.Node]bool{f.Entry: true}
	queue := []*cfa.Node{f.Entry}
	push := func(n *cfa.Node) {
		if !visited[n] {
			visited[n] = true
			queue = append(queue, n)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n.IsExit {
			continue
		}
		for _, e := range n.Out {
			switch {
			case e.Kind == cfa.CallToReturnEdge:
				continue
			case e.Kind == cfa.FunctionCallEdge:
				if e.Callee.Atomic {
					if node := nb.atomicNode(e.Callee); node != nil {
						nb.direct[e] = node
						nb.shared.Insert(e.ID)
					}
				}
				push(cfa.SummaryOf(e).Succ)
				continue
			}
			if end, ok := nb.blockEnd(e); ok {
				if exits, ok := nb.block(f, e, end); ok {
					for _, x := range exits {
						push(x)
					}
					continue
				}
			}
			if acc := nb.extractor.Extract(e); !acc.Empty() {
				nb.add(&Node{Edge: e, Fn: f, Access: acc, Simple: true}, e)
			}
			push(e.Succ)
		}
	}
}

// block merges the transitions from start up to the matching end call into
// one compound node and returns the program points after the block. It
// reports false when some path leaves the function before the block ends.
func (nb *nodeBuilder) block(f *cfa.Function, start *cfa.Edge, end string) ([]*cfa.Node, bool) {
	begin := calleeName(start)
	type item struct {
		node  *cfa.Node
		depth int
	}
	acc := nb.extractor.Extract(start)
	var inner, ends []*cfa.Edge
	var exits []*cfa.Node
	seen := map[item]bool{{start.Succ, 1}: true}
	queue := []item{{start.Succ, 1}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if it.node.IsExit {
			nb.unmatchedBlock(start)
			return nil, false
		}
		for _, e := range it.node.Out {
			if e.Kind == cfa.CallToReturnEdge {
				continue
			}
			next := item{e.Succ, it.depth}
			switch {
			case e.Kind == cfa.FunctionCallEdge:
				sum := nb.summarizer.Summarize(e.Callee)
				acc.Union(sum.Access)
				inner = append(inner, sum.Edges...)
				next.node = cfa.SummaryOf(e).Succ
			case calls(e, begin):
				acc.Union(nb.extractor.Extract(e))
				next.depth++
			case calls(e, end):
				acc.Union(nb.extractor.Extract(e))
				next.depth--
			default:
				acc.Union(nb.extractor.Extract(e))
			}
			inner = append(inner, e)
			if next.depth == 0 {
				ends = append(ends, e)
				exits = append(exits, e.Succ)
				continue
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	if len(ends) == 0 {
		nb.unmatchedBlock(start)
		return nil, false
	}
	acc = acc.Without(summary.AtomicSection)
	if acc.Empty() {
		nb.log.Debugf("omit empty block at %s", nb.cfa.Position(start))
		return exits, true
	}
	n := nb.add(&Node{Edge: start, Fn: f, Access: acc, Inner: inner, Ends: ends}, start)
	nb.markInner(n, inner)
	return exits, true
}

func (nb *nodeBuilder) unmatchedBlock(start *cfa.Edge) {
	nb.log.Warnf("%v at %s: %s", ErrUnmatchedBlock, nb.cfa.Position(start), start)
	metrics.UnmatchedBlocks.Inc()
	nb.unmatched = append(nb.unmatched, start)
}

func calleeName(e *cfa.Edge) string {
	call, ok := e.Call()
	if !ok || call.StaticCallee() == nil {
		return ""
	}
	return cfa.FuncName(call.StaticCallee())
}
