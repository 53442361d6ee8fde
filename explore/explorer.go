// Package explore is an explicit-state model checker for small Go programs.
// It interprets the control-flow automaton concretely, enumerates the
// interleavings of the program's goroutines depth-first and asks a
// reduction driver which successors it may skip.
package explore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/o2lab/gopor/cfa"
	"github.com/o2lab/gopor/depgraph"
	"github.com/o2lab/gopor/metrics"
	"github.com/o2lab/gopor/oracle"
	"github.com/o2lab/gopor/por"
)

type Options struct {
	Strategy por.Kind
	// Full disables the reduction and explores every interleaving.
	Full bool
	// MaxStates bounds the expanded search nodes, zero for no bound.
	MaxStates int
	// MaxSteps bounds one merged step and the package initializer.
	MaxSteps   int
	Sound      bool
	Oracle     oracle.Oracle
	BlockPairs []depgraph.BlockPair
}

func DefaultOptions() Options {
	return Options{
		Strategy:   por.Static,
		MaxStates:  1_000_000,
		MaxSteps:   10_000,
		BlockPairs: depgraph.DefaultOptions().BlockPairs,
	}
}

// Result summarizes one search.
type Result struct {
	Strategy string
	// Outcomes are the distinct terminal states, sorted.
	Outcomes   []string
	States     int
	Kept       int
	Pruned     int
	Violations int
	Failed     int
	Deadlocks  int
}

type Explorer struct {
	cfa    *cfa.CFA
	graph  *depgraph.Graph
	opts   Options
	driver *por.Driver
	log    *log.Entry

	lockOps   map[string]bool
	unlockOps map[string]bool
}

func New(g *depgraph.Graph, opts Options) (*Explorer, error) {
	x := &Explorer{
		cfa:       g.CFA(),
		graph:     g,
		opts:      opts,
		lockOps:   make(map[string]bool),
		unlockOps: make(map[string]bool),
	}
	for _, p := range opts.BlockPairs {
		x.lockOps[p.Begin] = true
		x.unlockOps[p.End] = true
	}
	strategy := "full"
	if !opts.Full {
		var popts []por.Option
		if opts.Oracle != nil {
			popts = append(popts, por.WithOracle(opts.Oracle))
		}
		popts = append(popts, por.WithSound(opts.Sound))
		d, err := por.New(g, opts.Strategy, popts...)
		if err != nil {
			return nil, err
		}
		x.driver = d
		strategy = opts.Strategy.String()
	}
	x.log = log.WithField("strategy", strategy)
	return x, nil
}

// node is one entry of the search stack.
type node struct {
	state *State
	por   *por.State
}

// Run explores the program from its initial state.
func (x *Explorer) Run(ctx context.Context) (*Result, error) {
	first, err := x.initial()
	if err != nil {
		return nil, err
	}
	res := &Result{Strategy: "full"}
	if x.driver != nil {
		res.Strategy = x.driver.Kind().String()
		x.driver.Reset()
	}
	ids := 0
	newID := func() int { ids++; return ids }

	root := &por.State{ID: newID(), Env: first}
	live(first, &root.Threads)
	outcomes := make(map[string]bool)
	visited := make(map[string]bool)
	stack := []node{{state: first, por: root}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		key := n.state.Fingerprint()
		if x.driver != nil {
			key += "#" + x.driver.Key(n.por)
		}
		if visited[key] {
			continue
		}
		visited[key] = true
		res.States++
		metrics.States.WithLabelValues(res.Strategy).Inc()
		if x.opts.MaxStates > 0 && res.States > x.opts.MaxStates {
			return nil, fmt.Errorf("%w: %d", ErrStateBound, x.opts.MaxStates)
		}

		succs, err := x.successors(n.state)
		if err != nil {
			return nil, err
		}
		if len(succs) == 0 {
			out := n.state.Outcome()
			if !outcomes[out] {
				outcomes[out] = true
				if n.state.failed {
					res.Failed++
				}
				if !n.state.finished() {
					res.Deadlocks++
				}
			}
			continue
		}

		children := make([]*por.State, len(succs))
		for i, sc := range succs {
			c := &por.State{ID: newID(), Trigger: sc.trans, Env: sc.state}
			live(sc.state, &c.Threads)
			children[i] = c
		}
		kept, err := x.decide(ctx, n.por, children)
		if errors.Is(err, por.ErrInvariant) {
			res.Violations++
			continue
		}
		if err != nil {
			return nil, err
		}
		for i := len(succs) - 1; i >= 0; i-- {
			if !kept[i] {
				res.Pruned++
				continue
			}
			res.Kept++
			stack = append(stack, node{state: succs[i].state, por: children[i]})
		}
	}

	for out := range outcomes {
		res.Outcomes = append(res.Outcomes, out)
	}
	sort.Strings(res.Outcomes)
	x.log.Infof("%d states, %d kept, %d pruned, %d outcomes", res.States, res.Kept, res.Pruned, len(res.Outcomes))
	return res, nil
}

func (x *Explorer) decide(ctx context.Context, parent *por.State, children []*por.State) ([]bool, error) {
	kept := make([]bool, len(children))
	if x.driver == nil {
		for i := range kept {
			kept[i] = true
		}
		return kept, nil
	}
	for i, c := range children {
		dec, err := x.driver.Decide(ctx, parent, c, children)
		if err != nil {
			x.driver.Discard(parent)
			return nil, err
		}
		kept[i] = dec == por.Keep
	}
	return kept, x.driver.Done(parent)
}

func live(s *State, set interface{ Insert(int) bool }) {
	for _, t := range s.threads {
		if !t.done() {
			set.Insert(t.id)
		}
	}
}

// initial runs the package initializer to completion and starts the entry
// function as thread 0, which keeps the initializer's heap.
func (x *Explorer) initial() (*State, error) {
	s := newState(x.cfa)
	if x.cfa.Init != nil {
		t := s.spawn(x.cfa.Init, nil)
		for steps := 0; !t.done(); steps++ {
			if steps >= x.opts.MaxSteps && x.opts.MaxSteps > 0 {
				return nil, fmt.Errorf("%w: package initializer", ErrStepBound)
			}
			e, err := x.next(s, t)
			if err != nil {
				return nil, err
			}
			if err := x.exec(s, t, e); err != nil {
				return nil, err
			}
		}
		t.frames = []*frame{newFrame(x.cfa.Main, nil, nil)}
		return s, nil
	}
	s.spawn(x.cfa.Main, nil)
	return s, nil
}

type successor struct {
	state *State
	trans *por.Transition
}

// successors lists the enabled steps of s in thread order. Blocks and
// atomic functions execute as one step.
func (x *Explorer) successors(s *State) ([]successor, error) {
	var out []successor
	for _, t := range s.threads {
		if t.done() {
			continue
		}
		e, err := x.next(s, t)
		if err != nil {
			return nil, err
		}
		ok, err := x.enabled(s, t, e)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		next := s.clone()
		nt := next.threads[t.id]
		before := len(next.threads)
		if block, isBlock := x.graph.Block(e); isBlock {
			ok, err = x.macro(next, nt, e, block)
		} else {
			err = x.exec(next, nt, e)
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		tr := &por.Transition{
			Thread:  t.id,
			Edge:    e,
			Creates: len(next.threads) > before,
			Exits:   nt.done(),
		}
		if !nt.done() {
			tr.End = nt.top().node
		}
		out = append(out, successor{state: next, trans: tr})
	}
	return out, nil
}

// macro runs the block or atomic function starting at e without letting
// other threads interleave. It reports false when some step blocks.
func (x *Explorer) macro(s *State, t *thread, e *cfa.Edge, block *depgraph.Node) (bool, error) {
	start, depth := e, len(t.frames)
	ends := make(map[*cfa.Edge]bool, len(block.Ends))
	for _, end := range block.Ends {
		ends[end] = true
	}
	for steps := 0; ; steps++ {
		if x.opts.MaxSteps > 0 && steps >= x.opts.MaxSteps {
			return false, fmt.Errorf("%w: block at %s", ErrStepBound, x.cfa.Position(block.Edge))
		}
		ok, err := x.enabled(s, t, e)
		if err != nil || !ok {
			return false, err
		}
		if err := x.exec(s, t, e); err != nil {
			return false, err
		}
		switch {
		case t.done():
			return true, nil
		case start.Kind == cfa.FunctionCallEdge:
			if e.Kind == cfa.FunctionReturnEdge && e.CallSite == start {
				return true, nil
			}
		case start.Pred.IsEntry:
			if len(t.frames) < depth {
				return true, nil
			}
		case ends[e] && len(t.frames) == depth:
			return true, nil
		}
		if e, err = x.next(s, t); err != nil {
			return false, err
		}
	}
}

// Check runs the search and reports whether some terminal state failed an
// assertion.
func (x *Explorer) Check(ctx context.Context) (bool, *Result, error) {
	res, err := x.Run(ctx)
	if err != nil {
		return false, nil, err
	}
	return res.Failed > 0, res, nil
}

var _ por.Env = (*State)(nil)
