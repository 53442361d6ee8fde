// Package depgraph builds the conditional dependence graph of a program:
// which pairs of transitions may conflict, and under which guard.
package depgraph

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/o2lab/gopor/cfa"
	"github.com/o2lab/gopor/metrics"
)

type entry struct {
	b int
	c Constraint
}

// Build computes the dependence nodes of c and the constraint of every node
// pair. Option errors are reported before any node is built.
func Build(ctx context.Context, c *cfa.CFA, opts Options) (*Graph, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if _, ok := c.Functions[opts.EntryFunction]; !ok {
		return nil, fmt.Errorf("%w: entry function %q not found", ErrConfig, opts.EntryFunction)
	}
	if err := resolveBlockPairs(c, opts.BlockPairs); err != nil {
		return nil, err
	}

	nb := newNodeBuilder(c, opts)
	nb.build()
	log.Infof("Dependence nodes: %d (complete=%t)", len(nb.nodes), nb.complete)

	g := &Graph{
		cfa:       c,
		opts:      opts,
		nodes:     nb.nodes,
		direct:    nb.direct,
		enclosing: nb.enclosing,
		complete:  nb.complete,
		unmatched: nb.unmatched,
		table:     make(map[pairKey]Constraint),
	}
	g.shared.Copy(&nb.shared)

	rows := make([][]entry, len(g.nodes))
	workers := opts.Workers
	if workers == 0 {
		workers = 1
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for i := range g.nodes {
		i := i
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rows[i] = g.row(i)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("build dependence table: %w", err)
	}

	for i, row := range rows {
		for _, e := range row {
			g.table[pairKey{i, e.b}] = e.c
			switch e.c.Kind {
			case Unconditional:
				g.unconditional++
			case Guarded:
				g.guarded++
			}
			metrics.DependencePairs.WithLabelValues(e.c.Kind.String()).Inc()
		}
	}
	log.Infof("Dependence graph built: %s", g)
	return g, nil
}

func (g *Graph) row(i int) []entry {
	a := g.nodes[i]
	var row []entry
	for j := i; j < len(g.nodes); j++ {
		b := g.nodes[j]
		if a.Fn.Name == g.opts.EntryFunction && b.Fn.Name == g.opts.EntryFunction {
			continue
		}
		c := ConstraintOf(a, b, g.opts.Conditional)
		if c.Kind == Absent {
			continue
		}
		log.Debugf("dep %s ~ %s: %s", a, b, c)
		row = append(row, entry{b: j, c: c})
	}
	return row
}

// resolveBlockPairs fails when a pair the program calls either end of names
// a function the program does not have.
func resolveBlockPairs(c *cfa.CFA, pairs []BlockPair) error {
	called := make(map[string]bool)
	for _, e := range c.Edges {
		if name := calleeName(e); name != "" {
			called[name] = true
		}
	}
	var known map[string]bool
	for _, p := range pairs {
		if !called[p.Begin] && !called[p.End] {
			continue
		}
		if known == nil {
			known = make(map[string]bool)
			for fn := range ssautil.AllFunctions(c.Package.Prog) {
				known[cfa.FuncName(fn)] = true
			}
		}
		for _, name := range []string{p.Begin, p.End} {
			if !called[name] && !known[name] {
				return fmt.Errorf("%w: block pair %s/%s: no function %q", ErrConfig, p.Begin, p.End, name)
			}
		}
	}
	return nil
}
