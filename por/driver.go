// Package por decides which successors of a search node the model checker
// must explore. One driver resolves thread-local branching and delegates
// the choice among shared-memory steps to a pluggable strategy.
package por

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/tools/go/ssa"

	"github.com/o2lab/gopor/cfa"
	"github.com/o2lab/gopor/depgraph"
	"github.com/o2lab/gopor/metrics"
	"github.com/o2lab/gopor/oracle"
)

type policy interface {
	// decide handles a Global-Access candidate of an all Global-Access
	// parent.
	decide(d *Driver, pc *parentCache, parent, cand *State) (Decision, error)
	// kept updates the bookkeeping of a kept child of any class.
	kept(d *Driver, pc *parentCache, parent, cand *State)
	// key renders the bookkeeping that influences decisions below s.
	key(s *State) string
}

type Option func(*Driver)

// WithOracle sets the entailment oracle of the symbolic strategy.
func WithOracle(o oracle.Oracle) Option {
	return func(d *Driver) { d.oracle = o }
}

// WithSound makes every dependence query require a complete graph.
func WithSound(sound bool) Option {
	return func(d *Driver) { d.sound = sound }
}

// WithContext shares a search context between drivers.
func WithContext(c *SearchContext) Option {
	return func(d *Driver) { d.search = c }
}

type Driver struct {
	kind   Kind
	graph  *depgraph.Graph
	oracle oracle.Oracle
	sound  bool
	search *SearchContext
	policy policy
	log    *log.Entry
}

func New(g *depgraph.Graph, kind Kind, opts ...Option) (*Driver, error) {
	d := &Driver{kind: kind, graph: g}
	for _, opt := range opts {
		opt(d)
	}
	if d.sound && !g.Complete() {
		return nil, fmt.Errorf("%s strategy: %w", kind, depgraph.ErrIncomplete)
	}
	switch kind {
	case Static:
		d.policy = monotonic{}
	case Scoped:
		d.policy = monotonic{scoped: true}
	case Swap:
		d.policy = swap{}
	case Sleep:
		d.policy = sleep{}
	case SymbolicSleep:
		d.policy = sleep{symbolic: true}
		if d.oracle == nil {
			d.oracle = oracle.NewSAT(0)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if d.search == nil {
		d.search = NewSearchContext()
	}
	d.log = log.WithFields(log.Fields{"strategy": kind.String(), "search": d.search.ID.String()})
	return d, nil
}

func (d *Driver) Kind() Kind { return d.kind }

func (d *Driver) Context() *SearchContext { return d.search }

// Reset clears every cache of the search, for a restart from the root.
func (d *Driver) Reset() {
	d.search.Reset()
	d.log = d.log.WithField("search", d.search.ID.String())
}

// Key renders the bookkeeping of s that affects the decisions in its
// subtree. Hosts that merge equal states must include it in the merge key.
func (d *Driver) Key(s *State) string {
	return s.class.String() + "|" + d.policy.key(s)
}

// Decide classifies cand, one of the successors of parent listed in
// siblings, and reports whether it must be explored. It is called once per
// candidate before the candidate is added to the frontier.
func (d *Driver) Decide(ctx context.Context, parent, cand *State, siblings []*State) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Prune, err
	}
	if cand.Trigger == nil {
		return Prune, d.violation(fmt.Errorf("%w: candidate without a transition", ErrInvariant))
	}
	pc := d.search.parent(parent.ID)
	if !pc.resolved {
		d.resolve(pc, siblings)
	}
	class, ok := pc.classes[cand]
	if !ok {
		return Prune, d.violation(fmt.Errorf("%w: %s is not a successor of node %d", ErrInvariant, cand.Trigger, parent.ID))
	}
	cand.class = class
	pc.decided++

	dec, err := d.decide(pc, parent, cand, class)
	if err != nil {
		return Prune, err
	}
	if dec == Keep {
		pc.kept[class]++
		d.policy.kept(d, pc, parent, cand)
	}
	metrics.Decisions.WithLabelValues(d.kind.String(), dec.String()).Inc()
	d.log.Debugf("node %d: %s %s %s", parent.ID, class, cand.Trigger, dec)
	return dec, nil
}

func (d *Driver) decide(pc *parentCache, parent, cand *State, class Class) (Decision, error) {
	switch {
	case pc.firstNormal != nil:
		if cand == pc.firstNormal {
			return Keep, nil
		}
		return Prune, nil
	case pc.firstAssume != nil:
		first := pc.firstAssume.Trigger
		if class == NormalAssume && cand.Trigger.Thread == first.Thread && cand.Trigger.Edge.Pred == first.Edge.Pred {
			return Keep, nil
		}
		return Prune, nil
	}
	return d.policy.decide(d, pc, parent, cand)
}

// resolve classifies every sibling once and picks the local representative.
func (d *Driver) resolve(pc *parentCache, siblings []*State) {
	pc.resolved = true
	pc.siblings = siblings
	pc.kept = make(map[Class]int)
	pc.allGlobal = true
	for _, s := range siblings {
		c := d.classify(s.Trigger)
		pc.classes[s] = c
		switch c {
		case Normal:
			if pc.firstNormal == nil {
				pc.firstNormal = s
			}
			pc.allGlobal = false
		case NormalAssume:
			if pc.firstAssume == nil {
				pc.firstAssume = s
			}
			pc.allGlobal = false
		}
	}
}

func (d *Driver) classify(t *Transition) Class {
	switch {
	case t.Creates || t.Edge.IsGo() || d.graph.Has(t.Edge):
		return GlobalAccess
	case t.Edge.Kind == cfa.AssumeEdge:
		return NormalAssume
	}
	return Normal
}

// Done drops the per-parent caches of parent once all of its candidates
// have been decided, and checks the local resolution kept what it must.
func (d *Driver) Done(parent *State) error {
	pc, ok := d.search.done(parent.ID)
	if !ok || pc.decided < len(pc.siblings) {
		return nil
	}
	switch {
	case pc.firstNormal != nil && pc.kept[Normal] != 1:
		return d.violation(fmt.Errorf("%w: node %d kept %d local successors", ErrInvariant, parent.ID, pc.kept[Normal]))
	case pc.firstNormal == nil && pc.firstAssume != nil && pc.kept[NormalAssume] == 0:
		return d.violation(fmt.Errorf("%w: node %d kept no branch successor", ErrInvariant, parent.ID))
	case !pc.allGlobal && pc.kept[GlobalAccess] > 0:
		return d.violation(fmt.Errorf("%w: node %d kept a shared step next to a local one", ErrInvariant, parent.ID))
	}
	return nil
}

// Discard drops the per-parent caches of a parent whose decisions were
// abandoned after an error.
func (d *Driver) Discard(parent *State) {
	d.search.done(parent.ID)
}

func (d *Driver) violation(err error) error {
	metrics.InvariantViolations.Inc()
	d.log.Warn(err)
	return err
}

// independent reports whether two candidates of parent commute. Guarded
// pairs are independent only when the symbolic strategy proves it in the
// parent's state.
func (d *Driver) independent(pc *parentCache, parent, a, b *State) (bool, error) {
	key := [2]*State{a, b}
	if v, ok := pc.chain[key]; ok {
		return v, nil
	}
	v, err := d.verdict(parent, a.Trigger, b.Trigger)
	if err != nil {
		return false, err
	}
	pc.chain[key] = v
	pc.chain[[2]*State{b, a}] = v
	return v, nil
}

func (d *Driver) verdict(parent *State, a, b *Transition) (bool, error) {
	c, err := d.graph.Query(d.graph.NodeOf(a.Edge), d.graph.NodeOf(b.Edge), d.sound)
	if err != nil {
		return false, err
	}
	switch c.Kind {
	case depgraph.Absent:
		return true, nil
	case depgraph.Unconditional:
		return false, nil
	}
	if d.kind != SymbolicSleep || parent.Env == nil {
		return false, nil
	}
	return d.entailed(c, parent.Env, a, b)
}

func (d *Driver) entailed(c depgraph.Constraint, env Env, a, b *Transition) (bool, error) {
	key := entailKey{e1: a.Edge.ID, e2: b.Edge.ID, t1: a.Thread, t2: b.Thread, fingerprint: env.Fingerprint()}
	if v, ok := d.search.entailed[key]; ok {
		return v, nil
	}
	v, err := d.oracle.Independent(c, sides{env: env, threads: [2]int{a.Thread, b.Thread}})
	if errors.Is(err, oracle.ErrUnknown) {
		v, err = false, nil
	}
	if err != nil {
		return false, fmt.Errorf("entailment of %s ~ %s: %w", a, b, err)
	}
	d.search.entailed[key] = v
	return v, nil
}

// sides maps the two sides of a guard to the threads of the queried pair.
type sides struct {
	env     Env
	threads [2]int
}

func (s sides) Value(side int, v ssa.Value) (int64, bool) {
	return s.env.Value(s.threads[side], v)
}

func (s sides) Fingerprint() string { return s.env.Fingerprint() }
