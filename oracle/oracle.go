// Package oracle decides whether a guarded dependence constraint can hold in
// a given program state. The guard atoms are equalities between SSA values of
// two threads; they are encoded as a propositional formula over equality
// variables and handed to a SAT solver.
package oracle

import (
	"errors"
	"go/constant"
	"time"

	"github.com/go-air/gini"
	"github.com/go-air/gini/logic"
	"github.com/go-air/gini/z"
	log "github.com/sirupsen/logrus"
	"golang.org/x/tools/go/ssa"

	"github.com/o2lab/gopor/depgraph"
	"github.com/o2lab/gopor/metrics"
)

const (
	satisfiable   = 1
	unsatisfiable = -1
)

// ErrUnknown is returned when the solver gave up before a verdict.
var ErrUnknown = errors.New("entailment undecided")

// Valuation supplies the concrete values a state assigns to SSA values.
// Side 0 is the thread of the first transition of the queried pair, side 1
// the thread of the second.
type Valuation interface {
	Value(side int, v ssa.Value) (int64, bool)
	// Fingerprint identifies the state for caching verdicts.
	Fingerprint() string
}

// Oracle reports whether a constraint is entailed false, i.e. the pair is
// independent in the given state. A false answer is always safe.
type Oracle interface {
	Independent(c depgraph.Constraint, v Valuation) (bool, error)
}

// SAT is the gini-backed oracle.
type SAT struct {
	// Timeout bounds one solver call. Zero means no bound.
	Timeout time.Duration
}

func NewSAT(timeout time.Duration) *SAT {
	return &SAT{Timeout: timeout}
}

type term struct {
	side int
	v    ssa.Value
}

type encoder struct {
	c     *logic.C
	val   Valuation
	terms []term
	index map[term]int
	known []*int64
	eq    map[[2]int]z.Lit
}

func (s *SAT) Independent(c depgraph.Constraint, v Valuation) (bool, error) {
	switch c.Kind {
	case depgraph.Absent:
		return true, nil
	case depgraph.Unconditional:
		return false, nil
	}

	enc := &encoder{
		c:     logic.NewC(),
		val:   v,
		index: make(map[term]int),
		eq:    make(map[[2]int]z.Lit),
	}
	var goal []z.Lit
	for _, a := range c.Atoms {
		l, r := enc.term(0, a.Left), enc.term(1, a.Right)
		m := enc.equal(l, r)
		if !a.ConflictOnEqual() {
			m = m.Not()
		}
		goal = append(goal, m)
	}
	f := enc.c.And(enc.transitivity(), enc.c.Ors(goal...))
	switch f {
	case enc.c.F:
		metrics.Entailments.WithLabelValues("independent").Inc()
		return true, nil
	case enc.c.T:
		metrics.Entailments.WithLabelValues("dependent").Inc()
		return false, nil
	}

	g := gini.New()
	enc.c.ToCnf(g)
	g.Assume(f)
	var res int
	if s.Timeout > 0 {
		res = g.Try(s.Timeout)
	} else {
		res = g.Solve()
	}
	switch res {
	case unsatisfiable:
		metrics.Entailments.WithLabelValues("independent").Inc()
		return true, nil
	case satisfiable:
		metrics.Entailments.WithLabelValues("dependent").Inc()
		return false, nil
	}
	metrics.Entailments.WithLabelValues("unknown").Inc()
	log.Debugf("entailment of %s undecided after %s", c, s.Timeout)
	return false, ErrUnknown
}

// term interns a value. Values that mean the same in every thread share a
// term across sides.
func (e *encoder) term(side int, v ssa.Value) int {
	switch v.(type) {
	case *ssa.Const, *ssa.Global, *ssa.Function:
		side = -1
	}
	t := term{side: side, v: v}
	if i, ok := e.index[t]; ok {
		return i
	}
	i := len(e.terms)
	e.terms = append(e.terms, t)
	e.index[t] = i
	e.known = append(e.known, e.lookup(side, v))
	return i
}

func (e *encoder) lookup(side int, v ssa.Value) *int64 {
	if c, ok := v.(*ssa.Const); ok {
		if n, ok := constValue(c); ok {
			return &n
		}
		return nil
	}
	if side < 0 {
		side = 0
	}
	if n, ok := e.val.Value(side, v); ok {
		return &n
	}
	return nil
}

// equal returns the literal for "terms i and j hold the same value",
// folding to a constant when both values are known.
func (e *encoder) equal(i, j int) z.Lit {
	if i == j {
		return e.c.T
	}
	if i > j {
		i, j = j, i
	}
	key := [2]int{i, j}
	if m, ok := e.eq[key]; ok {
		return m
	}
	var m z.Lit
	switch ki, kj := e.known[i], e.known[j]; {
	case ki != nil && kj != nil:
		m = e.c.F
		if *ki == *kj {
			m = e.c.T
		}
	default:
		m = e.c.Lit()
	}
	e.eq[key] = m
	return m
}

// transitivity constrains the equality literals to be an equivalence
// relation over the interned terms.
func (e *encoder) transitivity() z.Lit {
	n := len(e.terms)
	var clauses []z.Lit
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				if i == j || j == k || i == k {
					continue
				}
				ij, jk, ik := e.equal(i, j), e.equal(j, k), e.equal(i, k)
				clauses = append(clauses, e.c.Implies(e.c.And(ij, jk), ik))
			}
		}
	}
	return e.c.Ands(clauses...)
}

// constValue reads integer and boolean constants. Booleans are 0 and 1.
func constValue(c *ssa.Const) (int64, bool) {
	if c.Value == nil {
		return 0, false
	}
	switch c.Value.Kind() {
	case constant.Int:
		return constant.Int64Val(c.Value)
	case constant.Bool:
		if constant.BoolVal(c.Value) {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
