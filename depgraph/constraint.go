package depgraph

import (
	"fmt"
	"go/types"
	"strings"

	"golang.org/x/tools/go/ssa"

	"github.com/o2lab/gopor/summary"
)

type Kind int

const (
	Absent Kind = iota
	Unconditional
	Guarded
)

func (k Kind) String() string {
	switch k {
	case Absent:
		return "absent"
	case Unconditional:
		return "unconditional"
	case Guarded:
		return "guarded"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type AtomKind int

const (
	// Alias: the two accesses conflict iff the pointer operands are equal.
	Alias AtomKind = iota
	// SameIndex: the two array accesses conflict iff the indices are equal.
	SameIndex
	// SameValue: the two stores conflict iff the stored values differ.
	SameValue
)

func (k AtomKind) String() string {
	switch k {
	case Alias:
		return "alias"
	case SameIndex:
		return "index"
	case SameValue:
		return "value"
	}
	return fmt.Sprintf("AtomKind(%d)", int(k))
}

// Atom is one equality condition of a guard. Left is evaluated in the
// context of the first queried node's transition, Right in the second's.
type Atom struct {
	Kind  AtomKind
	Left  ssa.Value
	Right ssa.Value
}

// ConflictOnEqual reports whether the atom signals a conflict when its two
// sides are equal.
func (a Atom) ConflictOnEqual() bool {
	return a.Kind != SameValue
}

func (a Atom) String() string {
	op := "=="
	if !a.ConflictOnEqual() {
		op = "!="
	}
	return fmt.Sprintf("%s(%s %s %s)", a.Kind, name(a.Left), op, name(a.Right))
}

func name(v ssa.Value) string {
	if c, ok := v.(*ssa.Const); ok {
		return c.Value.ExactString()
	}
	return v.Name()
}

// Constraint is the dependence between two nodes. A Guarded constraint is a
// disjunction: the nodes conflict when any atom's conflict condition holds.
type Constraint struct {
	Kind  Kind
	Atoms []Atom
}

// Flip swaps the sides of every atom.
func (c Constraint) Flip() Constraint {
	if c.Kind != Guarded {
		return c
	}
	atoms := make([]Atom, len(c.Atoms))
	for i, a := range c.Atoms {
		atoms[i] = Atom{Kind: a.Kind, Left: a.Right, Right: a.Left}
	}
	return Constraint{Kind: Guarded, Atoms: atoms}
}

func (c Constraint) String() string {
	if c.Kind != Guarded {
		return c.Kind.String()
	}
	parts := make([]string, len(c.Atoms))
	for i, a := range c.Atoms {
		parts[i] = a.String()
	}
	return "guarded{" + strings.Join(parts, " || ") + "}"
}

// ConstraintOf decides whether two nodes can conflict and under which guard.
// It only looks at the two nodes. Shapes it cannot refine are unconditional.
func ConstraintOf(a, b *Node, conditional bool) Constraint {
	if !a.Simple || !b.Simple {
		if conflicts(a.Access, b.Access) {
			return Constraint{Kind: Unconditional}
		}
		return Constraint{Kind: Absent}
	}
	if a.Access.Touches(summary.AtomicSection) || b.Access.Touches(summary.AtomicSection) {
		return Constraint{Kind: Unconditional}
	}

	p := pairwise(a.Access, b.Access, conditional)
	if p.unconditional {
		return Constraint{Kind: Unconditional}
	}
	switch len(p.scalars) {
	case 0:
	case 1:
		atom, ok := sameValue(a, b, p.scalars[0], conditional)
		if !ok {
			return Constraint{Kind: Unconditional}
		}
		p.atoms = append(p.atoms, atom)
	default:
		return Constraint{Kind: Unconditional}
	}
	if len(p.atoms) == 0 {
		return Constraint{Kind: Absent}
	}
	return Constraint{Kind: Guarded, Atoms: p.atoms}
}

func conflicts(a, b summary.Access) bool {
	p := pairwise(a, b, false)
	return p.unconditional || len(p.scalars) > 0
}

type pairResult struct {
	unconditional bool
	atoms         []Atom
	scalars       []string
}

// pairwise runs the pointer, array and scalar categories over every
// read/write and write/write combination of the two footprints.
func pairwise(a, b summary.Access, conditional bool) pairResult {
	var r pairResult
	seen := make(map[string]bool)
	check := func(va, vb summary.Var) {
		switch {
		case va.Tag == summary.Other || vb.Tag == summary.Other:
			indirect := va.Tag == summary.Pointer || vb.Tag == summary.Pointer
			if va.Name == vb.Name || (indirect && (mayAlias(va, vb) || nested(va, vb))) {
				r.unconditional = true
			}
		case va.Tag == summary.Pointer || vb.Tag == summary.Pointer:
			if !mayAlias(va, vb) {
				// A whole struct or array cell overlaps its parts.
				r.unconditional = r.unconditional || nested(va, vb)
				return
			}
			if !conditional || wholeArray(va) || wholeArray(vb) {
				r.unconditional = true
				return
			}
			r.atoms = append(r.atoms, Atom{Kind: Alias, Left: va.Addr, Right: vb.Addr})
		case va.Tag == summary.Array && vb.Tag == summary.Array:
			if va.Name != vb.Name {
				return
			}
			if !conditional || va.Index == nil || vb.Index == nil {
				r.unconditional = true
				return
			}
			r.atoms = append(r.atoms, Atom{Kind: SameIndex, Left: va.Index, Right: vb.Index})
		case va.Tag == summary.Scalar && vb.Tag == summary.Scalar:
			if va.Name == vb.Name && !seen[va.Name] {
				seen[va.Name] = true
				r.scalars = append(r.scalars, va.Name)
			}
		}
	}
	for _, w := range a.Writes {
		for _, v := range b.Reads {
			check(w, v)
		}
		for _, v := range b.Writes {
			check(w, v)
		}
	}
	for _, v := range a.Reads {
		for _, w := range b.Writes {
			check(v, w)
		}
	}
	return r
}

// mayAlias reports whether a pointer access can reach the cell of the other
// reference: their cell types must be mutually assignable.
func mayAlias(va, vb summary.Var) bool {
	ta, tb := cellType(va), cellType(vb)
	return types.AssignableTo(ta, tb) && types.AssignableTo(tb, ta)
}

// nested reports whether one reference's cell lies inside the other's.
func nested(va, vb summary.Var) bool {
	ta, tb := cellType(va), cellType(vb)
	return encloses(ta, tb) || encloses(tb, ta)
}

func encloses(outer, inner types.Type) bool {
	var parts []types.Type
	switch t := outer.Underlying().(type) {
	case *types.Struct:
		for i := 0; i < t.NumFields(); i++ {
			parts = append(parts, t.Field(i).Type())
		}
	case *types.Array:
		parts = append(parts, t.Elem())
	}
	for _, p := range parts {
		if types.Identical(p, inner) || encloses(p, inner) {
			return true
		}
	}
	return false
}

func wholeArray(v summary.Var) bool {
	return v.Tag == summary.Array && v.Index == nil
}

func cellType(v summary.Var) types.Type {
	if wholeArray(v) {
		if arr, ok := v.Type.Underlying().(*types.Array); ok {
			return arr.Elem()
		}
	}
	return v.Type
}

// sameValue derives the scalar guard for one conflicting variable. Both sides
// must store to it; identical or constant right-hand sides give no guard.
func sameValue(a, b *Node, v string, conditional bool) (Atom, bool) {
	if !conditional {
		return Atom{}, false
	}
	sa, ok := storeTo(a, v)
	if !ok {
		return Atom{}, false
	}
	sb, ok := storeTo(b, v)
	if !ok {
		return Atom{}, false
	}
	if sa.Val == sb.Val {
		return Atom{}, false
	}
	_, aConst := sa.Val.(*ssa.Const)
	_, bConst := sb.Val.(*ssa.Const)
	if aConst && bConst {
		// Equal constants are syntactically identical. Distinct ones can
		// never make the stores agree.
		return Atom{}, false
	}
	return Atom{Kind: SameValue, Left: sa.Val, Right: sb.Val}, true
}

func storeTo(n *Node, v string) (*ssa.Store, bool) {
	store, ok := n.Edge.Instr.(*ssa.Store)
	if !ok {
		return nil, false
	}
	g, ok := store.Addr.(*ssa.Global)
	if !ok || g.Name() != v {
		return nil, false
	}
	return store, true
}
