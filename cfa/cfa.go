// Package cfa models a Go program as a control-flow automaton: program points
// connected by transitions, one transition per SSA instruction.
package cfa

import (
	"fmt"
	"go/token"
	"go/types"

	"golang.org/x/tools/go/ssa"
)

type EdgeKind int

const (
	BlankEdge EdgeKind = iota
	AssumeEdge
	StatementEdge
	DeclarationEdge
	ReturnEdge
	FunctionCallEdge
	FunctionReturnEdge
	CallToReturnEdge
)

func (k EdgeKind) String() string {
	switch k {
	case BlankEdge:
		return "blank"
	case AssumeEdge:
		return "assume"
	case StatementEdge:
		return "statement"
	case DeclarationEdge:
		return "declaration"
	case ReturnEdge:
		return "return"
	case FunctionCallEdge:
		return "call"
	case FunctionReturnEdge:
		return "function-return"
	case CallToReturnEdge:
		return "summary"
	}
	return fmt.Sprintf("EdgeKind(%d)", int(k))
}

// Node is a program point. Block and Index locate the SSA instruction that
// executes next; entry and exit nodes use Block == -1.
type Node struct {
	ID        int
	Fn        *Function
	Block     int
	Index     int
	Out       []*Edge
	In        []*Edge
	LoopStart bool
	IsEntry   bool
	IsExit    bool
}

func (n *Node) String() string {
	switch {
	case n.IsEntry:
		return fmt.Sprintf("N%d(%s entry)", n.ID, n.Fn.Name)
	case n.IsExit:
		return fmt.Sprintf("N%d(%s exit)", n.ID, n.Fn.Name)
	}
	return fmt.Sprintf("N%d(%s b%d.%d)", n.ID, n.Fn.Name, n.Block, n.Index)
}

// Edge is a transition between two program points.
type Edge struct {
	ID    int
	Kind  EdgeKind
	Pred  *Node
	Succ  *Node
	Instr ssa.Instruction

	// Truth is the branch an assume edge takes.
	Truth bool
	// Callee is set on call, summary and return edges, and on go statements.
	Callee *Function
	// CallSite links a function-return edge to the call it returns from.
	CallSite *Edge
}

func (e *Edge) String() string {
	switch e.Kind {
	case AssumeEdge:
		return fmt.Sprintf("[%s == %t]", e.Instr.(*ssa.If).Cond.Name(), e.Truth)
	case FunctionReturnEdge:
		return fmt.Sprintf("return to %s", e.Succ.Fn.Name)
	case BlankEdge:
		if e.Pred.IsEntry {
			return "function start " + e.Pred.Fn.Name
		}
		return "skip"
	}
	if e.Instr == nil {
		return e.Kind.String()
	}
	if v, ok := e.Instr.(ssa.Value); ok {
		return v.Name() + " = " + v.String()
	}
	return e.Instr.String()
}

// Pos reports the source position of the instruction behind the edge.
func (e *Edge) Pos() token.Pos {
	if e.Instr != nil {
		if pos := e.Instr.Pos(); pos.IsValid() {
			return pos
		}
	}
	if e.Callee != nil && e.Callee.SSA != nil {
		return e.Callee.SSA.Pos()
	}
	if e.Pred.Fn != nil && e.Pred.Fn.SSA != nil {
		return e.Pred.Fn.SSA.Pos()
	}
	return token.NoPos
}

// IsGo reports whether the edge spawns a thread.
func (e *Edge) IsGo() bool {
	_, ok := e.Instr.(*ssa.Go)
	return ok
}

// Call returns the call instruction behind a statement or call edge.
func (e *Edge) Call() (*ssa.CallCommon, bool) {
	if e.Kind == AssumeEdge || e.Kind == FunctionReturnEdge {
		return nil, false
	}
	switch instr := e.Instr.(type) {
	case *ssa.Call:
		return instr.Common(), true
	case *ssa.Go:
		return instr.Common(), true
	}
	return nil, false
}

// Function is the automaton of one SSA function.
type Function struct {
	Name   string
	SSA    *ssa.Function
	Entry  *Node
	Exit   *Node
	Nodes  []*Node
	Atomic bool
	Cloned bool

	slots    map[ssa.Value]int
	NumSlots int
	// blockNodes holds the program points of each SSA block in order.
	blockNodes [][]*Node
}

// Slot returns the register index of an SSA value in frames of f.
func (f *Function) Slot(v ssa.Value) (int, bool) {
	i, ok := f.slots[v]
	return i, ok
}

// BlockEntry returns the node before the first instruction of block b.
func (f *Function) BlockEntry(b int) *Node {
	return f.blockNodes[b][0]
}

// Global is a package-level variable laid out in flat memory. Arrays take one
// cell per element; every other type takes one cell.
type Global struct {
	Name      string
	SSA       *ssa.Global
	Type      types.Type
	Offset    int
	Len       int
	// Synthetic globals, such as the initializer guard, are created by the
	// SSA builder and are not program state.
	Synthetic bool
}

type CFA struct {
	Fset      *token.FileSet
	Package   *ssa.Package
	Functions map[string]*Function
	Funcs     []*Function
	Nodes     []*Node
	Edges     []*Edge
	Main      *Function
	Init      *Function
	Globals   []*Global
	MemSize   int

	bySSA    map[*ssa.Function]*Function
	byGlobal map[*ssa.Global]*Global
}

// Lookup returns the automaton built for an SSA function.
func (c *CFA) Lookup(fn *ssa.Function) (*Function, bool) {
	f, ok := c.bySSA[fn]
	return f, ok
}

// GlobalOf returns the memory layout of a package variable.
func (c *CFA) GlobalOf(g *ssa.Global) (*Global, bool) {
	gl, ok := c.byGlobal[g]
	return gl, ok
}

// Position renders the source position of an edge.
func (c *CFA) Position(e *Edge) token.Position {
	return c.Fset.Position(e.Pos())
}
