// Package summary extracts the shared-memory footprint of CFA transitions.
package summary

import (
	"fmt"
	"go/token"
	"go/types"
	"sort"
	"strings"

	"golang.org/x/tools/go/ssa"

	"github.com/o2lab/gopor/cfa"
)

// Tag classifies a variable reference by how its cell is reached.
type Tag int

const (
	// Scalar is a whole package variable that is not an array.
	Scalar Tag = iota
	// Pointer is memory reached through a pointer value.
	Pointer
	// Array is an element of a package-level array.
	Array
	// Other is a field of a package variable, named after the variable.
	Other
)

func (t Tag) String() string {
	switch t {
	case Scalar:
		return "scalar"
	case Pointer:
		return "pointer"
	case Array:
		return "array"
	}
	return "other"
}

// Var is a reference to shared memory made by one instruction.
type Var struct {
	Name string
	Tag  Tag
	// Type is the type of the accessed cell.
	Type types.Type
	// Addr is the address operand the access goes through.
	Addr ssa.Value
	// Index is the element index of an Array reference, nil when the
	// whole array is accessed.
	Index ssa.Value
}

func (v Var) String() string {
	if v.Tag == Array && v.Index != nil {
		return fmt.Sprintf("%s[%s]", v.Name, v.Index.Name())
	}
	return v.Name
}

// Access is the read and write footprint of a transition or a block.
type Access struct {
	Reads  []Var
	Writes []Var
}

func (a Access) Empty() bool {
	return len(a.Reads) == 0 && len(a.Writes) == 0
}

// Union adds the references of o to a.
func (a *Access) Union(o Access) {
	a.Reads = append(a.Reads, o.Reads...)
	a.Writes = append(a.Writes, o.Writes...)
}

// Names lists the distinct variable names touched, sorted.
func (a Access) Names() []string {
	seen := make(map[string]bool)
	var names []string
	for _, vs := range [][]Var{a.Reads, a.Writes} {
		for _, v := range vs {
			if !seen[v.Name] {
				seen[v.Name] = true
				names = append(names, v.Name)
			}
		}
	}
	sort.Strings(names)
	return names
}

func (a Access) String() string {
	var rs, ws []string
	for _, v := range a.Reads {
		rs = append(rs, v.String())
	}
	for _, v := range a.Writes {
		ws = append(ws, v.String())
	}
	return fmt.Sprintf("R{%s} W{%s}", strings.Join(rs, ","), strings.Join(ws, ","))
}

// AtomicSection is the pseudo variable written by argument-less section
// operations such as atomicBegin. Entering a section disables every other
// thread, so the operation conflicts with everything.
const AtomicSection = "@atomic"

// Without returns a copy of a without references to the named variable.
func (a Access) Without(name string) Access {
	var out Access
	for _, v := range a.Reads {
		if v.Name != name {
			out.Reads = append(out.Reads, v)
		}
	}
	for _, v := range a.Writes {
		if v.Name != name {
			out.Writes = append(out.Writes, v)
		}
	}
	return out
}

// Touches reports whether a references the named variable.
func (a Access) Touches(name string) bool {
	for _, vs := range [][]Var{a.Reads, a.Writes} {
		for _, v := range vs {
			if v.Name == name {
				return true
			}
		}
	}
	return false
}

// Extractor computes per-edge accesses. Calls to the mutex operations write
// the mutex their first argument points to.
type Extractor struct {
	mutexOps map[string]bool
}

func NewExtractor(mutexOps []string) *Extractor {
	x := &Extractor{mutexOps: make(map[string]bool)}
	for _, name := range mutexOps {
		x.mutexOps[name] = true
	}
	return x
}

// Extract returns the shared reads and writes of one edge.
func (x *Extractor) Extract(e *cfa.Edge) Access {
	var acc Access
	if e.Kind != cfa.StatementEdge {
		return acc
	}
	switch instr := e.Instr.(type) {
	case *ssa.Store:
		if v, ok := locate(instr.Addr); ok {
			acc.Writes = append(acc.Writes, v)
		}
	case *ssa.UnOp:
		if instr.Op == token.MUL {
			if v, ok := locate(instr.X); ok {
				acc.Reads = append(acc.Reads, v)
			}
		}
	case *ssa.Call:
		if m := x.mutexOf(instr.Common()); m != nil {
			if v, ok := locate(m); ok {
				acc.Writes = append(acc.Writes, v)
			}
		} else if x.isSectionOp(instr.Common()) {
			acc.Writes = append(acc.Writes, Var{Name: AtomicSection, Tag: Scalar, Type: types.Typ[types.Bool]})
		}
	}
	return acc
}

func (x *Extractor) isSectionOp(call *ssa.CallCommon) bool {
	callee := call.StaticCallee()
	return callee != nil && len(call.Args) == 0 && x.mutexOps[cfa.FuncName(callee)]
}

// mutexOf returns the mutex a configured lock operation or a sync locker
// method acts on.
func (x *Extractor) mutexOf(call *ssa.CallCommon) ssa.Value {
	callee := call.StaticCallee()
	if callee == nil || len(call.Args) == 0 {
		return nil
	}
	if !x.mutexOps[cfa.FuncName(callee)] && !isSyncLocker(callee) {
		return nil
	}
	return call.Args[0]
}

func isSyncLocker(fn *ssa.Function) bool {
	if fn.Pkg == nil || fn.Pkg.Pkg.Path() != "sync" || fn.Signature.Recv() == nil {
		return false
	}
	switch fn.Name() {
	case "Lock", "Unlock", "RLock", "RUnlock":
		return true
	}
	return false
}

// locate resolves an address operand to the shared reference it denotes.
// Addresses of function-local allocations are not shared.
func locate(addr ssa.Value) (Var, bool) {
	cell := deref(addr.Type())
	switch a := addr.(type) {
	case *ssa.Global:
		if _, ok := cell.Underlying().(*types.Array); ok {
			return Var{Name: a.Name(), Tag: Array, Type: cell, Addr: a}, true
		}
		return Var{Name: a.Name(), Tag: Scalar, Type: cell, Addr: a}, true
	case *ssa.IndexAddr:
		base, ok := locate(a.X)
		if !ok {
			return Var{}, false
		}
		if base.Tag == Array && base.Index == nil {
			return Var{Name: base.Name, Tag: Array, Type: cell, Addr: a, Index: a.Index}, true
		}
		return Var{Name: "*" + a.Name(), Tag: Pointer, Type: cell, Addr: a}, true
	case *ssa.FieldAddr:
		base, ok := locate(a.X)
		if !ok {
			return Var{}, false
		}
		if base.Tag == Pointer {
			return Var{Name: "*" + a.Name(), Tag: Pointer, Type: cell, Addr: a}, true
		}
		return Var{Name: base.Name, Tag: Other, Type: cell, Addr: a}, true
	case *ssa.Alloc:
		if !a.Heap {
			return Var{}, false
		}
		return Var{Name: "*" + a.Name(), Tag: Pointer, Type: cell, Addr: a}, true
	case *ssa.Const:
		return Var{}, false
	}
	return Var{Name: "*" + addr.Name(), Tag: Pointer, Type: cell, Addr: addr}, true
}

func deref(t types.Type) types.Type {
	if p, ok := t.Underlying().(*types.Pointer); ok {
		return p.Elem()
	}
	return t
}
