package cfa

import (
	"errors"
	"fmt"
	"go/types"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

var (
	ErrNoEntry     = errors.New("entry function not found")
	ErrUnsupported = errors.New("unsupported construct")
)

// Options controls which functions get automata and how they are flagged.
type Options struct {
	// EntryFunction is the function the first thread starts in.
	EntryFunction string
	// AtomicPrefix marks functions whose whole body runs indivisibly.
	AtomicPrefix string
	// Intrinsics are called functions interpreted as primitive statements.
	// They never get an automaton of their own and never count as atomic.
	Intrinsics []string
}

func DefaultOptions() Options {
	return Options{
		EntryFunction: "main",
		AtomicPrefix:  "atomic",
		Intrinsics: []string{
			"lock", "unlock",
			"atomicBegin", "atomicEnd",
			"(*sync.Mutex).Lock", "(*sync.Mutex).Unlock",
			"assert",
		},
	}
}

// FuncName is the name functions are matched by: the plain name for package
// functions, the receiver-qualified form for methods.
func FuncName(fn *ssa.Function) string {
	if fn.Signature.Recv() != nil {
		return fn.RelString(nil)
	}
	return fn.Name()
}

type builder struct {
	cfa        *CFA
	opts       Options
	intrinsics map[string]bool
	calls      []*Edge
}

// Build constructs the automaton of every function defined in pkg.
func Build(pkg *ssa.Package, opts Options) (*CFA, error) {
	b := &builder{
		cfa: &CFA{
			Fset:      pkg.Prog.Fset,
			Package:   pkg,
			Functions: make(map[string]*Function),
			bySSA:     make(map[*ssa.Function]*Function),
			byGlobal:  make(map[*ssa.Global]*Global),
		},
		opts:       opts,
		intrinsics: make(map[string]bool),
	}
	for _, name := range opts.Intrinsics {
		b.intrinsics[name] = true
	}

	if err := b.layoutGlobals(pkg); err != nil {
		return nil, err
	}
	for _, fn := range b.collect(pkg) {
		b.newFunction(fn)
	}
	for _, f := range b.cfa.Funcs {
		b.buildBody(f)
	}
	b.linkReturns()
	for _, f := range b.cfa.Funcs {
		markLoopStarts(f)
	}

	main, ok := b.cfa.Functions[opts.EntryFunction]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoEntry, opts.EntryFunction)
	}
	b.cfa.Main = main
	if fn := pkg.Func("init"); fn != nil {
		b.cfa.Init = b.cfa.bySSA[fn]
	}
	log.Debugf("CFA: %d functions, %d nodes, %d edges", len(b.cfa.Funcs), len(b.cfa.Nodes), len(b.cfa.Edges))
	return b.cfa, nil
}

func (b *builder) layoutGlobals(pkg *ssa.Package) error {
	var names []string
	for name, member := range pkg.Members {
		if _, ok := member.(*ssa.Global); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	offset := 0
	for _, name := range names {
		g := pkg.Members[name].(*ssa.Global)
		typ := g.Type().(*types.Pointer).Elem()
		size := 1
		if arr, ok := typ.Underlying().(*types.Array); ok {
			if _, nested := arr.Elem().Underlying().(*types.Array); nested {
				return fmt.Errorf("%w: nested array %s", ErrUnsupported, name)
			}
			size = int(arr.Len())
		}
		gl := &Global{Name: name, SSA: g, Type: typ, Offset: offset, Len: size, Synthetic: strings.Contains(name, "$")}
		offset += size
		b.cfa.Globals = append(b.cfa.Globals, gl)
		b.cfa.byGlobal[g] = gl
	}
	b.cfa.MemSize = offset
	return nil
}

func (b *builder) collect(pkg *ssa.Package) []*ssa.Function {
	var fns []*ssa.Function
	for fn := range ssautil.AllFunctions(pkg.Prog) {
		if fn.Blocks == nil || !belongsTo(fn, pkg) || b.intrinsics[FuncName(fn)] {
			continue
		}
		fns = append(fns, fn)
	}
	sort.Slice(fns, func(i, j int) bool {
		if fns[i].Pos() != fns[j].Pos() {
			return fns[i].Pos() < fns[j].Pos()
		}
		return fns[i].String() < fns[j].String()
	})
	return fns
}

func belongsTo(fn *ssa.Function, pkg *ssa.Package) bool {
	if fn.Pkg == pkg {
		return true
	}
	if origin := fn.Origin(); origin != nil && origin.Pkg == pkg {
		return true
	}
	if parent := fn.Parent(); parent != nil {
		return belongsTo(parent, pkg)
	}
	return false
}

func (b *builder) newNode(f *Function, block, index int) *Node {
	n := &Node{ID: len(b.cfa.Nodes), Fn: f, Block: block, Index: index}
	b.cfa.Nodes = append(b.cfa.Nodes, n)
	f.Nodes = append(f.Nodes, n)
	return n
}

func (b *builder) newEdge(kind EdgeKind, pred, succ *Node, instr ssa.Instruction) *Edge {
	e := &Edge{ID: len(b.cfa.Edges), Kind: kind, Pred: pred, Succ: succ, Instr: instr}
	pred.Out = append(pred.Out, e)
	succ.In = append(succ.In, e)
	b.cfa.Edges = append(b.cfa.Edges, e)
	return e
}

func (b *builder) newFunction(fn *ssa.Function) {
	name := FuncName(fn)
	f := &Function{
		Name:   name,
		SSA:    fn,
		Cloned: fn.Origin() != nil,
		slots:  make(map[ssa.Value]int),
	}
	f.Atomic = b.opts.AtomicPrefix != "" && strings.HasPrefix(name, b.opts.AtomicPrefix) && !b.intrinsics[name]

	f.Entry = b.newNode(f, -1, 0)
	f.Entry.IsEntry = true
	f.blockNodes = make([][]*Node, len(fn.Blocks))
	for _, block := range fn.Blocks {
		for i := range block.Instrs {
			f.blockNodes[block.Index] = append(f.blockNodes[block.Index], b.newNode(f, block.Index, i))
		}
	}
	f.Exit = b.newNode(f, -1, 1)
	f.Exit.IsExit = true

	for _, p := range fn.Params {
		f.slots[p] = len(f.slots)
	}
	for _, block := range fn.Blocks {
		for _, instr := range block.Instrs {
			if v, ok := instr.(ssa.Value); ok {
				f.slots[v] = len(f.slots)
			}
		}
	}
	f.NumSlots = len(f.slots)

	if _, dup := b.cfa.Functions[name]; dup {
		log.Warnf("duplicate function name %s, keeping the first", name)
	} else {
		b.cfa.Functions[name] = f
	}
	b.cfa.Funcs = append(b.cfa.Funcs, f)
	b.cfa.bySSA[fn] = f
}

func (b *builder) buildBody(f *Function) {
	b.newEdge(BlankEdge, f.Entry, f.BlockEntry(0), nil)
	for _, block := range f.SSA.Blocks {
		nodes := f.blockNodes[block.Index]
		for i, instr := range block.Instrs {
			pred := nodes[i]
			switch instr := instr.(type) {
			case *ssa.If:
				t := b.newEdge(AssumeEdge, pred, f.BlockEntry(block.Succs[0].Index), instr)
				t.Truth = true
				b.newEdge(AssumeEdge, pred, f.BlockEntry(block.Succs[1].Index), instr)
			case *ssa.Jump:
				b.newEdge(BlankEdge, pred, f.BlockEntry(block.Succs[0].Index), instr)
			case *ssa.Return, *ssa.Panic:
				b.newEdge(ReturnEdge, pred, f.Exit, instr)
			case *ssa.Call:
				b.callEdge(pred, nodes[i+1], instr)
			case *ssa.Go:
				e := b.newEdge(StatementEdge, pred, nodes[i+1], instr)
				if callee := instr.Common().StaticCallee(); callee != nil {
					e.Callee = b.cfa.bySSA[callee]
				}
			default:
				b.newEdge(StatementEdge, pred, nodes[i+1], instr)
			}
		}
	}
}

func (b *builder) callEdge(pred, next *Node, call *ssa.Call) {
	callee := call.Common().StaticCallee()
	target, ok := b.cfa.bySSA[callee]
	if callee == nil || !ok {
		b.newEdge(StatementEdge, pred, next, call)
		return
	}
	e := b.newEdge(FunctionCallEdge, pred, target.Entry, call)
	e.Callee = target
	summary := b.newEdge(CallToReturnEdge, pred, next, call)
	summary.Callee = target
	b.calls = append(b.calls, e)
}

func (b *builder) linkReturns() {
	for _, call := range b.calls {
		summary := SummaryOf(call)
		r := b.newEdge(FunctionReturnEdge, call.Callee.Exit, summary.Succ, call.Instr)
		r.Callee = call.Callee
		r.CallSite = call
	}
}

// SummaryOf returns the call-to-return edge paired with a call edge.
func SummaryOf(call *Edge) *Edge {
	for _, e := range call.Pred.Out {
		if e.Kind == CallToReturnEdge {
			return e
		}
	}
	return nil
}
