package depgraph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/go/ssa"

	"github.com/o2lab/gopor/cfa"
	"github.com/o2lab/gopor/preprocessor"
)

const depProgram = `package main

var x, y int
var arr [4]int
var p *int
var m int

func lock(m *int)   {}
func unlock(m *int) {}
func atomicBegin()  {}
func atomicEnd()    {}

func w1() { x = 1 }
func w2() { x = 2 }
func r()  { y = x }
func wy() { y = 3 }

func s(v int) { x = v }

func a1(i int) { arr[i] = 1 }
func a2(j int) { arr[j] = 2 }

func pw() { *p = 1 }

func locked() {
	lock(&m)
	x = 1
	unlock(&m)
}

func bad() {
	lock(&m)
	y = 1
}

func half() { atomicBegin() }

func atomicSet() { x = 5 }

func main() {
	go w1()
	go w2()
	go r()
	go wy()
	go s(7)
	go a1(1)
	go a2(2)
	go pw()
	go locked()
	go bad()
	go half()
	atomicSet()
}
`

func buildGraph(t *testing.T, src string, opts Options) *Graph {
	t.Helper()
	pkg, err := preprocessor.NewPreprocessor(nil).FromSource("prog.go", src)
	require.NoError(t, err)
	c, err := cfa.Build(pkg, cfa.DefaultOptions())
	require.NoError(t, err)
	g, err := Build(context.Background(), c, opts)
	require.NoError(t, err)
	return g
}

// nodeOf finds the node of fn whose originating instruction has type I.
func nodeOf[I ssa.Instruction](t *testing.T, g *Graph, fn string) *Node {
	t.Helper()
	for _, n := range g.Nodes() {
		if n.Fn.Name != fn {
			continue
		}
		if _, ok := n.Edge.Instr.(I); ok {
			return n
		}
	}
	t.Fatalf("no node in %s", fn)
	return nil
}

func TestDisjointAccesses(t *testing.T) {
	g := buildGraph(t, depProgram, DefaultOptions())

	assert.Equal(t, Absent, g.Dep(nodeOf[*ssa.Store](t, g, "w1"), nodeOf[*ssa.Store](t, g, "wy")).Kind)
	assert.Equal(t, Absent, g.Dep(nodeOf[*ssa.Store](t, g, "a1"), nodeOf[*ssa.Store](t, g, "w1")).Kind)
}

func TestWriteConflicts(t *testing.T) {
	g := buildGraph(t, depProgram, DefaultOptions())
	w1 := nodeOf[*ssa.Store](t, g, "w1")
	w2 := nodeOf[*ssa.Store](t, g, "w2")
	load := nodeOf[*ssa.UnOp](t, g, "r")

	// Distinct constants never agree, so the stores always conflict.
	assert.Equal(t, Unconditional, g.Dep(w1, w2).Kind)
	assert.Equal(t, Unconditional, g.Dep(w1, load).Kind)
	assert.Equal(t, Unconditional, g.Dep(load, w2).Kind)
	assert.Equal(t, Absent, g.Dep(load, load).Kind)
}

func TestSameValueGuard(t *testing.T) {
	g := buildGraph(t, depProgram, DefaultOptions())
	s := nodeOf[*ssa.Store](t, g, "s")
	w2 := nodeOf[*ssa.Store](t, g, "w2")

	c := g.Dep(s, w2)
	require.Equal(t, Guarded, c.Kind)
	require.Len(t, c.Atoms, 1)
	atom := c.Atoms[0]
	assert.Equal(t, SameValue, atom.Kind)
	assert.False(t, atom.ConflictOnEqual())
	_, isParam := atom.Left.(*ssa.Parameter)
	assert.True(t, isParam)
	_, isConst := atom.Right.(*ssa.Const)
	assert.True(t, isConst)

	flipped := g.Dep(w2, s)
	require.Equal(t, Guarded, flipped.Kind)
	assert.Equal(t, atom.Left, flipped.Atoms[0].Right)
	assert.Equal(t, atom.Right, flipped.Atoms[0].Left)
}

func TestArrayIndexGuard(t *testing.T) {
	g := buildGraph(t, depProgram, DefaultOptions())
	c := g.Dep(nodeOf[*ssa.Store](t, g, "a1"), nodeOf[*ssa.Store](t, g, "a2"))
	require.Equal(t, Guarded, c.Kind)
	require.Len(t, c.Atoms, 1)
	assert.Equal(t, SameIndex, c.Atoms[0].Kind)
	assert.Equal(t, "i", c.Atoms[0].Left.Name())
	assert.Equal(t, "j", c.Atoms[0].Right.Name())
}

func TestPointerAliasGuard(t *testing.T) {
	g := buildGraph(t, depProgram, DefaultOptions())
	c := g.Dep(nodeOf[*ssa.Store](t, g, "pw"), nodeOf[*ssa.Store](t, g, "w1"))
	require.Equal(t, Guarded, c.Kind)
	require.Len(t, c.Atoms, 1)
	assert.Equal(t, Alias, c.Atoms[0].Kind)
	assert.True(t, c.Atoms[0].ConflictOnEqual())
	_, isGlobal := c.Atoms[0].Right.(*ssa.Global)
	assert.True(t, isGlobal)

	// Loading p itself is a plain scalar read.
	assert.Equal(t, Absent, g.Dep(nodeOf[*ssa.UnOp](t, g, "pw"), nodeOf[*ssa.Store](t, g, "w1")).Kind)
}

const fieldProgram = `package main

type S struct{ f, g int }

var p, q *S
var z int

func w1() { p.f = 1 }
func w2() {
	v := z
	q.f = v
}
func w3() { *p = S{} }

func main() {
	s := &S{}
	p = s
	q = s
	go w1()
	go w2()
	go w3()
}
`

func TestFieldsThroughPointers(t *testing.T) {
	g := buildGraph(t, fieldProgram, DefaultOptions())
	w1 := nodeOf[*ssa.Store](t, g, "w1")
	w2 := nodeOf[*ssa.Store](t, g, "w2")
	w3 := nodeOf[*ssa.Store](t, g, "w3")

	// p and q may point to the same struct: the field stores conflict
	// exactly when the field addresses are equal.
	c := g.Dep(w1, w2)
	require.Equal(t, Guarded, c.Kind)
	require.Len(t, c.Atoms, 1)
	assert.Equal(t, Alias, c.Atoms[0].Kind)
	_, isField := c.Atoms[0].Left.(*ssa.FieldAddr)
	assert.True(t, isField)

	// Overwriting the whole struct touches every field.
	assert.Equal(t, Unconditional, g.Dep(w3, w1).Kind)
	assert.Equal(t, Unconditional, g.Dep(w2, w3).Kind)

	opts := DefaultOptions()
	opts.Conditional = false
	g = buildGraph(t, fieldProgram, opts)
	assert.Equal(t, Unconditional, g.Dep(nodeOf[*ssa.Store](t, g, "w1"), nodeOf[*ssa.Store](t, g, "w2")).Kind)
}

func TestUnconditionalWhenNotConditional(t *testing.T) {
	opts := DefaultOptions()
	opts.Conditional = false
	g := buildGraph(t, depProgram, opts)
	assert.False(t, g.Conditional())

	assert.Equal(t, Unconditional, g.Dep(nodeOf[*ssa.Store](t, g, "s"), nodeOf[*ssa.Store](t, g, "w2")).Kind)
	assert.Equal(t, Unconditional, g.Dep(nodeOf[*ssa.Store](t, g, "a1"), nodeOf[*ssa.Store](t, g, "a2")).Kind)
	assert.Equal(t, Unconditional, g.Dep(nodeOf[*ssa.Store](t, g, "pw"), nodeOf[*ssa.Store](t, g, "w1")).Kind)
	_, _, guarded := g.Stats()
	assert.Zero(t, guarded)
}

func TestSymmetry(t *testing.T) {
	g := buildGraph(t, depProgram, DefaultOptions())
	for _, a := range g.Nodes() {
		for _, b := range g.Nodes() {
			ab, ba := g.Dep(a, b), g.Dep(b, a)
			require.Equal(t, ab.Kind, ba.Kind, "%s ~ %s", a, b)
			require.Len(t, ba.Atoms, len(ab.Atoms))
			for i := range ab.Atoms {
				assert.Equal(t, ab.Atoms[i].Left, ba.Atoms[i].Right)
				assert.Equal(t, ab.Atoms[i].Right, ba.Atoms[i].Left)
			}
		}
	}
}

func TestLockBlock(t *testing.T) {
	g := buildGraph(t, depProgram, DefaultOptions())
	block := nodeOf[*ssa.Call](t, g, "locked")
	require.False(t, block.Simple)
	require.Len(t, block.Ends, 1)
	assert.Equal(t, "unlock", calleeName(block.Ends[0]))

	n, ok := g.Block(block.Edge)
	require.True(t, ok)
	assert.Same(t, block, n)

	for _, e := range block.Inner {
		assert.Same(t, block, g.NodeOf(e), e.String())
	}
	assert.Equal(t, Unconditional, g.Dep(block, nodeOf[*ssa.Store](t, g, "w2")).Kind)
	assert.Equal(t, Absent, g.Dep(block, nodeOf[*ssa.Store](t, g, "wy")).Kind)
	// Compound nodes never carry guards.
	assert.Equal(t, Unconditional, g.Dep(block, nodeOf[*ssa.Store](t, g, "s")).Kind)
}

func TestUnmatchedBlock(t *testing.T) {
	g := buildGraph(t, depProgram, DefaultOptions())
	require.Len(t, g.Unmatched(), 2)

	lock := nodeOf[*ssa.Call](t, g, "bad")
	assert.True(t, lock.Simple)
	assert.Contains(t, g.Unmatched(), lock.Edge)
	assert.Equal(t, Unconditional, g.Dep(nodeOf[*ssa.Store](t, g, "bad"), nodeOf[*ssa.Store](t, g, "wy")).Kind)

	// An open atomic section disables every other thread.
	begin := nodeOf[*ssa.Call](t, g, "half")
	assert.True(t, begin.Simple)
	assert.Equal(t, Unconditional, g.Dep(begin, nodeOf[*ssa.Store](t, g, "wy")).Kind)
	assert.Equal(t, Unconditional, g.Dep(begin, nodeOf[*ssa.Store](t, g, "a1")).Kind)
}

func TestSharedEdges(t *testing.T) {
	g := buildGraph(t, depProgram, DefaultOptions())
	assert.True(t, g.IsShared(nodeOf[*ssa.Store](t, g, "w1").Edge))

	locked := nodeOf[*ssa.Call](t, g, "locked")
	assert.True(t, g.IsShared(locked.Edge))
	for _, e := range locked.Inner {
		if _, ok := e.Instr.(*ssa.Store); ok {
			assert.True(t, g.IsShared(e), e.String())
		}
	}
	assert.False(t, g.IsShared(g.CFA().Functions["w1"].Entry.Out[0]))
}

func TestAtomicFunction(t *testing.T) {
	g := buildGraph(t, depProgram, DefaultOptions())
	f := g.CFA().Functions["atomicSet"]
	require.True(t, f.Atomic)

	start := f.Entry.Out[0]
	n, ok := g.Block(start)
	require.True(t, ok)
	assert.False(t, n.Simple)
	assert.True(t, g.IsShared(start))

	var call *cfa.Edge
	for _, e := range g.CFA().Edges {
		if e.Kind == cfa.FunctionCallEdge && e.Callee == f {
			call = e
		}
	}
	require.NotNil(t, call)
	assert.Same(t, n, g.NodeOf(call))
	for _, e := range n.Inner {
		assert.Same(t, n, g.NodeOf(e))
	}
	assert.Equal(t, Unconditional, g.Dep(n, nodeOf[*ssa.Store](t, g, "w1")).Kind)
}

func TestQueryIncomplete(t *testing.T) {
	const generic = `package main

var x int

func id[T any](v T) T { return v }

func main() {
	x = id(1)
}
`
	g := buildGraph(t, generic, DefaultOptions())
	assert.True(t, g.Complete())

	opts := DefaultOptions()
	opts.IncludeCloned = false
	g = buildGraph(t, generic, opts)
	assert.False(t, g.Complete())
	_, err := g.Query(nil, nil, true)
	assert.ErrorIs(t, err, ErrIncomplete)
	c, err := g.Query(nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, Absent, c.Kind)
}

func TestBuildConfigErrors(t *testing.T) {
	pkg, err := preprocessor.NewPreprocessor(nil).FromSource("prog.go", depProgram)
	require.NoError(t, err)
	c, err := cfa.Build(pkg, cfa.DefaultOptions())
	require.NoError(t, err)

	cases := map[string]func(*Options){
		"empty entry":      func(o *Options) { o.EntryFunction = "" },
		"missing entry":    func(o *Options) { o.EntryFunction = "nosuch" },
		"same begin/end":   func(o *Options) { o.BlockPairs = []BlockPair{{Begin: "lock", End: "lock"}} },
		"duplicate name":   func(o *Options) { o.BlockPairs = append(o.BlockPairs, BlockPair{Begin: "lock", End: "release"}) },
		"negative worker":  func(o *Options) { o.Workers = -1 },
		"unresolved end":   func(o *Options) { o.BlockPairs[1].End = "unlok" },
		"unresolved begin": func(o *Options) { o.BlockPairs[1].Begin = "lok" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opts := DefaultOptions()
			mutate(&opts)
			_, err := Build(context.Background(), c, opts)
			assert.True(t, errors.Is(err, ErrConfig), err)
		})
	}

	// Pairs the program never calls need not resolve.
	opts := DefaultOptions()
	opts.BlockPairs = append(opts.BlockPairs, BlockPair{Begin: "acquire", End: "release"})
	_, err = Build(context.Background(), c, opts)
	assert.NoError(t, err)
}

func TestMainPairsSkipped(t *testing.T) {
	const src = `package main

var x int

func main() {
	x = 1
	x = 2
}
`
	g := buildGraph(t, src, DefaultOptions())
	require.Len(t, g.Nodes(), 2)
	assert.Empty(t, g.Pairs())
}
