package oracle

import (
	"context"
	"go/constant"
	"go/types"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/go/ssa"

	"github.com/o2lab/gopor/cfa"
	"github.com/o2lab/gopor/depgraph"
	"github.com/o2lab/gopor/preprocessor"
)

const guardProgram = `package main

var x int
var arr [4]int

func s(v int)   { x = v }
func w(u int)   { x = u }
func a1(i int)  { arr[i] = 1 }
func a2(j int)  { arr[j] = 2 }
func main() {
	go s(1)
	go w(2)
	go a1(1)
	go a2(2)
}
`

type values map[term]int64

func (vs values) Value(side int, v ssa.Value) (int64, bool) {
	n, ok := vs[term{side, v}]
	return n, ok
}

func (vs values) Fingerprint() string { return "" }

func storeNode(t *testing.T, g *depgraph.Graph, fn string) *depgraph.Node {
	t.Helper()
	for _, n := range g.Nodes() {
		if _, ok := n.Edge.Instr.(*ssa.Store); ok && n.Fn.Name == fn {
			return n
		}
	}
	t.Fatalf("no store in %s", fn)
	return nil
}

func graph(t *testing.T) *depgraph.Graph {
	t.Helper()
	pkg, err := preprocessor.NewPreprocessor(nil).FromSource("prog.go", guardProgram)
	require.NoError(t, err)
	c, err := cfa.Build(pkg, cfa.DefaultOptions())
	require.NoError(t, err)
	g, err := depgraph.Build(context.Background(), c, depgraph.DefaultOptions())
	require.NoError(t, err)
	return g
}

func TestTrivialConstraints(t *testing.T) {
	o := NewSAT(0)
	ok, err := o.Independent(depgraph.Constraint{Kind: depgraph.Absent}, values{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = o.Independent(depgraph.Constraint{Kind: depgraph.Unconditional}, values{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSameIndex(t *testing.T) {
	g := graph(t)
	c := g.Dep(storeNode(t, g, "a1"), storeNode(t, g, "a2"))
	require.Equal(t, depgraph.Guarded, c.Kind)
	i, j := c.Atoms[0].Left, c.Atoms[0].Right
	o := NewSAT(time.Second)

	ok, err := o.Independent(c, values{{0, i}: 1, {1, j}: 2})
	require.NoError(t, err)
	assert.True(t, ok, "distinct indices")

	ok, err = o.Independent(c, values{{0, i}: 3, {1, j}: 3})
	require.NoError(t, err)
	assert.False(t, ok, "equal indices")

	ok, err = o.Independent(c, values{{0, i}: 3})
	require.NoError(t, err)
	assert.False(t, ok, "unknown index may collide")
}

func TestSameValue(t *testing.T) {
	g := graph(t)
	c := g.Dep(storeNode(t, g, "s"), storeNode(t, g, "w"))
	require.Equal(t, depgraph.Guarded, c.Kind)
	v, u := c.Atoms[0].Left, c.Atoms[0].Right
	o := NewSAT(0)

	ok, err := o.Independent(c, values{{0, v}: 5, {1, u}: 5})
	require.NoError(t, err)
	assert.True(t, ok, "storing the same value commutes")

	ok, err = o.Independent(c, values{{0, v}: 5, {1, u}: 6})
	require.NoError(t, err)
	assert.False(t, ok)

	// The sides matter: the valuation of the wrong thread decides nothing.
	ok, err = o.Independent(c, values{{1, v}: 5, {0, u}: 5})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDisjunction(t *testing.T) {
	g := graph(t)
	i := storeNode(t, g, "a1").Access.Writes[0].Index
	j := storeNode(t, g, "a2").Access.Writes[0].Index
	one := ssa.NewConst(constant.MakeInt64(1), types.Typ[types.Int])

	c := depgraph.Constraint{Kind: depgraph.Guarded, Atoms: []depgraph.Atom{
		{Kind: depgraph.SameIndex, Left: i, Right: j},
		{Kind: depgraph.SameValue, Left: one, Right: j},
	}}
	o := NewSAT(0)

	ok, err := o.Independent(c, values{{0, i}: 3, {1, j}: 1})
	require.NoError(t, err)
	assert.True(t, ok, "every atom is false")

	ok, err = o.Independent(c, values{{0, i}: 3, {1, j}: 2})
	require.NoError(t, err)
	assert.False(t, ok, "second atom holds")

	ok, err = o.Independent(c, values{{0, i}: 3})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConstValue(t *testing.T) {
	n, ok := constValue(ssa.NewConst(constant.MakeInt64(-4), types.Typ[types.Int]))
	assert.True(t, ok)
	assert.Equal(t, int64(-4), n)

	n, ok = constValue(ssa.NewConst(constant.MakeBool(true), types.Typ[types.Bool]))
	assert.True(t, ok)
	assert.Equal(t, int64(1), n)

	_, ok = constValue(ssa.NewConst(nil, types.NewPointer(types.Typ[types.Int])))
	assert.False(t, ok)
}
