package por

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/go/ssa"

	"github.com/o2lab/gopor/cfa"
	"github.com/o2lab/gopor/depgraph"
	"github.com/o2lab/gopor/preprocessor"
)

const porProgram = `package main

var g, h, k, x int

func t0() { h = 1 }
func t1() {
	g = 1
	k = 2
}
func t2() { g = 3 }

func s0(v int) { x = v }
func s1(u int) { x = u }

func br(v int) {
	if v > 0 {
		h = 2
	}
}

func main() {
	go t0()
	go t1()
	go t2()
	go s0(1)
	go s1(2)
	go br(1)
}
`

type fixture struct {
	cfa   *cfa.CFA
	graph *depgraph.Graph
	ids   int
}

func newFixture(t *testing.T, opts depgraph.Options) *fixture {
	t.Helper()
	pkg, err := preprocessor.NewPreprocessor(nil).FromSource("prog.go", porProgram)
	require.NoError(t, err)
	c, err := cfa.Build(pkg, cfa.DefaultOptions())
	require.NoError(t, err)
	g, err := depgraph.Build(context.Background(), c, opts)
	require.NoError(t, err)
	return &fixture{cfa: c, graph: g}
}

func (f *fixture) driver(t *testing.T, kind Kind) *Driver {
	t.Helper()
	d, err := New(f.graph, kind)
	require.NoError(t, err)
	return d
}

// store returns the edge of fn storing to the named global.
func (f *fixture) store(t *testing.T, fn, global string) *cfa.Edge {
	t.Helper()
	for _, e := range f.cfa.Edges {
		st, ok := e.Instr.(*ssa.Store)
		if !ok || e.Pred.Fn.Name != fn || e.Kind != cfa.StatementEdge {
			continue
		}
		if gl, ok := st.Addr.(*ssa.Global); ok && gl.Name() == global {
			return e
		}
	}
	t.Fatalf("no store to %s in %s", global, fn)
	return nil
}

func (f *fixture) start(fn string) *cfa.Edge {
	return f.cfa.Functions[fn].Entry.Out[0]
}

func (f *fixture) branch(t *testing.T, fn string, truth bool) *cfa.Edge {
	t.Helper()
	for _, e := range f.cfa.Edges {
		if e.Kind == cfa.AssumeEdge && e.Pred.Fn.Name == fn && e.Truth == truth {
			return e
		}
	}
	t.Fatalf("no branch in %s", fn)
	return nil
}

func (f *fixture) root() *State {
	f.ids++
	s := &State{ID: f.ids}
	for i := 0; i < 6; i++ {
		s.Threads.Insert(i)
	}
	return s
}

func (f *fixture) state(thread int, e *cfa.Edge) *State {
	f.ids++
	s := &State{ID: f.ids, Trigger: &Transition{Thread: thread, Edge: e, End: e.Succ}}
	for i := 0; i < 6; i++ {
		s.Threads.Insert(i)
	}
	return s
}

func decideAll(t *testing.T, d *Driver, parent *State, sibs ...*State) []Decision {
	t.Helper()
	var out []Decision
	for _, s := range sibs {
		dec, err := d.Decide(context.Background(), parent, s, sibs)
		require.NoError(t, err)
		out = append(out, dec)
	}
	require.NoError(t, d.Done(parent))
	return out
}

func TestStaticMonotonicPrunesLowerIndependentThread(t *testing.T) {
	f := newFixture(t, depgraph.DefaultOptions())
	d := f.driver(t, Static)

	root := f.root()
	c0 := f.state(0, f.store(t, "t0", "h"))
	c1 := f.state(1, f.store(t, "t1", "g"))
	assert.Equal(t, []Decision{Keep, Keep}, decideAll(t, d, root, c0, c1))
	assert.Equal(t, GlobalAccess, c1.Class())

	d0 := f.state(0, f.store(t, "t0", "h"))
	d1 := f.state(1, f.store(t, "t1", "k"))
	assert.Equal(t, []Decision{Prune, Keep}, decideAll(t, d, c1, d0, d1))

	// Thread order ascends after c0, so nothing is pruned below it.
	e1 := f.state(1, f.store(t, "t1", "g"))
	assert.Equal(t, []Decision{Keep}, decideAll(t, d, c0, e1))
	assert.Zero(t, d.Context().Pending())
}

func TestStaticMonotonicKeepsDependentThread(t *testing.T) {
	f := newFixture(t, depgraph.DefaultOptions())
	d := f.driver(t, Static)

	root := f.root()
	c1 := f.state(1, f.store(t, "t1", "g"))
	decideAll(t, d, root, c1)

	// g = 3 against g = 1: both orders must stay.
	d0 := f.state(0, f.store(t, "t2", "g"))
	assert.Equal(t, []Decision{Keep}, decideAll(t, d, c1, d0))
}

func TestStaticMonotonicNeedsSharedParent(t *testing.T) {
	f := newFixture(t, depgraph.DefaultOptions())
	d := f.driver(t, Static)

	root := f.root()
	n := f.state(1, f.start("t1"))
	assert.Equal(t, []Decision{Keep}, decideAll(t, d, root, n))
	assert.Equal(t, Normal, n.Class())

	d0 := f.state(0, f.store(t, "t0", "h"))
	assert.Equal(t, []Decision{Keep}, decideAll(t, d, n, d0))
}

func TestStaticMonotonicThreadCreation(t *testing.T) {
	f := newFixture(t, depgraph.DefaultOptions())
	d := f.driver(t, Static)

	root := f.root()
	c1 := f.state(1, f.store(t, "t1", "g"))
	c1.Trigger.Creates = true
	decideAll(t, d, root, c1)

	d0 := f.state(0, f.store(t, "t0", "h"))
	assert.Equal(t, []Decision{Keep}, decideAll(t, d, c1, d0))
}

func TestLocalResolution(t *testing.T) {
	f := newFixture(t, depgraph.DefaultOptions())
	for _, kind := range Kinds() {
		t.Run(kind.String(), func(t *testing.T) {
			d := f.driver(t, kind)

			root := f.root()
			gva := f.state(0, f.store(t, "t0", "h"))
			n1 := f.state(1, f.start("t1"))
			n2 := f.state(2, f.start("t2"))
			assert.Equal(t, []Decision{Prune, Keep, Prune}, decideAll(t, d, root, gva, n1, n2))

			// The representative does not depend on the decision order.
			root = f.root()
			sibs := []*State{gva, n1, n2}
			for i := len(sibs) - 1; i >= 0; i-- {
				dec, err := d.Decide(context.Background(), root, sibs[i], sibs)
				require.NoError(t, err)
				assert.Equal(t, i == 1, dec == Keep)
			}
			require.NoError(t, d.Done(root))
		})
	}
}

func TestAssumeResolution(t *testing.T) {
	f := newFixture(t, depgraph.DefaultOptions())
	d := f.driver(t, Swap)

	root := f.root()
	yes := f.state(5, f.branch(t, "br", true))
	no := f.state(5, f.branch(t, "br", false))
	other := f.state(3, f.branch(t, "br", true))
	gva := f.state(0, f.store(t, "t0", "h"))
	assert.Equal(t, []Decision{Keep, Keep, Prune, Prune}, decideAll(t, d, root, yes, no, other, gva))
	assert.Equal(t, NormalAssume, yes.Class())
}

func TestScopedTracksReductionPoints(t *testing.T) {
	f := newFixture(t, depgraph.DefaultOptions())
	d := f.driver(t, Scoped)

	root := f.root()
	c0 := f.state(0, f.store(t, "t0", "h"))
	c1 := f.state(1, f.store(t, "t1", "g"))
	decideAll(t, d, root, c0, c1)
	assert.True(t, c1.rp)

	d0 := f.state(0, f.store(t, "t0", "h"))
	d1 := f.state(1, f.start("t1"))
	assert.Equal(t, []Decision{Prune, Keep}, decideAll(t, d, c1, d0, d1))
	assert.True(t, d1.rp, "local children inherit the flag")

	// A local trigger never prunes.
	e0 := f.state(0, f.store(t, "t0", "h"))
	assert.Equal(t, []Decision{Keep}, decideAll(t, d, d1, e0))
	assert.True(t, e0.rp)

	// Outside a reduction scope the rule is off.
	outside := f.state(1, f.store(t, "t1", "g"))
	outside.class = GlobalAccess
	g0 := f.state(0, f.store(t, "t0", "h"))
	assert.Equal(t, []Decision{Keep}, decideAll(t, d, outside, g0))
}

func TestSwap(t *testing.T) {
	f := newFixture(t, depgraph.DefaultOptions())
	d := f.driver(t, Swap)

	root := f.root()
	c0 := f.state(0, f.store(t, "t0", "h"))
	c1 := f.state(1, f.store(t, "t1", "g"))
	decideAll(t, d, root, c0, c1)
	require.NotNil(t, c1.ref)
	assert.Equal(t, 1, c1.ref.thread)

	// A local step in between keeps the reference.
	n := f.state(1, f.store(t, "t1", "k"))
	n.Trigger.Edge = f.start("t2")
	decideAll(t, d, c1, n)
	assert.Same(t, c1.ref, n.ref)

	d0 := f.state(0, f.store(t, "t0", "h"))
	assert.Equal(t, []Decision{Prune}, decideAll(t, d, n, d0))

	// A thread that exited since the reference forbids the swap.
	e0 := f.state(0, f.store(t, "t0", "h"))
	e0.Threads.Remove(4)
	assert.Equal(t, []Decision{Keep}, decideAll(t, d, c1, e0))
	assert.Equal(t, 0, e0.ref.thread)
}

func TestSleepSet(t *testing.T) {
	f := newFixture(t, depgraph.DefaultOptions())
	d := f.driver(t, Sleep)

	root := f.root()
	c0 := f.state(0, f.store(t, "t0", "h"))
	c1 := f.state(1, f.store(t, "t1", "g"))
	c2 := f.state(2, f.store(t, "t2", "g"))
	assert.Equal(t, []Decision{Keep, Keep, Keep}, decideAll(t, d, root, c0, c1, c2))
	assert.Zero(t, c0.Sleep().Len())
	assert.True(t, c1.Sleep().Has(0, c0.Trigger.Edge))
	assert.True(t, c2.Sleep().Has(0, c0.Trigger.Edge))
	assert.False(t, c2.Sleep().Has(1, c1.Trigger.Edge), "g = 1 and g = 3 conflict")

	d0 := f.state(0, f.store(t, "t0", "h"))
	d1 := f.state(1, f.store(t, "t1", "k"))
	assert.Equal(t, []Decision{Prune, Keep}, decideAll(t, d, c1, d0, d1))
	// The deferred step was consumed by d0 and is not deferred again.
	assert.Zero(t, d1.Sleep().Len())

	// Local children inherit the sleep set.
	n := f.state(2, f.start("t2"))
	decideAll(t, d, c2, n)
	assert.True(t, n.Sleep().Has(0, c0.Trigger.Edge))
	assert.Equal(t, d.Key(c2)[len("GVA|"):], d.Key(n)[len("N|"):])
}

func TestSleepSetIdempotent(t *testing.T) {
	f := newFixture(t, depgraph.DefaultOptions())
	e := f.store(t, "t0", "h")

	var ss SleepSet
	assert.True(t, ss.Add(3, e))
	assert.False(t, ss.Add(3, e))
	assert.Equal(t, 1, ss.Len())
	assert.True(t, ss.Has(3, e))
	assert.False(t, ss.Has(2, e))
	assert.True(t, ss.Remove(3, e))
	assert.Zero(t, ss.Len())
}

type env map[[2]any]int64

func (e env) Value(thread int, v ssa.Value) (int64, bool) {
	n, ok := e[[2]any{thread, v}]
	return n, ok
}

func (e env) Fingerprint() string { return "fixed" }

func TestSymbolicSleepSet(t *testing.T) {
	f := newFixture(t, depgraph.DefaultOptions())
	s0 := f.store(t, "s0", "x")
	s1 := f.store(t, "s1", "x")
	v := s0.Instr.(*ssa.Store).Val
	u := s1.Instr.(*ssa.Store).Val

	for _, tc := range []struct {
		kind     Kind
		values   env
		deferred bool
	}{
		{Sleep, env{{0, v}: 5, {1, u}: 5}, false},
		{SymbolicSleep, env{{0, v}: 5, {1, u}: 5}, true},
		{SymbolicSleep, env{{0, v}: 5, {1, u}: 6}, false},
		{SymbolicSleep, env{{0, v}: 5}, false},
	} {
		d := f.driver(t, tc.kind)
		root := f.root()
		root.Env = tc.values
		c0 := f.state(0, s0)
		c1 := f.state(1, s1)
		decideAll(t, d, root, c0, c1)
		assert.Equal(t, tc.deferred, c1.Sleep().Has(0, s0), "%s %v", tc.kind, tc.values)

		d0 := f.state(0, s0)
		want := Keep
		if tc.deferred {
			want = Prune
		}
		assert.Equal(t, []Decision{want}, decideAll(t, d, c1, d0))
	}
}

func TestEntailmentCache(t *testing.T) {
	f := newFixture(t, depgraph.DefaultOptions())
	d := f.driver(t, SymbolicSleep)
	s0 := f.store(t, "s0", "x")
	s1 := f.store(t, "s1", "x")
	values := env{{0, s0.Instr.(*ssa.Store).Val}: 5, {1, s1.Instr.(*ssa.Store).Val}: 5}

	for i := 0; i < 2; i++ {
		root := f.root()
		root.Env = values
		decideAll(t, d, root, f.state(0, s0), f.state(1, s1))
	}
	assert.Len(t, d.Context().entailed, 1)

	id := d.Context().ID
	d.Reset()
	assert.NotEqual(t, id, d.Context().ID)
	assert.Empty(t, d.Context().entailed)
}

func TestInvariantViolations(t *testing.T) {
	f := newFixture(t, depgraph.DefaultOptions())
	d := f.driver(t, Static)
	root := f.root()
	c0 := f.state(0, f.store(t, "t0", "h"))
	stranger := f.state(1, f.store(t, "t1", "g"))

	_, err := d.Decide(context.Background(), root, stranger, []*State{c0})
	assert.ErrorIs(t, err, ErrInvariant)
	assert.Equal(t, 1, d.Context().Pending())
	d.Discard(root)
	assert.Zero(t, d.Context().Pending())

	_, err = d.Decide(context.Background(), root, &State{ID: 99}, []*State{c0})
	assert.ErrorIs(t, err, ErrInvariant)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Decide(ctx, root, c0, []*State{c0})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewErrors(t *testing.T) {
	f := newFixture(t, depgraph.DefaultOptions())
	_, err := New(f.graph, Kind(42))
	assert.ErrorIs(t, err, ErrUnknownKind)

	const generic = `package main

var x int

func id[T any](v T) T { return v }

func main() { x = id(1) }
`
	pkg, err := preprocessor.NewPreprocessor(nil).FromSource("prog.go", generic)
	require.NoError(t, err)
	c, err := cfa.Build(pkg, cfa.DefaultOptions())
	require.NoError(t, err)
	opts := depgraph.DefaultOptions()
	opts.IncludeCloned = false
	g, err := depgraph.Build(context.Background(), c, opts)
	require.NoError(t, err)

	_, err = New(g, Static, WithSound(true))
	assert.ErrorIs(t, err, depgraph.ErrIncomplete)
	_, err = New(g, Static)
	assert.NoError(t, err)
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	got, err := ParseKind("SLEEP")
	require.NoError(t, err)
	assert.Equal(t, Sleep, got)

	_, err = ParseKind("dpor")
	assert.ErrorIs(t, err, ErrUnknownKind)
}
