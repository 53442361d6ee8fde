package explore

import (
	"fmt"
	"go/types"
	"strconv"
	"strings"

	"golang.org/x/tools/go/ssa"

	"github.com/o2lab/gopor/cfa"
)

// Addresses below the size of global memory name global cells. Heap cells
// are owned by the allocating thread so that allocation order in one thread
// does not depend on the interleaving.
const (
	nilAddr   = -1
	heapShift = 32
	heapMask  = 1<<heapShift - 1
)

func heapAddr(thread, offset int) int64 {
	return int64(thread+1)<<heapShift | int64(offset)
}

type frame struct {
	fn   *cfa.Function
	node *cfa.Node
	regs []int64
	// prev is the SSA block control came from, for phi nodes.
	prev int
	// call is the call edge that pushed the frame, nil for a thread root.
	call *cfa.Edge
	ret  int64
}

type thread struct {
	id     int
	frames []*frame
	heap   []int64
}

func (t *thread) done() bool { return len(t.frames) == 0 }

func (t *thread) top() *frame { return t.frames[len(t.frames)-1] }

// State is one concrete program state.
type State struct {
	c       *cfa.CFA
	globals []int64
	threads []*thread
	// atomic is the owner of the open atomic section plus one, zero when
	// no section is open.
	atomic int
	depth  int
	failed bool
}

func newState(c *cfa.CFA) *State {
	return &State{c: c, globals: make([]int64, c.MemSize)}
}

func (s *State) clone() *State {
	n := &State{
		c:       s.c,
		globals: append([]int64(nil), s.globals...),
		threads: make([]*thread, len(s.threads)),
		atomic:  s.atomic,
		depth:   s.depth,
		failed:  s.failed,
	}
	for i, t := range s.threads {
		nt := &thread{id: t.id, heap: append([]int64(nil), t.heap...), frames: make([]*frame, len(t.frames))}
		for j, f := range t.frames {
			nf := *f
			nf.regs = append([]int64(nil), f.regs...)
			nt.frames[j] = &nf
		}
		n.threads[i] = nt
	}
	return n
}

func (s *State) spawn(f *cfa.Function, args []int64) *thread {
	t := &thread{id: len(s.threads)}
	t.frames = []*frame{newFrame(f, args, nil)}
	s.threads = append(s.threads, t)
	return t
}

func newFrame(f *cfa.Function, args []int64, call *cfa.Edge) *frame {
	fr := &frame{fn: f, node: f.Entry, regs: make([]int64, f.NumSlots), prev: -1, call: call}
	for i, p := range f.SSA.Params {
		if i < len(args) {
			slot, _ := f.Slot(p)
			fr.regs[slot] = args[i]
		}
	}
	return fr
}

func (s *State) load(addr int64) (int64, bool) {
	cell, ok := s.cell(addr)
	if !ok {
		return 0, false
	}
	return *cell, true
}

func (s *State) store(addr, v int64) bool {
	cell, ok := s.cell(addr)
	if !ok {
		return false
	}
	*cell = v
	return true
}

func (s *State) cell(addr int64) (*int64, bool) {
	if addr < 0 {
		return nil, false
	}
	if addr < int64(len(s.globals)) {
		return &s.globals[addr], true
	}
	tid := int(addr>>heapShift) - 1
	off := int(addr & heapMask)
	if tid < 0 || tid >= len(s.threads) || off >= len(s.threads[tid].heap) {
		return nil, false
	}
	return &s.threads[tid].heap[off], true
}

func (s *State) alloc(t *thread, cells int) int64 {
	addr := heapAddr(t.id, len(t.heap))
	t.heap = append(t.heap, make([]int64, cells)...)
	return addr
}

func (s *State) finished() bool {
	for _, t := range s.threads {
		if !t.done() {
			return false
		}
	}
	return true
}

// Fingerprint identifies the state exactly.
func (s *State) Fingerprint() string {
	var b strings.Builder
	writeInts(&b, s.globals)
	fmt.Fprintf(&b, "|a%d.%d|f%t", s.atomic, s.depth, s.failed)
	for _, t := range s.threads {
		fmt.Fprintf(&b, "|t%d:", t.id)
		writeInts(&b, t.heap)
		for _, f := range t.frames {
			fmt.Fprintf(&b, "/%d.%d.%d.", f.node.ID, f.prev, f.ret)
			writeInts(&b, f.regs)
		}
	}
	return b.String()
}

func writeInts(b *strings.Builder, vs []int64) {
	for i, v := range vs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(v, 10))
	}
}

// Value implements the valuation the reduction strategies query: package
// variables evaluate to their address, registers to the value they hold in
// the innermost frame of the thread.
func (s *State) Value(thread int, v ssa.Value) (int64, bool) {
	switch v := v.(type) {
	case *ssa.Const:
		return constValue(v)
	case *ssa.Global:
		g, ok := s.c.GlobalOf(v)
		if !ok {
			return 0, false
		}
		return int64(g.Offset), true
	}
	if thread < 0 || thread >= len(s.threads) || s.threads[thread].done() {
		return 0, false
	}
	f := s.threads[thread].top()
	slot, ok := f.fn.Slot(v)
	if !ok {
		return 0, false
	}
	return f.regs[slot], true
}

// Outcome renders what a terminal state shows to an observer: the package
// variables, the error flag and whether the threads deadlocked.
func (s *State) Outcome() string {
	var parts []string
	for _, g := range s.c.Globals {
		if g.Synthetic {
			continue
		}
		cells := s.globals[g.Offset : g.Offset+g.Len]
		if _, isArray := g.Type.Underlying().(*types.Array); isArray {
			var b strings.Builder
			writeInts(&b, cells)
			parts = append(parts, fmt.Sprintf("%s=[%s]", g.Name, b.String()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%d", g.Name, cells[0]))
	}
	if s.failed {
		parts = append(parts, "failed")
	}
	if !s.finished() {
		parts = append(parts, "deadlock")
	}
	return strings.Join(parts, " ")
}
