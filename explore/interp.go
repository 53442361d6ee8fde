package explore

import (
	"fmt"
	"go/constant"
	"go/token"
	"go/types"

	"golang.org/x/tools/go/ssa"

	"github.com/o2lab/gopor/cfa"
)

// panicked is returned by instruction evaluation when the thread hits a
// runtime error. The thread stops and the state is marked failed.
type panicked struct{ reason string }

func (p panicked) Error() string { return "panic: " + p.reason }

func constValue(c *ssa.Const) (int64, bool) {
	if c.Value == nil {
		if _, ok := c.Type().Underlying().(*types.Pointer); ok {
			return nilAddr, true
		}
		return 0, true
	}
	switch c.Value.Kind() {
	case constant.Int:
		if n, ok := constant.Int64Val(c.Value); ok {
			return n, true
		}
		if n, ok := constant.Uint64Val(c.Value); ok {
			return int64(n), true
		}
	case constant.Bool:
		if constant.BoolVal(c.Value) {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func (x *Explorer) value(s *State, f *frame, v ssa.Value) (int64, error) {
	switch v := v.(type) {
	case *ssa.Const:
		if n, ok := constValue(v); ok {
			return n, nil
		}
		return 0, fmt.Errorf("%w: constant %s", ErrUnsupported, v)
	case *ssa.Global:
		g, ok := s.c.GlobalOf(v)
		if !ok {
			return 0, fmt.Errorf("%w: foreign global %s", ErrUnsupported, v)
		}
		return int64(g.Offset), nil
	}
	slot, ok := f.fn.Slot(v)
	if !ok {
		return 0, fmt.Errorf("%w: value %s of %s", ErrUnsupported, v.Name(), f.fn.Name)
	}
	return f.regs[slot], nil
}

func (x *Explorer) set(f *frame, v ssa.Value, n int64) {
	if slot, ok := f.fn.Slot(v); ok {
		f.regs[slot] = n
	}
}

// next returns the edge the thread takes from its current point, or nil
// when it finished.
func (x *Explorer) next(s *State, t *thread) (*cfa.Edge, error) {
	if t.done() {
		return nil, nil
	}
	f := t.top()
	n := f.node
	if n.IsExit {
		for _, e := range n.Out {
			if e.Kind == cfa.FunctionReturnEdge && e.CallSite == f.call {
				return e, nil
			}
		}
		return nil, fmt.Errorf("%w: no return from %s", ErrUnsupported, f.fn.Name)
	}
	for _, e := range n.Out {
		switch e.Kind {
		case cfa.CallToReturnEdge:
			continue
		case cfa.AssumeEdge:
			cond, err := x.value(s, f, e.Instr.(*ssa.If).Cond)
			if err != nil {
				return nil, err
			}
			if (cond != 0) == e.Truth {
				return e, nil
			}
			continue
		}
		return e, nil
	}
	return nil, fmt.Errorf("%w: stuck at %s", ErrUnsupported, n)
}

// enabled reports whether t may take e in s without blocking.
func (x *Explorer) enabled(s *State, t *thread, e *cfa.Edge) (bool, error) {
	if s.atomic != 0 && s.atomic != t.id+1 {
		return false, nil
	}
	call, ok := e.Call()
	if !ok || e.Kind != cfa.StatementEdge || e.IsGo() {
		return true, nil
	}
	name := calleeName(call)
	if !x.lockOps[name] || len(call.Args) == 0 {
		return true, nil
	}
	addr, err := x.value(s, t.top(), call.Args[0])
	if err != nil {
		return false, err
	}
	held, ok := s.load(addr)
	if !ok {
		return true, nil
	}
	return held == 0, nil
}

func calleeName(call *ssa.CallCommon) string {
	if b, ok := call.Value.(*ssa.Builtin); ok {
		return b.Name()
	}
	if fn := call.StaticCallee(); fn != nil {
		return cfa.FuncName(fn)
	}
	return ""
}

// exec runs e for t, which must be enabled. A runtime error stops the
// thread and marks the state failed.
func (x *Explorer) exec(s *State, t *thread, e *cfa.Edge) error {
	err := x.apply(s, t, e)
	if p, ok := err.(panicked); ok {
		x.log.Debugf("thread %d: %s at %s", t.id, p.reason, x.cfa.Position(e))
		s.failed = true
		t.frames = nil
		if s.atomic == t.id+1 {
			s.atomic, s.depth = 0, 0
		}
		return nil
	}
	return err
}

func (x *Explorer) apply(s *State, t *thread, e *cfa.Edge) error {
	f := t.top()
	switch e.Kind {
	case cfa.BlankEdge, cfa.AssumeEdge:
		switch e.Instr.(type) {
		case *ssa.Jump, *ssa.If:
			f.prev = f.node.Block
		}
		f.node = e.Succ
		return nil
	case cfa.FunctionCallEdge:
		call := e.Instr.(*ssa.Call).Common()
		args, err := x.args(s, f, call.Args)
		if err != nil {
			return err
		}
		t.frames = append(t.frames, newFrame(e.Callee, args, e))
		return nil
	case cfa.FunctionReturnEdge:
		t.frames = t.frames[:len(t.frames)-1]
		caller := t.top()
		x.set(caller, e.Instr.(*ssa.Call), f.ret)
		caller.node = e.Succ
		return nil
	case cfa.ReturnEdge:
		if p, ok := e.Instr.(*ssa.Panic); ok {
			return panicked{reason: p.X.String()}
		}
		ret := e.Instr.(*ssa.Return)
		switch len(ret.Results) {
		case 0:
		case 1:
			v, err := x.value(s, f, ret.Results[0])
			if err != nil {
				return err
			}
			f.ret = v
		default:
			return fmt.Errorf("%w: multiple results in %s", ErrUnsupported, f.fn.Name)
		}
		f.node = e.Succ
		if len(t.frames) == 1 {
			t.frames = nil
		}
		return nil
	}
	if err := x.instr(s, t, f, e); err != nil {
		return err
	}
	f.node = e.Succ
	return nil
}

func (x *Explorer) args(s *State, f *frame, vs []ssa.Value) ([]int64, error) {
	args := make([]int64, len(vs))
	for i, v := range vs {
		n, err := x.value(s, f, v)
		if err != nil {
			return nil, err
		}
		args[i] = n
	}
	return args, nil
}

func (x *Explorer) instr(s *State, t *thread, f *frame, e *cfa.Edge) error {
	switch in := e.Instr.(type) {
	case *ssa.Alloc:
		cells := 1
		elem := in.Type().(*types.Pointer).Elem()
		switch u := elem.Underlying().(type) {
		case *types.Array:
			cells = int(u.Len())
		case *types.Struct:
			return fmt.Errorf("%w: struct allocation %s", ErrUnsupported, in)
		}
		x.set(f, in, s.alloc(t, cells))
	case *ssa.Store:
		addr, err := x.value(s, f, in.Addr)
		if err != nil {
			return err
		}
		v, err := x.value(s, f, in.Val)
		if err != nil {
			return err
		}
		if !s.store(addr, v) {
			return panicked{reason: "invalid memory address"}
		}
	case *ssa.UnOp:
		return x.unop(s, f, in)
	case *ssa.BinOp:
		return x.binop(s, f, in)
	case *ssa.IndexAddr:
		base, err := x.value(s, f, in.X)
		if err != nil {
			return err
		}
		idx, err := x.value(s, f, in.Index)
		if err != nil {
			return err
		}
		arr, ok := in.X.Type().Underlying().(*types.Pointer).Elem().Underlying().(*types.Array)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnsupported, in)
		}
		if base == nilAddr {
			return panicked{reason: "invalid memory address"}
		}
		if idx < 0 || idx >= arr.Len() {
			return panicked{reason: fmt.Sprintf("index out of range [%d] with length %d", idx, arr.Len())}
		}
		x.set(f, in, base+idx)
	case *ssa.Convert:
		return x.copy(s, f, in, in.X)
	case *ssa.ChangeType:
		return x.copy(s, f, in, in.X)
	case *ssa.Phi:
		for i, pred := range in.Block().Preds {
			if pred.Index == f.prev {
				return x.copy(s, f, in, in.Edges[i])
			}
		}
		return fmt.Errorf("%w: phi %s without incoming block %d", ErrUnsupported, in.Name(), f.prev)
	case *ssa.Go:
		if e.Callee == nil {
			return fmt.Errorf("%w: go of dynamic callee", ErrUnsupported)
		}
		args, err := x.args(s, f, in.Call.Args)
		if err != nil {
			return err
		}
		s.spawn(e.Callee, args)
	case *ssa.Call:
		return x.call(s, t, f, in)
	case *ssa.DebugRef:
	default:
		return fmt.Errorf("%w: %T %s", ErrUnsupported, in, in)
	}
	return nil
}

func (x *Explorer) copy(s *State, f *frame, dst, src ssa.Value) error {
	v, err := x.value(s, f, src)
	if err != nil {
		return err
	}
	x.set(f, dst, v)
	return nil
}

func (x *Explorer) unop(s *State, f *frame, in *ssa.UnOp) error {
	v, err := x.value(s, f, in.X)
	if err != nil {
		return err
	}
	var r int64
	switch in.Op {
	case token.MUL:
		var ok bool
		if r, ok = s.load(v); !ok {
			return panicked{reason: "invalid memory address"}
		}
	case token.SUB:
		r = -v
	case token.NOT:
		r = 1 - v
	case token.XOR:
		r = ^v
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, in)
	}
	x.set(f, in, r)
	return nil
}

func (x *Explorer) binop(s *State, f *frame, in *ssa.BinOp) error {
	a, err := x.value(s, f, in.X)
	if err != nil {
		return err
	}
	b, err := x.value(s, f, in.Y)
	if err != nil {
		return err
	}
	var r int64
	switch in.Op {
	case token.ADD:
		r = a + b
	case token.SUB:
		r = a - b
	case token.MUL:
		r = a * b
	case token.QUO, token.REM:
		if b == 0 {
			return panicked{reason: "integer divide by zero"}
		}
		if in.Op == token.QUO {
			r = a / b
		} else {
			r = a % b
		}
	case token.AND:
		r = a & b
	case token.OR:
		r = a | b
	case token.XOR:
		r = a ^ b
	case token.AND_NOT:
		r = a &^ b
	case token.SHL:
		r = a << uint64(b)
	case token.SHR:
		r = a >> uint64(b)
	case token.EQL:
		r = boolInt(a == b)
	case token.NEQ:
		r = boolInt(a != b)
	case token.LSS:
		r = boolInt(a < b)
	case token.LEQ:
		r = boolInt(a <= b)
	case token.GTR:
		r = boolInt(a > b)
	case token.GEQ:
		r = boolInt(a >= b)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, in)
	}
	x.set(f, in, r)
	return nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// call interprets calls that have no automaton: the block primitives,
// assert, printing builtins and bodiless package initializers.
func (x *Explorer) call(s *State, t *thread, f *frame, in *ssa.Call) error {
	common := in.Common()
	name := calleeName(common)
	switch {
	case x.lockOps[name] && len(common.Args) > 0:
		addr, err := x.value(s, f, common.Args[0])
		if err != nil {
			return err
		}
		if !s.store(addr, int64(t.id+1)) {
			return panicked{reason: "lock of nil mutex"}
		}
	case x.unlockOps[name] && len(common.Args) > 0:
		addr, err := x.value(s, f, common.Args[0])
		if err != nil {
			return err
		}
		if !s.store(addr, 0) {
			return panicked{reason: "unlock of nil mutex"}
		}
	case x.lockOps[name]:
		s.atomic = t.id + 1
		s.depth++
	case x.unlockOps[name]:
		if s.depth > 0 {
			s.depth--
		}
		if s.depth == 0 {
			s.atomic = 0
		}
	case name == "assert":
		if len(common.Args) != 1 {
			return fmt.Errorf("%w: assert with %d arguments", ErrUnsupported, len(common.Args))
		}
		v, err := x.value(s, f, common.Args[0])
		if err != nil {
			return err
		}
		if v == 0 {
			x.log.Debugf("thread %d: assertion failed at %s", t.id, x.cfa.Fset.Position(in.Pos()))
			s.failed = true
		}
	case name == "print" || name == "println":
	case name == "init" && (common.StaticCallee() == nil || common.StaticCallee().Blocks == nil):
	default:
		return fmt.Errorf("%w: call of %s", ErrUnsupported, common)
	}
	return nil
}
