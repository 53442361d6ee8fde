package cfa

import "golang.org/x/tools/go/ssa"

// markLoopStarts flags the first node of every loop header block. A header is
// the target of a retreating edge in a depth-first walk from the entry block,
// which for the reducible graphs Go produces are exactly the back edges.
func markLoopStarts(f *Function) {
	blocks := f.SSA.Blocks
	if len(blocks) == 0 {
		return
	}
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(blocks))
	type frame struct {
		block *ssa.BasicBlock
		next  int
	}
	stack := []frame{{block: blocks[0]}}
	color[0] = grey
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next == len(top.block.Succs) {
			color[top.block.Index] = black
			stack = stack[:len(stack)-1]
			continue
		}
		succ := top.block.Succs[top.next]
		top.next++
		switch color[succ.Index] {
		case grey:
			f.BlockEntry(succ.Index).LoopStart = true
		case white:
			color[succ.Index] = grey
			stack = append(stack, frame{block: succ})
		}
	}
}

// LoopStarts lists the loop-start nodes of f.
func (f *Function) LoopStarts() []*Node {
	var nodes []*Node
	for _, n := range f.Nodes {
		if n.LoopStart {
			nodes = append(nodes, n)
		}
	}
	return nodes
}
