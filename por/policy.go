package por

import (
	"fmt"
	"strconv"
)

// monotonic enforces a fixed thread order on runs of independent steps: a
// step of a lower-numbered thread never directly follows an independent
// step of a higher-numbered one. The scoped form only applies inside
// stretches where every candidate set was all Global-Access and never
// across function entries.
type monotonic struct {
	scoped bool
}

func (m monotonic) decide(d *Driver, pc *parentCache, parent, cand *State) (Decision, error) {
	p, c := parent.Trigger, cand.Trigger
	switch {
	case p == nil || parent.class != GlobalAccess:
		return Keep, nil
	case m.scoped && !parent.rp:
		return Keep, nil
	case m.scoped && (p.Edge.Pred.IsEntry || c.Edge.Pred.IsEntry):
		return Keep, nil
	case c.Thread >= p.Thread:
		return Keep, nil
	case p.changesThreads() || c.changesThreads() || p.endsAtLoopStart():
		return Keep, nil
	}
	indep, err := d.verdict(parent, c, p)
	if err != nil {
		return Prune, err
	}
	if indep {
		return Prune, nil
	}
	return Keep, nil
}

func (m monotonic) kept(d *Driver, pc *parentCache, parent, cand *State) {
	if cand.class != GlobalAccess {
		cand.rp = parent.rp
		return
	}
	cand.rp = pc.allGlobal
}

func (m monotonic) key(s *State) string {
	t := s.Trigger
	if t == nil {
		return "root"
	}
	end := -1
	if t.End != nil {
		end = t.End.ID
	}
	k := fmt.Sprintf("%d/%d/%d/%t/%t", t.Thread, t.Edge.ID, end, t.Creates, t.Exits)
	if m.scoped {
		k += "/" + strconv.FormatBool(s.rp)
	}
	return k
}

// swap compares each shared step with the most recent kept shared step on
// the path and drops the lower-numbered of two independent neighbours.
type swap struct{}

func (swap) decide(d *Driver, pc *parentCache, parent, cand *State) (Decision, error) {
	r, c := parent.ref, cand.Trigger
	switch {
	case r == nil:
		return Keep, nil
	case !r.threads.Equals(&cand.Threads):
		return Keep, nil
	case r.creates || c.Creates:
		return Keep, nil
	case c.Thread >= r.thread:
		return Keep, nil
	case r.end != nil && r.end.LoopStart:
		return Keep, nil
	}
	indep, err := d.verdict(parent, c, &Transition{Thread: r.thread, Edge: r.edge, End: r.end})
	if err != nil {
		return Prune, err
	}
	if indep {
		return Prune, nil
	}
	return Keep, nil
}

func (swap) kept(d *Driver, pc *parentCache, parent, cand *State) {
	if cand.class != GlobalAccess {
		cand.ref = parent.ref
		return
	}
	t := cand.Trigger
	r := &reference{thread: t.Thread, edge: t.Edge, end: t.End, creates: t.Creates}
	r.threads.Copy(&cand.Threads)
	cand.ref = r
}

func (swap) key(s *State) string {
	return s.ref.String()
}

// sleep keeps, per node, the steps of lower-numbered siblings that commute
// with the step taken and prunes them when they come up again.
type sleep struct {
	symbolic bool
}

func (sleep) decide(d *Driver, pc *parentCache, parent, cand *State) (Decision, error) {
	c := cand.Trigger
	if parent.sleep.Has(c.Thread, c.Edge) {
		pc.consumed.Insert(sleepEntry(c.Thread, c.Edge))
		for _, s := range pc.siblings {
			s.sleep.Remove(c.Thread, c.Edge)
		}
		return Prune, nil
	}
	if c.Creates || c.endsAtLoopStart() {
		return Keep, nil
	}
	for _, s := range pc.siblings {
		o := s.Trigger
		if s == cand || o.Thread >= c.Thread || o.Creates || o.endsAtLoopStart() {
			continue
		}
		if pc.consumed.Has(sleepEntry(o.Thread, o.Edge)) {
			continue
		}
		indep, err := d.independent(pc, parent, cand, s)
		if err != nil {
			return Prune, err
		}
		if indep {
			cand.sleep.Add(o.Thread, o.Edge)
		}
	}
	return Keep, nil
}

func (sleep) kept(d *Driver, pc *parentCache, parent, cand *State) {
	if cand.class != GlobalAccess {
		cand.sleep.copyFrom(&parent.sleep)
	}
}

func (sleep) key(s *State) string {
	return s.sleep.String()
}
