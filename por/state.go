package por

import (
	"fmt"

	"golang.org/x/tools/container/intsets"
	"golang.org/x/tools/go/ssa"

	"github.com/o2lab/gopor/cfa"
)

// Transition is the step that leads from a parent search node to a child.
type Transition struct {
	Thread int
	// Edge is the triggering edge. For a merged block or an atomic function
	// it is the edge that starts it.
	Edge *cfa.Edge
	// End is where the thread stands after the step, nil once it finished.
	End     *cfa.Node
	Creates bool
	Exits   bool
}

func (t *Transition) endsAtLoopStart() bool {
	return t.End != nil && t.End.LoopStart
}

func (t *Transition) changesThreads() bool {
	return t.Creates || t.Exits
}

func (t *Transition) String() string {
	return fmt.Sprintf("T%d:%s", t.Thread, t.Edge)
}

// Env exposes the concrete values a search node assigns to the registers
// of its threads and to package variables.
type Env interface {
	Value(thread int, v ssa.Value) (int64, bool)
	Fingerprint() string
}

// State is the reduction view of one search node. The host fills Trigger,
// Threads and Env; the driver owns the rest.
type State struct {
	ID int
	// Trigger is nil at the root.
	Trigger *Transition
	// Threads holds the live thread numbers after Trigger.
	Threads intsets.Sparse
	Env     Env

	class Class
	// rp marks a child chosen from an all Global-Access candidate set.
	rp    bool
	ref   *reference
	sleep SleepSet
}

func (s *State) Class() Class { return s.class }

// Sleep returns the sleep set the driver computed for s.
func (s *State) Sleep() *SleepSet { return &s.sleep }

// reference is the most recent kept Global-Access step on a path.
type reference struct {
	thread  int
	edge    *cfa.Edge
	end     *cfa.Node
	creates bool
	threads intsets.Sparse
}

func (r *reference) String() string {
	if r == nil {
		return "-"
	}
	end := -1
	if r.end != nil {
		end = r.end.ID
	}
	return fmt.Sprintf("%d/%d/%d/%t/%s", r.thread, r.edge.ID, end, r.creates, r.threads.String())
}

// SleepSet holds (thread, edge) pairs whose exploration can be deferred.
type SleepSet struct {
	s intsets.Sparse
}

func sleepEntry(thread int, e *cfa.Edge) int {
	return int(uint64(thread)<<32 | uint64(uint32(e.ID)))
}

// Add inserts the pair and reports whether it was new.
func (ss *SleepSet) Add(thread int, e *cfa.Edge) bool {
	return ss.s.Insert(sleepEntry(thread, e))
}

func (ss *SleepSet) Has(thread int, e *cfa.Edge) bool {
	return ss.s.Has(sleepEntry(thread, e))
}

func (ss *SleepSet) Remove(thread int, e *cfa.Edge) bool {
	return ss.s.Remove(sleepEntry(thread, e))
}

func (ss *SleepSet) Len() int { return ss.s.Len() }

func (ss *SleepSet) copyFrom(o *SleepSet) {
	ss.s.Copy(&o.s)
}

func (ss *SleepSet) String() string { return ss.s.String() }
