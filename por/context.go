package por

import (
	"github.com/google/uuid"
	"golang.org/x/tools/container/intsets"
)

// SearchContext owns the caches of one search. It is not safe for
// concurrent use by different parents.
type SearchContext struct {
	ID uuid.UUID

	parents  map[int]*parentCache
	entailed map[entailKey]bool
}

func NewSearchContext() *SearchContext {
	return &SearchContext{
		ID:       uuid.New(),
		parents:  make(map[int]*parentCache),
		entailed: make(map[entailKey]bool),
	}
}

// Reset discards every cache. Called when the search restarts from the
// root.
func (c *SearchContext) Reset() {
	c.ID = uuid.New()
	c.parents = make(map[int]*parentCache)
	c.entailed = make(map[entailKey]bool)
}

// Pending reports how many parents still hold per-parent caches.
func (c *SearchContext) Pending() int { return len(c.parents) }

func (c *SearchContext) parent(id int) *parentCache {
	pc, ok := c.parents[id]
	if !ok {
		pc = &parentCache{
			classes: make(map[*State]Class),
			chain:   make(map[[2]*State]bool),
		}
		c.parents[id] = pc
	}
	return pc
}

func (c *SearchContext) done(id int) (*parentCache, bool) {
	pc, ok := c.parents[id]
	delete(c.parents, id)
	return pc, ok
}

type entailKey struct {
	e1, e2      int
	t1, t2      int
	fingerprint string
}

// parentCache is the state shared by the siblings of one parent while their
// decisions are made.
type parentCache struct {
	resolved bool
	classes  map[*State]Class
	// firstNormal and firstAssume are the representatives chosen by the
	// local resolution.
	firstNormal *State
	firstAssume *State
	allGlobal   bool
	siblings    []*State

	kept    map[Class]int
	decided int

	// consumed holds sleep entries a pruned sibling used up.
	consumed intsets.Sparse
	// chain is the pairwise independence verdict table of the siblings.
	chain map[[2]*State]bool
}
