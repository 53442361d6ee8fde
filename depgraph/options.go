package depgraph

import "fmt"

// BlockPair names the calls that open and close an indivisible block.
type BlockPair struct {
	Begin string
	End   string
}

type Options struct {
	// EntryFunction runs exactly once; pairs of its own nodes are skipped.
	EntryFunction string
	BlockPairs    []BlockPair
	// Conditional enables guarded constraints. When off, every potential
	// conflict is unconditional.
	Conditional bool
	// IncludeCloned processes generic instantiations. When off the graph is
	// marked incomplete if any were skipped.
	IncludeCloned bool
	// Workers bounds the goroutines computing constraint rows.
	Workers int
}

func DefaultOptions() Options {
	return Options{
		EntryFunction: "main",
		BlockPairs: []BlockPair{
			{Begin: "atomicBegin", End: "atomicEnd"},
			{Begin: "lock", End: "unlock"},
			{Begin: "(*sync.Mutex).Lock", End: "(*sync.Mutex).Unlock"},
		},
		Conditional:   true,
		IncludeCloned: true,
		Workers:       4,
	}
}

// Validate checks the options before any construction work.
func (o Options) Validate() error {
	if o.EntryFunction == "" {
		return fmt.Errorf("%w: empty entry function", ErrConfig)
	}
	seen := make(map[string]bool)
	for _, p := range o.BlockPairs {
		if p.Begin == "" || p.End == "" {
			return fmt.Errorf("%w: block pair %q/%q has an empty name", ErrConfig, p.Begin, p.End)
		}
		if p.Begin == p.End {
			return fmt.Errorf("%w: block pair uses %q for both ends", ErrConfig, p.Begin)
		}
		for _, name := range []string{p.Begin, p.End} {
			if seen[name] {
				return fmt.Errorf("%w: %q appears in more than one block pair", ErrConfig, name)
			}
			seen[name] = true
		}
	}
	if o.Workers < 0 {
		return fmt.Errorf("%w: negative worker count", ErrConfig)
	}
	return nil
}

// Names lists every block-pair function name, begins first.
func (o Options) Names() []string {
	var names []string
	for _, p := range o.BlockPairs {
		names = append(names, p.Begin)
	}
	for _, p := range o.BlockPairs {
		names = append(names, p.End)
	}
	return names
}
