package por

import (
	"fmt"
	"strings"
)

// Kind selects the redundancy predicate applied among Global-Access
// candidates.
type Kind int

const (
	Static Kind = iota
	Scoped
	Swap
	Sleep
	SymbolicSleep
)

var kindNames = map[Kind]string{
	Static:        "static",
	Scoped:        "scoped",
	Swap:          "swap",
	Sleep:         "sleep",
	SymbolicSleep: "symbolic",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Kinds lists every strategy in declaration order.
func Kinds() []Kind {
	return []Kind{Static, Scoped, Swap, Sleep, SymbolicSleep}
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Class is the coarse category of a candidate's triggering transition.
type Class int

const (
	Unclassified Class = iota
	// Normal touches no shared state and is not a branch.
	Normal
	// NormalAssume is a branch on thread-local values.
	NormalAssume
	// GlobalAccess touches shared state or creates a thread.
	GlobalAccess
)

func (c Class) String() string {
	switch c {
	case Normal:
		return "N"
	case NormalAssume:
		return "NA"
	case GlobalAccess:
		return "GVA"
	}
	return "?"
}

type Decision int

const (
	Keep Decision = iota
	Prune
)

func (d Decision) String() string {
	if d == Prune {
		return "prune"
	}
	return "keep"
}
