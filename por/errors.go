package por

import "errors"

var (
	// ErrInvariant signals that the reduction logic contradicted itself for
	// the current input. The affected search node must not be explored
	// further and the violation must be surfaced.
	ErrInvariant = errors.New("reduction invariant violated")
	// ErrUnknownKind is returned for an unrecognized strategy name.
	ErrUnknownKind = errors.New("unknown reduction strategy")
)
