package depgraph

import "errors"

var (
	// ErrConfig reports options that cannot drive graph construction.
	ErrConfig = errors.New("invalid dependence graph configuration")
	// ErrIncomplete is returned when a graph built without cloned functions
	// is queried in sound mode.
	ErrIncomplete = errors.New("dependence graph is incomplete")
	// ErrUnmatchedBlock marks a block start without a matching block end.
	ErrUnmatchedBlock = errors.New("block start without matching end")
)
