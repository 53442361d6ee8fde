package explore

import "errors"

var (
	// ErrUnsupported is returned for instructions the interpreter does not
	// model, such as maps, interfaces or dynamic calls.
	ErrUnsupported = errors.New("unsupported instruction")
	// ErrStepBound is returned when a macro step or the init function runs
	// longer than the configured bound.
	ErrStepBound = errors.New("step bound exceeded")
	// ErrStateBound is returned when the search visits more states than
	// allowed.
	ErrStateBound = errors.New("state bound exceeded")
)
