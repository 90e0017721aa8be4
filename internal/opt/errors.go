package opt

import "errors"

var (
	// ErrMalformedInput reports an input that cannot describe a valid problem:
	// mismatched matrix dimensions, negative finite entries, bad windows or fleet.
	ErrMalformedInput = errors.New("malformed input")
	// ErrSolverFailure reports that not even the all-dropped assignment could be formed.
	ErrSolverFailure = errors.New("solver failure")
)
