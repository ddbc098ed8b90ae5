package pipeline

import "errors"

// ErrNotAnalyzed is returned by Chat when the run is unknown or has no
// diagnosis yet.
var ErrNotAnalyzed = errors.New("run not analyzed or not found")

// OperationError reports a failed pipeline step together with its cause.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *OperationError) Unwrap() error { return e.Err }
