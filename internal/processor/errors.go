package processor

import "errors"

// ErrAlreadyFinished is returned when an instance is in a terminal
// state. Callers treat it as a silent no-op.
var ErrAlreadyFinished = errors.New("action instance already finished")
