package processes

import (
	"errors"
	"fmt"
)

// ErrPortExhausted is returned when no free port was found within the
// allowed number of attempts.
var ErrPortExhausted = errors.New("no free port available")

// SpawnError reports that the emulator process could not be started.
type SpawnError struct {
	Binary string
	Reason string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %s", e.Binary, e.Reason)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// TerminationError reports that a signal could not be delivered to a live
// process, for a reason other than the process being gone.
type TerminationError struct {
	PID    int
	Signal string
	Cause  error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("failed to send %s to process %d: %v", e.Signal, e.PID, e.Cause)
}

func (e *TerminationError) Unwrap() error {
	return e.Cause
}
