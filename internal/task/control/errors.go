package control

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a control call names an unknown task ID.
	ErrNotFound = errors.New("task not found")

	// ErrClosed is returned by Create/Start after the manager shut down.
	ErrClosed = errors.New("task manager closed")

	// ErrStopRequested is returned by Context.Checkpoint once a stop signal
	// is set. Bodies propagate it (or return nil after cleanup); either way
	// the worker records the task as stopped, not failed.
	ErrStopRequested = errors.New("stop requested")
)

// ConfigError rejects an invalid task configuration at Create time,
// before any task state exists.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "invalid task config: " + e.Reason }

// TransitionError rejects a control command issued in a state where the
// lifecycle table does not permit it. The task state is left unchanged.
type TransitionError struct {
	ID   string
	Op   string
	From Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s task %s: state is %s", e.Op, e.ID, e.From)
}
