package resource

import "errors"

// ErrReleaseUnderflow rejects a Release without a matching Acquire. The
// count is never allowed to go negative.
var ErrReleaseUnderflow = errors.New("resource release without matching acquire")

// InitError wraps a provider Initialize failure. Every caller blocked on
// the same initialization attempt receives its own InitError around the
// same underlying error.
type InitError struct {
	Err error
}

func (e *InitError) Error() string { return "resource initialization failed: " + e.Err.Error() }
func (e *InitError) Unwrap() error { return e.Err }
