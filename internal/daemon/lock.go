package daemon

import "errors"

// ErrAlreadyRunning reports that another daemon instance holds the lock.
// Callers treat it as a clean no-op exit, not a failure.
var ErrAlreadyRunning = errors.New("another ses-local daemon is already running")

// Lock is a held single-instance lock.
type Lock interface {
	Release() error
}
