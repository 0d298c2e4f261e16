package que

import (
	"github.com/cockroachdb/errors"
)

// ErrMissingType is returned when you attempt to enqueue a job with no Type
// specified.
var ErrMissingType = errors.New("job type must be specified")

// ErrAgain is returned by Client.LockJob if a job could not be retrieved
// from the queue after several attempts because of concurrently running
// transactions. This should only happen under extremely heavy concurrency.
var ErrAgain = errors.New("maximum number of LockJob attempts reached")

// ErrLockerStopped is returned by Locker operations attempted after Stop or
// Stop! has already completed.
var ErrLockerStopped = errors.New("locker already stopped")

// ErrNoDedicatedConnection is a configuration error: the Locker could not
// obtain and hold a dedicated session for its lifetime.
var ErrNoDedicatedConnection = errors.New("could not acquire a dedicated connection for the locker")

// ConfigError wraps a configuration problem detected at startup, surfaced
// with exit code 1 per spec.md §7.
type ConfigError struct {
	Field string
	cause error
}

func (e *ConfigError) Error() string {
	return errors.Wrapf(e.cause, "invalid configuration for %s", e.Field).Error()
}

func (e *ConfigError) Unwrap() error {
	return e.cause
}

func newConfigError(field string, cause error) *ConfigError {
	return &ConfigError{Field: field, cause: cause}
}
