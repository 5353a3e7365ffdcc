package casefile

import (
	"errors"
	"fmt"
)

var (
	// ErrValidationRejected marks synchronous input rejections; no state is
	// mutated when it is returned.
	ErrValidationRejected = errors.New("validation rejected")
	// ErrPersistenceFailure marks a failed save. The working copy is kept.
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrNotificationFailure marks a failed notification delivery. It never
	// affects the save it was derived from.
	ErrNotificationFailure = errors.New("notification failure")
)

func rejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidationRejected, fmt.Sprintf(format, args...))
}
