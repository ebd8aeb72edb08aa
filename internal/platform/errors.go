package platform

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientRead marks a read or dispatch that failed but may succeed
	// on another attempt. Callers abandon the current branch once a retry
	// has also failed.
	ErrTransientRead = errors.New("transient read failure")

	// ErrDispatchTimeout is returned when the screen did not settle within
	// the settle window. It is a transient failure.
	ErrDispatchTimeout = fmt.Errorf("%w: screen did not settle", ErrTransientRead)

	// ErrContainerLost is returned when a scroll container can no longer be
	// found in a fresh snapshot.
	ErrContainerLost = fmt.Errorf("%w: scroll container not found", ErrTransientRead)

	// A source that answers with neither a snapshot nor an error is treated
	// like a failed read.
	errNoSnapshot = errors.New("source returned no snapshot")
)

// IsTransient reports whether err belongs to the retryable family.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientRead)
}
