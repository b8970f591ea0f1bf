package export

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidEntity     = errors.New("invalid entity")
	ErrInvalidHeader     = errors.New("invalid header")
	ErrMissingSelection  = errors.New("missing selection: no ids selected")
	ErrMissingUserID     = errors.New("missing user id")
	ErrInvalidRequest    = errors.New("invalid export request")
	ErrJobNotFound       = errors.New("export job not found")
	ErrNotOwned          = errors.New("export job not owned by caller")
	ErrJobNotReady       = errors.New("export job not ready")
	ErrTokenInvalid      = errors.New("download link invalid or expired")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrExportFailed      = errors.New("export failed")
	ErrQueueFull         = errors.New("export queue is full")
)

// InvalidHeaderError names a header key that is not whitelisted for the entity.
type InvalidHeaderError struct {
	Entity Entity
	Header string
}

func (e *InvalidHeaderError) Error() string {
	return fmt.Sprintf("invalid header %q for entity %s", e.Header, e.Entity)
}

func (e *InvalidHeaderError) Is(target error) bool {
	return target == ErrInvalidHeader
}
