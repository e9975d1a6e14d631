package bridgecal

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrMalformedEvent = errors.New("malformed event")
	ErrReadOnly       = errors.New("adapter is read-only")
	ErrConfig         = errors.New("invalid configuration")
	ErrAuth           = errors.New("authentication failed")
	ErrInvalidInput   = errors.New("invalid input")
)

// MalformedEventError is returned by Normalize when an adapter record cannot
// be converted to canonical form. The engine logs and skips such events.
type MalformedEventError struct {
	Origin Origin
	ID     string
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event %s: %s", e.Origin, e.ID, e.Reason)
}

func (e *MalformedEventError) Is(target error) bool {
	return target == ErrMalformedEvent
}
