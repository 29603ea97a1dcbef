package types

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

// InvalidTransitionError rejects an alert status change outside the
// lifecycle graph.
type InvalidTransitionError struct {
	From AlertStatus
	To   AlertStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid alert transition %s -> %s", e.From, e.To)
}

// ConflictError indicates a uniqueness violation, e.g. a duplicate rule name.
type ConflictError struct {
	Resource string
	Detail   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Resource, e.Detail)
}
