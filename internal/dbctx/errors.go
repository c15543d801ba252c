package dbctx

import (
	"errors"
	"fmt"
)

// ErrNoBinding is returned when a context carries no snapshot binding.
var ErrNoBinding = errors.New("no snapshot bound to context")

// PoisonedError is returned by reads through a binding whose source
// failed to produce a snapshot.
type PoisonedError struct {
	// Cause is the source failure.
	Cause error
}

func (e *PoisonedError) Error() string {
	return fmt.Sprintf("snapshot binding poisoned: %v", e.Cause)
}

func (e *PoisonedError) Unwrap() error { return e.Cause }

// UnsatisfiedMatchError is returned by reads through a binding whose
// task depends on a match that no longer holds.
type UnsatisfiedMatchError struct {
	// Match describes the invalidated guard.
	Match string
}

func (e *UnsatisfiedMatchError) Error() string {
	return fmt.Sprintf("unsatisfied match: %s", e.Match)
}

// IsPoisoned reports whether err came from a poisoned binding.
func IsPoisoned(err error) bool {
	var pe *PoisonedError
	return errors.As(err, &pe)
}

// IsUnsatisfied reports whether err came from an invalidated match guard.
func IsUnsatisfied(err error) bool {
	var ue *UnsatisfiedMatchError
	return errors.As(err, &ue)
}
