package causal

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/kernel/internal/vclock"
)

var (
	// ErrStreamTerminated is returned when the snapshot stream ends before
	// the awaited clock is reached.
	ErrStreamTerminated = errors.New("snapshot stream terminated while awaiting vector clock")

	// ErrNotAttached is returned when the awaiting task has no live kernel
	// to wait on. It is a programming error and is reported immediately.
	ErrNotAttached = errors.New("task is not attached to a live kernel")
)

// ClockTimeoutError is returned when no observed snapshot dominated the
// target clock in time.
type ClockTimeoutError struct {
	// Target is the clock that was awaited.
	Target vclock.Compressed
	// Observed is the last clock seen before giving up.
	Observed vclock.Compressed
	// Diagnostics is the kernel's pending-work dump, if one was available.
	Diagnostics string
}

func (e *ClockTimeoutError) Error() string {
	msg := fmt.Sprintf("timed out awaiting vector clock %s, last observed %s", e.Target, e.Observed)
	if e.Diagnostics != "" {
		msg += "\n" + e.Diagnostics
	}
	return msg
}

// Unwrap lets errors.Is(err, context.DeadlineExceeded) match.
func (e *ClockTimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// Clone returns an independent copy, for rethrowing across scopes.
func (e *ClockTimeoutError) Clone() *ClockTimeoutError {
	c := *e
	return &c
}

// IsClockTimeout reports whether err is a ClockTimeoutError.
func IsClockTimeout(err error) bool {
	var te *ClockTimeoutError
	return errors.As(err, &te)
}
