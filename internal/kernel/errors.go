package kernel

import (
	"errors"
	"fmt"
)

// KernelError is an error raised by the Transactor itself.
type KernelError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Details carries additional diagnostic context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes kernel errors.
type ErrorCode string

const (
	// ErrCodeTransactorClosed: the Transactor stopped before the change ran.
	ErrCodeTransactorClosed ErrorCode = "TRANSACTOR_CLOSED"

	// ErrCodeChangeAborted: the change function returned an error.
	ErrCodeChangeAborted ErrorCode = "CHANGE_ABORTED"

	// ErrCodeChangePanicked: the change function panicked.
	ErrCodeChangePanicked ErrorCode = "CHANGE_PANICKED"

	// ErrCodeLogClosed: the log subscription ended.
	ErrCodeLogClosed ErrorCode = "LOG_CLOSED"
)

func (e *KernelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *KernelError) Unwrap() error {
	return e.Err
}

func isCode(err error, code ErrorCode) bool {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Code == code
	}
	return false
}

// IsClosed reports whether err means the Transactor or its log is gone.
func IsClosed(err error) bool {
	return isCode(err, ErrCodeTransactorClosed) || isCode(err, ErrCodeLogClosed)
}

// IsAborted reports whether err came from an aborted change function.
func IsAborted(err error) bool {
	return isCode(err, ErrCodeChangeAborted) || isCode(err, ErrCodeChangePanicked)
}

// CancelReason distinguishes why cooperative work was cancelled.
type CancelReason int

const (
	// ReasonNormalShutdown: the owner closed the kernel on purpose.
	ReasonNormalShutdown CancelReason = iota + 1
	// ReasonKernelTerminated: the kernel died underneath its users.
	ReasonKernelTerminated
	// ReasonQueryEngineTerminated: the reactive match engine stopped.
	ReasonQueryEngineTerminated
)

func (r CancelReason) String() string {
	switch r {
	case ReasonNormalShutdown:
		return "normal shutdown"
	case ReasonKernelTerminated:
		return "kernel terminated"
	case ReasonQueryEngineTerminated:
		return "query engine terminated"
	default:
		return fmt.Sprintf("CancelReason(%d)", int(r))
	}
}

// CancellationError is the typed cause passed to context.WithCancelCause
// and to Transactor.Close.
type CancellationError struct {
	Reason CancelReason
}

func (e *CancellationError) Error() string {
	return "cancelled: " + e.Reason.String()
}

// Is matches any CancellationError with the same reason.
func (e *CancellationError) Is(target error) bool {
	var other *CancellationError
	if errors.As(target, &other) {
		return other.Reason == e.Reason
	}
	return false
}

var (
	ErrNormalShutdown        error = &CancellationError{Reason: ReasonNormalShutdown}
	ErrKernelTerminated      error = &CancellationError{Reason: ReasonKernelTerminated}
	ErrQueryEngineTerminated error = &CancellationError{Reason: ReasonQueryEngineTerminated}
)

// CancelReasonOf extracts the cancellation reason from err, if any.
func CancelReasonOf(err error) (CancelReason, bool) {
	var ce *CancellationError
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return 0, false
}

func closedError(cause error) *KernelError {
	return &KernelError{
		Code:    ErrCodeTransactorClosed,
		Message: "transactor is closed",
		Err:     cause,
	}
}
