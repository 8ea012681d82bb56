package engine

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Every error returned by Atomically for an engine-side
// outcome is a *TxError that matches exactly one of these with errors.Is.
var (
	// ErrRetry is the retry signal. Bodies return the result of Tx.Retry;
	// returning ErrRetry itself also works and waits without a deadline.
	ErrRetry = errors.New("stm: retry requested")

	// ErrConflict is returned when the conflict policy decides to propagate.
	ErrConflict = errors.New("stm: transaction conflict")

	// ErrRetryTimeout is returned when a retry wait passes its deadline.
	ErrRetryTimeout = errors.New("stm: retry timed out")

	// ErrMaxRetries is returned when a transaction hits its retry limit.
	ErrMaxRetries = errors.New("stm: retry limit reached")

	// ErrCanceled is returned when the transaction context is done.
	ErrCanceled = errors.New("stm: transaction canceled")

	// ErrEngineClosed is returned once the engine has been closed.
	ErrEngineClosed = errors.New("stm: engine closed")
)

// ErrorCode categorizes engine-side transaction outcomes.
type ErrorCode string

const (
	// ErrCodeConflict indicates the conflict policy gave up.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeRetryTimeout indicates a retry wait exceeded its deadline.
	ErrCodeRetryTimeout ErrorCode = "RETRY_TIMEOUT"

	// ErrCodeMaxRetries indicates the retry limit was reached.
	ErrCodeMaxRetries ErrorCode = "MAX_RETRIES"

	// ErrCodeCanceled indicates the context was canceled or expired.
	ErrCodeCanceled ErrorCode = "CANCELED"

	// ErrCodeClosed indicates the engine was closed.
	ErrCodeClosed ErrorCode = "ENGINE_CLOSED"
)

// TxError describes why a transaction finished without committing for a
// reason that originates in the engine rather than in the body.
//
// Application errors returned by a body are never wrapped in a TxError;
// Atomically returns them unchanged.
type TxError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// TxID identifies the transaction.
	TxID string

	// Label is the label passed with WithLabel, if any.
	Label string

	// Attempts, Conflicts and Retries describe the run up to the failure.
	Attempts  int
	Conflicts int
	Retries   int

	// Err is the underlying cause (e.g. context.DeadlineExceeded).
	Err error
}

// Error implements the error interface.
func (e *TxError) Error() string {
	msg := fmt.Sprintf("%s: %s (tx=%s", e.Code, e.Message, e.TxID)
	if e.Label != "" {
		msg += ", label=" + e.Label
	}
	msg += fmt.Sprintf(", attempts=%d, conflicts=%d, retries=%d)", e.Attempts, e.Conflicts, e.Retries)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *TxError) Unwrap() error {
	return e.Err
}

// Is maps the error code onto its sentinel.
func (e *TxError) Is(target error) bool {
	switch e.Code {
	case ErrCodeConflict:
		return target == ErrConflict
	case ErrCodeRetryTimeout:
		return target == ErrRetryTimeout
	case ErrCodeMaxRetries:
		return target == ErrMaxRetries
	case ErrCodeCanceled:
		return target == ErrCanceled
	case ErrCodeClosed:
		return target == ErrEngineClosed
	}
	return false
}

// IsConflictError returns true if the error is a propagated conflict.
// Uses errors.As to handle wrapped errors.
func IsConflictError(err error) bool {
	var te *TxError
	if errors.As(err, &te) {
		return te.Code == ErrCodeConflict
	}
	return false
}

// IsTimeoutError returns true if the error is a retry timeout.
// Uses errors.As to handle wrapped errors.
func IsTimeoutError(err error) bool {
	var te *TxError
	if errors.As(err, &te) {
		return te.Code == ErrCodeRetryTimeout
	}
	return false
}

// UsageCode categorizes programming errors.
type UsageCode string

const (
	// UsageTxFinished indicates a transaction handle was used after its
	// attempt ended (e.g. captured by a goroutine or hook).
	UsageTxFinished UsageCode = "TX_FINISHED"

	// UsageForeignVar indicates a variable was used with a transaction of
	// another engine.
	UsageForeignVar UsageCode = "FOREIGN_VAR"

	// UsageNilTx indicates a nil transaction was passed.
	UsageNilTx UsageCode = "NIL_TX"

	// UsageAlreadyResolved indicates a set-once value was set twice.
	UsageAlreadyResolved UsageCode = "ALREADY_RESOLVED"

	// UsageReleased indicates a released handle was used.
	UsageReleased UsageCode = "RELEASED"
)

// UsageError is the panic value for programming errors. Usage errors are
// never returned as errors: they abort the current operation loudly.
type UsageError struct {
	Code    UsageCode
	Message string
}

// Error implements the error interface.
func (e *UsageError) Error() string {
	return fmt.Sprintf("stm usage error %s: %s", e.Code, e.Message)
}

// PanicUsage panics with a *UsageError.
func PanicUsage(code UsageCode, format string, args ...any) {
	panic(&UsageError{Code: code, Message: fmt.Sprintf(format, args...)})
}

// retrySignal is the concrete retry value returned by Tx.Retry.
type retrySignal struct {
	deadline time.Time // zero means no deadline
}

func (r *retrySignal) Error() string {
	if r.deadline.IsZero() {
		return ErrRetry.Error()
	}
	return fmt.Sprintf("%s (until %s)", ErrRetry.Error(), r.deadline.Format(time.RFC3339Nano))
}

func (r *retrySignal) Is(target error) bool {
	return target == ErrRetry
}

// merge combines the signals of two alternatives: the composite waits until
// the earlier of the two deadlines.
func (r *retrySignal) merge(other *retrySignal) *retrySignal {
	switch {
	case r == nil:
		return other
	case other == nil:
		return r
	case r.deadline.IsZero():
		return other
	case other.deadline.IsZero():
		return r
	case other.deadline.Before(r.deadline):
		return other
	}
	return r
}

// asRetry reports whether err is a retry signal.
func asRetry(err error) (*retrySignal, bool) {
	var rs *retrySignal
	if errors.As(err, &rs) {
		return rs, true
	}
	if errors.Is(err, ErrRetry) {
		return &retrySignal{}, true
	}
	return nil, false
}

// conflictSignal unwinds an attempt whose reads can no longer be made
// consistent. It is recovered by the attempt runner.
type conflictSignal struct {
	core   *varCore
	locked bool // core was owned by another committer
}
