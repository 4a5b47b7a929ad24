// Package apierror provides the job client's error taxonomy. All components
// classify failures into stable, machine-readable codes so callers can
// decide whether to resubmit, alert, or give up.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error classification string.
type Code string

// Client error codes. These form a public API contract: callers can program
// against these stable codes. Do not rename or remove existing codes.
const (
	// TransientTransport marks connection-level failures: dial errors,
	// resets, client-side timeouts. Retryable with backoff.
	TransientTransport Code = "TRANSIENT_TRANSPORT"

	// TransientServer marks 408/429/5xx responses. Retryable, may carry a
	// Retry-After hint.
	TransientServer Code = "TRANSIENT_SERVER"

	// ApplicationTerminal marks 4xx responses other than 408/429 and
	// explicit server-declared failures. Never retried.
	ApplicationTerminal Code = "APPLICATION_TERMINAL"

	// CircuitOpen marks a local admission refusal by the circuit breaker.
	// Retried at the poll engine level; surfaces as the final error only
	// when the deadline expires while the circuit stays open.
	CircuitOpen Code = "CIRCUIT_OPEN"

	// ProgressTimeout marks a backend unresponsive beyond the allowed
	// silence window. Fatal.
	ProgressTimeout Code = "PROGRESS_TIMEOUT"

	// PollTimeout marks the overall wall-clock deadline being exceeded.
	// Fatal.
	PollTimeout Code = "POLL_TIMEOUT"

	// RetriesExhausted marks a transient failure that outlived the retry
	// budget.
	RetriesExhausted Code = "RETRIES_EXHAUSTED"

	// DecodeFailure marks a response body the client could not parse.
	// Not retryable: resending will reproduce the same malformed payload.
	DecodeFailure Code = "DECODE_FAILURE"
)

// Error is a classified client error. It wraps an underlying cause when one
// exists and carries the HTTP status that produced it, if any.
type Error struct {
	Code    Code
	Message string
	Status  int // HTTP status when applicable, else 0
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("%s (status %d): %s: %v", e.Code, e.Status, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s (status %d): %s", e.Code, e.Status, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on code: apierror.New(c, "") acts as a target.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// New creates a classified error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a classified error around a cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Retryable reports whether the code marks a failure worth retrying.
// CircuitOpen is retryable but handled specially by the poll engine: it
// does not consume the retry budget.
func (e *Error) Retryable() bool {
	switch e.Code {
	case TransientTransport, TransientServer, CircuitOpen:
		return true
	default:
		return false
	}
}

// CodeOf extracts the classification code, or the empty string for
// unclassified errors.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsRetryable classifies an arbitrary error. Unclassified errors are treated
// as transport-level problems, which are retryable: everything that reached
// a server response has already been classified by FromStatus.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return true
}

// FromStatus classifies an HTTP response status: 408, 429, and 5xx are
// transient server conditions, all other 4xx are terminal application
// errors. 2xx/3xx do not classify as errors and return nil.
func FromStatus(status int, message string) *Error {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return &Error{Code: TransientServer, Message: message, Status: status}
	case status >= 400:
		return &Error{Code: ApplicationTerminal, Message: message, Status: status}
	default:
		return nil
	}
}
