package circuitbreaker

import (
	"errors"
	"fmt"

	"github.com/dskow/jobclient-core/internal/metrics"
)

// ErrOpen is returned when a breaker refuses a request without invoking the
// wrapped function. It marks a local admission decision, not a remote
// failure; callers typically back off and try again rather than giving up.
var ErrOpen = errors.New("circuit breaker open")

// SuccessPredicate classifies a call outcome. A nil predicate treats any
// non-error result as success.
type SuccessPredicate[R any] func(R, error) bool

// Call runs fn under the breaker's admission control. When the circuit is
// open it returns ErrOpen immediately without invoking fn. Otherwise fn runs
// exactly once and its outcome, classified by ok, drives the state
// transition.
func Call[R any](b *Breaker, fn func() (R, error), ok SuccessPredicate[R]) (R, error) {
	var zero R
	if !b.acquire() {
		metrics.BreakerRejections.WithLabelValues(b.name).Inc()
		return zero, fmt.Errorf("%s: %w", b.name, ErrOpen)
	}

	res, err := fn()

	success := err == nil
	if ok != nil {
		success = ok(res, err)
	}
	if success {
		b.RecordSuccess()
	} else {
		b.RecordFailure()
	}
	return res, err
}
