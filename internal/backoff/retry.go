package backoff

import (
	"fmt"
	"time"
)

// Classifier reports whether an error is worth retrying. A nil classifier
// treats every non-nil error as retryable.
type Classifier func(error) bool

// RetryConfig bounds one logical operation's retry behavior.
type RetryConfig struct {
	Policy Policy

	// MaxAttempts caps the number of retries; 0 means unbounded.
	MaxAttempts uint

	// ProgressTimeout is the maximum silence window: how long the operation
	// may go without any sign of backend life before it is declared dead.
	// 0 disables the check.
	ProgressTimeout time.Duration

	// WarnAfter fires a soft stuck warning before the hard progress timeout.
	// 0 disables the warning.
	WarnAfter time.Duration
}

// Validate checks retry configuration values.
func (c RetryConfig) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if c.WarnAfter < 0 || c.ProgressTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}
	if c.WarnAfter > 0 && c.ProgressTimeout > 0 && c.WarnAfter >= c.ProgressTimeout {
		return fmt.Errorf("warn_after must be shorter than progress_timeout")
	}
	return nil
}

// Retryer tracks retry state for one logical operation: the attempt counter,
// the retry budget, and the progress clock. Create one per operation and
// discard it when the operation resolves. Not safe for concurrent use; a
// poll run drives it from a single goroutine.
type Retryer struct {
	cfg      RetryConfig
	classify Classifier

	attempt        uint
	startedAt      time.Time
	lastProgressAt time.Time
	sawProgress    bool
	warned         bool

	now func() time.Time
}

// NewRetryer creates a Retryer for one operation starting now.
func NewRetryer(cfg RetryConfig, classify Classifier) *Retryer {
	return newRetryerAt(cfg, classify, time.Now)
}

func newRetryerAt(cfg RetryConfig, classify Classifier, now func() time.Time) *Retryer {
	start := now()
	return &Retryer{
		cfg:            cfg,
		classify:       classify,
		startedAt:      start,
		lastProgressAt: start,
		now:            now,
	}
}

// Attempt returns the current attempt number (0 before any retry).
func (r *Retryer) Attempt() uint { return r.attempt }

// StartedAt returns when the operation began.
func (r *Retryer) StartedAt() time.Time { return r.startedAt }

// ShouldRetry reports whether the given failure may be retried: the attempt
// budget must not be exhausted and the error must classify as retryable.
func (r *Retryer) ShouldRetry(err error) bool {
	if r.cfg.MaxAttempts > 0 && r.attempt >= r.cfg.MaxAttempts {
		return false
	}
	if r.classify == nil {
		return err != nil
	}
	return r.classify(err)
}

// NextDelay returns the backoff delay for the current attempt.
func (r *Retryer) NextDelay() time.Duration {
	return r.cfg.Policy.Delay(r.attempt)
}

// Increment advances the attempt counter. Call only after a failed,
// retryable attempt.
func (r *Retryer) Increment() { r.attempt++ }

// RecordProgress resets the progress clock. Called whenever any forward
// progress is observed, including a busy-but-alive try-again response.
// Distinct from the attempt counter: a busy backend must not starve the
// operation on progress timeout while a genuinely stuck one must.
func (r *Retryer) RecordProgress() {
	r.lastProgressAt = r.now()
	r.sawProgress = true
	r.warned = false
}

// ProgressTimedOut reports whether the silence window has been exceeded.
// Always false before the first attempt completes: with no baseline yet
// there is nothing to measure against.
func (r *Retryer) ProgressTimedOut() bool {
	if r.cfg.ProgressTimeout <= 0 {
		return false
	}
	if r.attempt == 0 && !r.sawProgress {
		return false
	}
	return r.now().Sub(r.lastProgressAt) > r.cfg.ProgressTimeout
}

// StuckFor reports how long the operation has gone without progress and
// whether the soft warning should fire now. The warning latches: it fires at
// most once per progress epoch, and RecordProgress re-arms it without
// touching the attempt counter or the hard timeout.
func (r *Retryer) StuckFor() (time.Duration, bool) {
	elapsed := r.now().Sub(r.lastProgressAt)
	if r.cfg.WarnAfter <= 0 || r.warned || elapsed <= r.cfg.WarnAfter {
		return elapsed, false
	}
	r.warned = true
	return elapsed, true
}
