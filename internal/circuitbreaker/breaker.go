// Package circuitbreaker provides a per-endpoint three-state circuit breaker
// protecting the job client against a failing backend. State transitions are
// committed with compare-and-swap on an immutable snapshot, so concurrent
// callers never lose each other's updates and no lock is ever held across a
// network call.
package circuitbreaker

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dskow/jobclient-core/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; requests pass through.
	StateOpen                  // Failing; requests are rejected immediately.
	StateHalfOpen              // Probing; limited requests allowed to test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker settings.
type Config struct {
	// FailureThreshold is the number of consecutive failures in closed state
	// that opens the circuit.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a probe is
	// allowed. The open→half-open transition is evaluated lazily on read,
	// not by a background timer.
	ResetTimeout time.Duration

	// HalfOpenMaxCalls bounds concurrent probe calls while half-open.
	HalfOpenMaxCalls int
}

// snapshot is one immutable view of breaker state. Every transition installs
// a fresh snapshot via CompareAndSwap; the version makes otherwise-identical
// snapshots distinguishable so a stale writer always loses.
type snapshot struct {
	version       uint64
	state         State
	failures      int
	halfOpenCalls int
	openedAt      time.Time // non-zero iff state == StateOpen
}

// Breaker guards one endpoint.
type Breaker struct {
	name   string
	cfg    atomic.Pointer[Config]
	cur    atomic.Pointer[snapshot]
	logger *slog.Logger

	now func() time.Time
}

// New creates a closed breaker for the given endpoint key.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	b := &Breaker{name: name, logger: logger, now: time.Now}
	b.cfg.Store(&cfg)
	b.cur.Store(&snapshot{state: StateClosed})
	return b
}

// State returns the current state. An expired open period reads as open
// until the next admission check performs the lazy half-open transition.
func (b *Breaker) State() State {
	return b.cur.Load().state
}

// Failures returns the consecutive failure count of the current snapshot.
func (b *Breaker) Failures() int {
	return b.cur.Load().failures
}

// UpdateConfig swaps in new settings, e.g. on config hot-reload. In-flight
// snapshots are unaffected; the new thresholds apply from the next
// transition decision.
func (b *Breaker) UpdateConfig(cfg Config) {
	b.cfg.Store(&cfg)
}

// Allow reports whether a request may proceed right now. It is read-only
// apart from the lazy open→half-open transition.
func (b *Breaker) Allow() bool {
	for {
		s := b.cur.Load()
		switch s.state {
		case StateClosed:
			return true
		case StateOpen:
			if b.now().Sub(s.openedAt) < b.cfg.Load().ResetTimeout {
				return false
			}
			if b.commit(s, snapshot{state: StateHalfOpen}) {
				return true
			}
			// Lost the race; re-read.
		case StateHalfOpen:
			return s.halfOpenCalls < b.cfg.Load().HalfOpenMaxCalls
		default:
			return true
		}
	}
}

// acquire is Allow plus the half-open probe accounting: while half-open it
// reserves one of the bounded probe slots.
func (b *Breaker) acquire() bool {
	for {
		s := b.cur.Load()
		switch s.state {
		case StateClosed:
			return true
		case StateOpen:
			if b.now().Sub(s.openedAt) < b.cfg.Load().ResetTimeout {
				return false
			}
			if b.commit(s, snapshot{state: StateHalfOpen, halfOpenCalls: 1}) {
				return true
			}
		case StateHalfOpen:
			if s.halfOpenCalls >= b.cfg.Load().HalfOpenMaxCalls {
				return false
			}
			next := *s
			next.halfOpenCalls++
			if b.commit(s, next) {
				return true
			}
		default:
			return true
		}
	}
}

// RecordSuccess applies the success transition: closed resets the failure
// count, half-open closes the circuit.
func (b *Breaker) RecordSuccess() {
	for {
		s := b.cur.Load()
		switch s.state {
		case StateClosed:
			if s.failures == 0 {
				return
			}
			next := *s
			next.failures = 0
			if b.commit(s, next) {
				return
			}
		case StateHalfOpen:
			if b.commit(s, snapshot{state: StateClosed}) {
				return
			}
		default:
			// Success observed after another caller opened the circuit:
			// the admission decision predates the open, ignore it.
			return
		}
	}
}

// RecordFailure applies the failure transition: closed counts toward the
// threshold, half-open re-opens immediately and discards the remaining
// probe budget.
func (b *Breaker) RecordFailure() {
	for {
		s := b.cur.Load()
		switch s.state {
		case StateClosed:
			next := *s
			next.failures++
			if next.failures >= b.cfg.Load().FailureThreshold {
				next = snapshot{state: StateOpen, openedAt: b.now()}
			}
			if b.commit(s, next) {
				return
			}
		case StateHalfOpen:
			if b.commit(s, snapshot{state: StateOpen, openedAt: b.now()}) {
				return
			}
		default:
			return
		}
	}
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	for {
		s := b.cur.Load()
		if s.state == StateClosed && s.failures == 0 {
			return
		}
		if b.commit(s, snapshot{state: StateClosed}) {
			return
		}
	}
}

// commit tries to install next over old. Only the bookkeeping is ever
// retried by callers; the wrapped network call is never re-run on a CAS
// conflict. Transition side effects (log, metrics) run once, on the winner.
func (b *Breaker) commit(old *snapshot, next snapshot) bool {
	next.version = old.version + 1
	if !b.cur.CompareAndSwap(old, &next) {
		return false
	}
	if next.state != old.state {
		metrics.BreakerStateChanges.WithLabelValues(b.name, old.state.String(), next.state.String()).Inc()
		metrics.BreakerState.WithLabelValues(b.name).Set(float64(next.state))
		b.logger.Info("circuit breaker state change",
			"name", b.name,
			"from", old.state.String(),
			"to", next.state.String(),
		)
	}
	return true
}
