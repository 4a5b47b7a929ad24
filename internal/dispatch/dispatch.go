// Package dispatch gates job submission behind concurrency slots, a byte
// budget, and the shared backoff window, throttling admission while the
// backend is known to be strained.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dskow/jobclient-core/internal/backoff"
	"github.com/dskow/jobclient-core/internal/metrics"
	"github.com/dskow/jobclient-core/internal/ratelimit"
)

// bytePenaltyFactor inflates estimated request sizes while the backend is in
// or just out of a backoff window, so fewer/larger concurrent requests are
// admitted while it is known to be strained.
const bytePenaltyFactor = 20

// maxAcquireExponent caps the attempt number fed to the acquire backoff
// policy so the delay stops growing instead of the exponent.
const maxAcquireExponent = 6

// Config holds dispatcher settings. Slot counts and the byte budget are
// fixed at construction; the grace window, acquire policy, and submit
// smoothing can be updated at runtime.
type Config struct {
	// NormalSlots is the concurrency cap while the backend is healthy.
	NormalSlots int64

	// ThrottledSlots is the reduced concurrency cap used while a backoff
	// window is active or recently was.
	ThrottledSlots int64

	// ByteBudget caps the total estimated bytes of concurrently admitted
	// requests.
	ByteBudget int64

	// SubmitRate smooths submissions to at most this many per second;
	// 0 disables smoothing. SubmitBurst is the accompanying burst size.
	SubmitRate  float64
	SubmitBurst int

	// GraceWindow keeps the throttled lane and byte penalty in effect for
	// this long after a backoff window elapses or is cleared.
	GraceWindow time.Duration

	// AcquirePolicy drives the sleep between failed acquire attempts.
	AcquirePolicy backoff.Policy
}

// Validate checks dispatcher configuration.
func (c Config) Validate() error {
	if c.NormalSlots < 1 || c.ThrottledSlots < 1 {
		return fmt.Errorf("slot counts must be positive")
	}
	if c.ThrottledSlots > c.NormalSlots {
		return fmt.Errorf("throttled_slots must not exceed normal_slots")
	}
	if c.ByteBudget < 1 {
		return fmt.Errorf("byte_budget must be positive")
	}
	if c.SubmitRate < 0 {
		return fmt.Errorf("submit_rate must be non-negative")
	}
	if c.GraceWindow < 0 {
		return fmt.Errorf("grace_window must be non-negative")
	}
	return c.AcquirePolicy.Validate()
}

// Dispatcher admits submissions against two concurrency lanes and a byte
// budget. Acquisition is a polling loop with backoff, not a blocking
// primitive wait: exact wake-on-release is not required for correctness,
// only for responsiveness, so a timed re-check keeps the implementation
// lock-free across the admission path.
type Dispatcher struct {
	normal    *semaphore.Weighted
	throttled *semaphore.Weighted
	budget    *semaphore.Weighted
	smoother  *rate.Limiter

	byteBudget int64
	cfg        atomic.Pointer[Config]

	// window is the shared backoff fact for this dispatcher's destination;
	// the poll engine writes it, the dispatcher only observes and proxies.
	window *ratelimit.Window

	// lastActiveEnd tracks when the most recently observed backoff window
	// ends, which anchors the post-backoff grace period.
	lastActiveEnd atomic.Int64

	logger *slog.Logger
}

// New creates a Dispatcher sharing the given backoff window.
func New(cfg Config, window *ratelimit.Window, logger *slog.Logger) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch config: %w", err)
	}

	d := &Dispatcher{
		normal:     semaphore.NewWeighted(cfg.NormalSlots),
		throttled:  semaphore.NewWeighted(cfg.ThrottledSlots),
		budget:     semaphore.NewWeighted(cfg.ByteBudget),
		byteBudget: cfg.ByteBudget,
		window:     window,
		logger:     logger,
	}
	if cfg.SubmitRate > 0 {
		d.smoother = rate.NewLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitBurst)
	}
	d.cfg.Store(&cfg)
	return d, nil
}

// UpdateConfig applies runtime-adjustable settings (grace window, acquire
// policy, submit smoothing). Slot counts and the byte budget are sized at
// construction and silently keep their original values.
func (d *Dispatcher) UpdateConfig(cfg Config) {
	old := d.cfg.Load()
	if cfg.NormalSlots != old.NormalSlots || cfg.ThrottledSlots != old.ThrottledSlots || cfg.ByteBudget != old.ByteBudget {
		d.logger.Warn("dispatch slot counts and byte budget cannot change at runtime; keeping original values",
			"normal_slots", old.NormalSlots,
			"throttled_slots", old.ThrottledSlots,
			"byte_budget", old.ByteBudget,
		)
		cfg.NormalSlots = old.NormalSlots
		cfg.ThrottledSlots = old.ThrottledSlots
		cfg.ByteBudget = old.ByteBudget
	}
	if d.smoother != nil && cfg.SubmitRate > 0 {
		d.smoother.SetLimit(rate.Limit(cfg.SubmitRate))
		d.smoother.SetBurst(cfg.SubmitBurst)
	}
	d.cfg.Store(&cfg)
}

// SetBackoff activates the shared backoff window and marks the dispatcher as
// recently throttled for penalty purposes. Thin proxy for callers that hold
// a Dispatcher but not the window.
func (d *Dispatcher) SetBackoff(dur time.Duration) {
	d.window.SetBackoff(dur)
	d.noteWindowEnd(time.Now().Add(dur))
	d.logger.Warn("dispatch backoff window set", "duration", dur)
}

// Throttled reports whether admissions currently go through the throttled
// lane: a backoff window is active, or one ended within the grace window.
func (d *Dispatcher) Throttled() bool {
	now := time.Now()
	if until := d.window.Until(); !until.IsZero() {
		d.noteWindowEnd(until)
		if now.Before(until) {
			return true
		}
	}
	last := d.lastActiveEnd.Load()
	return last != 0 && now.UnixNano() < last+d.cfg.Load().GraceWindow.Nanoseconds()
}

// noteWindowEnd records the latest observed backoff window end (monotonic
// max under CAS so concurrent observers cannot move it backwards).
func (d *Dispatcher) noteWindowEnd(until time.Time) {
	nanos := until.UnixNano()
	for {
		old := d.lastActiveEnd.Load()
		if nanos <= old || d.lastActiveEnd.CompareAndSwap(old, nanos) {
			return
		}
	}
}

// WithRateLimit runs fn once a concurrency slot and byte budget are
// acquired, releasing both when fn returns or panics. estimatedBytes below
// zero is treated as zero cost, never rejected. The lane and penalty are
// decided once at entry, from the backend's known strain at that moment.
func (d *Dispatcher) WithRateLimit(ctx context.Context, estimatedBytes int64, fn func(context.Context) error) error {
	cost := estimatedBytes
	if cost < 0 {
		cost = 0
	}

	sem := d.normal
	lane := "normal"
	if d.Throttled() {
		sem = d.throttled
		lane = "throttled"
		// Guard the multiply: a huge estimate must saturate at the full
		// budget, not overflow negative and slip through as free.
		if cost > d.byteBudget/bytePenaltyFactor {
			cost = d.byteBudget
		} else {
			cost *= bytePenaltyFactor
		}
		metrics.DispatchThrottled.Inc()
	}
	// An oversized request still has to run; cap its cost at the whole
	// budget so it is admitted alone rather than never.
	if cost > d.byteBudget {
		cost = d.byteBudget
	}

	if err := d.acquire(ctx, sem, lane, cost); err != nil {
		return err
	}
	defer func() {
		if cost > 0 {
			d.budget.Release(cost)
		}
		sem.Release(1)
		metrics.DispatchInFlight.WithLabelValues(lane).Dec()
	}()
	metrics.DispatchInFlight.WithLabelValues(lane).Inc()

	return fn(ctx)
}

// acquire polls for a slot plus byte budget, sleeping per the acquire
// policy between attempts. The attempt counter feeding the delay is capped
// so waits plateau at the policy maximum.
func (d *Dispatcher) acquire(ctx context.Context, sem *semaphore.Weighted, lane string, cost int64) error {
	cfg := d.cfg.Load()
	attempt := uint(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.tryAcquire(sem, cost) {
			return nil
		}

		metrics.DispatchWaits.WithLabelValues(lane).Inc()
		delayAttempt := attempt
		if delayAttempt > maxAcquireExponent {
			delayAttempt = maxAcquireExponent
		}
		delay := cfg.AcquirePolicy.Delay(delayAttempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		attempt++
	}
}

// tryAcquire atomically-enough grabs slot, budget, and a smoothing token,
// undoing partial acquisitions on failure.
func (d *Dispatcher) tryAcquire(sem *semaphore.Weighted, cost int64) bool {
	if !sem.TryAcquire(1) {
		return false
	}
	if cost > 0 && !d.budget.TryAcquire(cost) {
		sem.Release(1)
		return false
	}
	if d.smoother != nil && !d.smoother.Allow() {
		if cost > 0 {
			d.budget.Release(cost)
		}
		sem.Release(1)
		return false
	}
	return true
}
