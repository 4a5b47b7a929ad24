// Package ratelimit provides a shared, key-scoped backoff window for
// cooperative client-side rate limiting. A window is a single "do not call
// before time T" fact keyed by normalized destination and credential, cheap
// to query from any number of concurrent callers.
package ratelimit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dskow/jobclient-core/internal/metrics"
)

// Window is one shared backoff fact. It is a hint, not a lock: writes are
// last-writer-wins and reads are unsynchronized atomics.
type Window struct {
	key   Key
	until atomic.Int64 // unix nanos; 0 = no backoff active
}

// Key identifies a backoff window: normalized destination plus a credential
// identifier, so callers hitting the same host with different credentials
// do not throttle each other.
type Key struct {
	Destination string `json:"destination"`
	Credential  string `json:"credential"`
}

// ShouldBackoff reports whether a backoff is currently active.
func (w *Window) ShouldBackoff() bool {
	until := w.until.Load()
	return until != 0 && time.Now().UnixNano() < until
}

// Until returns when the active backoff expires, or the zero time if none
// was ever set.
func (w *Window) Until() time.Time {
	until := w.until.Load()
	if until == 0 {
		return time.Time{}
	}
	return time.Unix(0, until)
}

// SetBackoff activates the window for the given duration from now.
// Safe to call concurrently; the last writer wins.
func (w *Window) SetBackoff(d time.Duration) {
	w.until.Store(time.Now().Add(d).UnixNano())
	metrics.BackoffWindowSets.WithLabelValues(w.key.Destination).Inc()
}

// ClearBackoff deactivates the window.
func (w *Window) ClearBackoff() {
	w.until.Store(0)
}

// WaitForBackoff sleeps until the active backoff elapses, returning
// immediately when none is active. The window is re-read after each sleep
// because another caller may have extended or cleared it meanwhile.
func (w *Window) WaitForBackoff(ctx context.Context) error {
	for {
		until := w.until.Load()
		if until == 0 {
			return nil
		}
		d := time.Until(time.Unix(0, until))
		if d <= 0 {
			return nil
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Limiter tracks backoff windows per key. Windows are created lazily and
// shared by all callers using the same key; they are never evicted, since
// the key space (distinct backends × credentials) is small.
type Limiter struct {
	mu      sync.RWMutex
	windows map[Key]*Window
	logger  *slog.Logger
}

// NewLimiter creates an empty Limiter.
func NewLimiter(logger *slog.Logger) *Limiter {
	return &Limiter{
		windows: make(map[Key]*Window),
		logger:  logger,
	}
}

// ForKey returns the shared window for the destination/credential pair,
// creating it on first use. The destination is normalized so URLs differing
// only by default port or path resolve to the same window.
func (l *Limiter) ForKey(destination, credential string) *Window {
	key := Key{Destination: NormalizeDestination(destination), Credential: credential}

	// Fast path: read lock for existing windows (the common case).
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring the write lock.
	if w, ok = l.windows[key]; ok {
		return w
	}
	w = &Window{key: key}
	l.windows[key] = w
	l.logger.Debug("backoff window created", "destination", key.Destination, "credential", key.Credential)
	return w
}

// Entry is one window's state as reported by Snapshot.
type Entry struct {
	Destination string    `json:"destination"`
	Credential  string    `json:"credential"`
	Active      bool      `json:"active"`
	Until       time.Time `json:"until,omitempty"`
}

// Snapshot returns a point-in-time view of all windows, sorted by key for
// stable debug output.
func (l *Limiter) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := make([]Entry, 0, len(l.windows))
	for key, w := range l.windows {
		entries = append(entries, Entry{
			Destination: key.Destination,
			Credential:  key.Credential,
			Active:      w.ShouldBackoff(),
			Until:       w.Until(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Destination != entries[j].Destination {
			return entries[i].Destination < entries[j].Destination
		}
		return entries[i].Credential < entries[j].Credential
	})
	return entries
}
