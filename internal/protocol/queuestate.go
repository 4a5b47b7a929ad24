// Package protocol defines the wire-level types exchanged with the job
// backend: submit and poll envelopes and the backend-declared queue state.
package protocol

import "strings"

// QueueState is the backend-declared admission status carried on busy
// responses. It is informational to the client except that paused states
// feed the dispatcher's throttling decisions.
type QueueState string

const (
	QueueActive          QueueState = "active"
	QueuePausedRateLimit QueueState = "paused_rate_limit"
	QueuePausedCapacity  QueueState = "paused_capacity"
	QueueUnknown         QueueState = "unknown"
)

// ParseQueueState maps a wire string to a QueueState. Matching is
// case-insensitive and ignores surrounding whitespace. Missing or
// unrecognized values map to QueueUnknown, never to QueueActive, so
// ambiguity is surfaced rather than hidden.
func ParseQueueState(s string) QueueState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return QueueActive
	case "paused_rate_limit":
		return QueuePausedRateLimit
	case "paused_capacity":
		return QueuePausedCapacity
	default:
		return QueueUnknown
	}
}

// Paused reports whether the state indicates the backend has stopped
// admitting work.
func (s QueueState) Paused() bool {
	return s == QueuePausedRateLimit || s == QueuePausedCapacity
}

// Describe returns a human-readable default reason for the state, used when
// the server supplies none. A server-supplied reason always takes
// precedence.
func (s QueueState) Describe() string {
	switch s {
	case QueueActive:
		return "queue is accepting work"
	case QueuePausedRateLimit:
		return "queue paused: rate limited"
	case QueuePausedCapacity:
		return "queue paused: at capacity"
	default:
		return "queue state unknown"
	}
}
