// Package metrics provides Prometheus instrumentation for the job client.
// All metric collectors are registered via the Init function and exposed
// through the Handler for scraping by a local debug listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AttemptsTotal counts individual backend attempts by endpoint and outcome.
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobclient_attempts_total",
			Help: "Total backend attempts by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	// RetriesTotal counts retry decisions by endpoint and retry kind.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobclient_retries_total",
			Help: "Total retries by endpoint and kind (transient, try_again, circuit_open)",
		},
		[]string{"endpoint", "kind"},
	)

	// BreakerStateChanges counts circuit breaker transitions.
	BreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobclient_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// BreakerState tracks the current breaker state (0=closed, 1=open, 2=half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobclient_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// BreakerRejections counts requests refused because a breaker was open.
	BreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobclient_breaker_rejections_total",
			Help: "Total requests rejected by an open circuit breaker",
		},
		[]string{"name"},
	)

	// DispatchInFlight tracks concurrently admitted submissions per lane.
	DispatchInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobclient_dispatch_in_flight",
			Help: "Submissions currently holding a dispatch slot",
		},
		[]string{"lane"},
	)

	// DispatchWaits counts failed acquire attempts in the dispatch polling loop.
	DispatchWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobclient_dispatch_waits_total",
			Help: "Total acquire attempts that found no free capacity",
		},
		[]string{"lane"},
	)

	// DispatchThrottled counts admissions that went through the throttled lane.
	DispatchThrottled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobclient_dispatch_throttled_total",
			Help: "Total submissions admitted through the throttled lane",
		},
	)

	// BackoffWindowSets counts backoff window activations by destination.
	BackoffWindowSets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobclient_backoff_window_sets_total",
			Help: "Total backoff window activations",
		},
		[]string{"destination"},
	)

	// PollOutcomes counts completed poll runs by terminal outcome.
	PollOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobclient_poll_outcomes_total",
			Help: "Total poll runs by terminal outcome",
		},
		[]string{"outcome"},
	)

	// PollDuration observes end-to-end poll duration in seconds.
	PollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobclient_poll_duration_seconds",
			Help:    "End-to-end duration of poll runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	// QueueStateTransitions counts backend queue state changes observed by polls.
	QueueStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobclient_queue_state_transitions_total",
			Help: "Total backend queue state transitions observed",
		},
		[]string{"from", "to"},
	)

	// TelemetryEvents counts telemetry events emitted by the core.
	TelemetryEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobclient_telemetry_events_total",
			Help: "Total telemetry events emitted",
		},
		[]string{"event"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before issuing requests.
func Init() {
	prometheus.MustRegister(
		AttemptsTotal,
		RetriesTotal,
		BreakerStateChanges,
		BreakerState,
		BreakerRejections,
		DispatchInFlight,
		DispatchWaits,
		DispatchThrottled,
		BackoffWindowSets,
		PollOutcomes,
		PollDuration,
		QueueStateTransitions,
		TelemetryEvents,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
