// Package telemetry provides the fire-and-forget observability hook the job
// client calls around each attempt and queue-state transition. Emitters must
// never block or fail the request path.
package telemetry

import (
	"log/slog"

	"github.com/dskow/jobclient-core/internal/metrics"
)

// Emitter receives client telemetry events.
type Emitter interface {
	Emit(event string, metadata map[string]string, measurements map[string]float64)
}

// Noop discards all events.
type Noop struct{}

func (Noop) Emit(string, map[string]string, map[string]float64) {}

// Slog logs each event at debug level with its metadata and measurements as
// attributes.
type Slog struct {
	Logger *slog.Logger
}

func (s Slog) Emit(event string, metadata map[string]string, measurements map[string]float64) {
	attrs := make([]any, 0, 2*(len(metadata)+len(measurements))+2)
	attrs = append(attrs, "event", event)
	for k, v := range metadata {
		attrs = append(attrs, k, v)
	}
	for k, v := range measurements {
		attrs = append(attrs, k, v)
	}
	s.Logger.Debug("telemetry", attrs...)
}

// Prom counts events in the Prometheus telemetry counter.
type Prom struct{}

func (Prom) Emit(event string, _ map[string]string, _ map[string]float64) {
	metrics.TelemetryEvents.WithLabelValues(event).Inc()
}

// Multi fans one event out to several emitters.
type Multi []Emitter

func (m Multi) Emit(event string, metadata map[string]string, measurements map[string]float64) {
	for _, e := range m {
		e.Emit(event, metadata, measurements)
	}
}
