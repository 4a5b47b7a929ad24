// Package poll drives a job from submission to resolution: it submits the
// payload, then repeatedly retrieves status until the backend declares the
// job completed or failed, or a client-side limit gives up on it.
package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dskow/jobclient-core/internal/apierror"
	"github.com/dskow/jobclient-core/internal/backoff"
	"github.com/dskow/jobclient-core/internal/circuitbreaker"
	"github.com/dskow/jobclient-core/internal/metrics"
	"github.com/dskow/jobclient-core/internal/protocol"
	"github.com/dskow/jobclient-core/internal/ratelimit"
	"github.com/dskow/jobclient-core/internal/telemetry"
	"github.com/dskow/jobclient-core/internal/transport"
)

// Endpoint labels for breakers and metrics.
const (
	endpointSubmit = "submit"
	endpointStatus = "status"
)

// Config holds poll engine settings.
type Config struct {
	Retry backoff.RetryConfig

	// PollTimeout caps one Run's wall-clock duration; 0 = unbounded.
	PollTimeout time.Duration

	// SubmitPath and StatusPath are the backend routes. StatusPath is a
	// prefix the request ID is appended to.
	SubmitPath string
	StatusPath string
}

// Update describes one busy response, delivered to the observer.
type Update struct {
	RequestID  string
	QueueState protocol.QueueState
	Reason     string
	RetryAfter time.Duration
	Attempt    uint
}

// Observer receives queue-state updates during a run. May be nil.
type Observer func(Update)

// Result is a successfully completed job.
type Result struct {
	RequestID string
	Result    json.RawMessage
	Attempts  uint
	Duration  time.Duration
}

// Engine runs the submit-then-poll protocol with retries, circuit breaking,
// and cooperative backoff. One Engine serves many concurrent Runs; all
// per-run state lives in the run itself.
type Engine struct {
	sender    transport.Sender
	breakers  *circuitbreaker.Registry
	window    *ratelimit.Window
	telemetry telemetry.Emitter
	logger    *slog.Logger
	cfg       Config
}

// New creates an Engine. The window is the shared backoff fact for this
// backend; paused queue states activate it so dispatchers can throttle.
func New(cfg Config, sender transport.Sender, breakers *circuitbreaker.Registry, window *ratelimit.Window, emitter telemetry.Emitter, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("poll retry config: %w", err)
	}
	if cfg.PollTimeout < 0 {
		return nil, fmt.Errorf("poll timeout must be non-negative")
	}
	if cfg.SubmitPath == "" || cfg.StatusPath == "" {
		return nil, fmt.Errorf("submit and status paths are required")
	}
	if emitter == nil {
		emitter = telemetry.Noop{}
	}
	return &Engine{
		sender:    sender,
		breakers:  breakers,
		window:    window,
		telemetry: emitter,
		logger:    logger,
		cfg:       cfg,
	}, nil
}

// run carries the mutable state of one submit-then-poll operation.
type run struct {
	engine    *Engine
	retryer   *backoff.Retryer
	observer  Observer
	requestID string
	deadline  time.Time // zero = unbounded

	lastState          protocol.QueueState
	lastWasCircuitOpen bool

	// busyPolls counts consecutive busy responses for delay growth only.
	// Busy responses are progress, not failures, so they never touch the
	// retryer's attempt budget.
	busyPolls uint
}

// Run submits the payload and polls until resolution. An empty requestID
// gets a generated one; passing the same ID again makes the submission
// idempotent on backends that deduplicate.
//
// The retry budget and the progress clock span the whole operation, never
// resetting between the submit and poll phases.
func (e *Engine) Run(ctx context.Context, requestID string, payload json.RawMessage, observer Observer) (*Result, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}

	r := &run{
		engine:    e,
		retryer:   backoff.NewRetryer(e.cfg.Retry, apierror.IsRetryable),
		observer:  observer,
		requestID: requestID,
	}
	if e.cfg.PollTimeout > 0 {
		r.deadline = r.retryer.StartedAt().Add(e.cfg.PollTimeout)
	}

	res, err := r.execute(ctx, payload)
	if err != nil {
		metrics.PollOutcomes.WithLabelValues(outcomeLabel(err)).Inc()
		e.logger.Error("job run failed",
			"request_id", requestID,
			"attempts", r.retryer.Attempt(),
			"error", err,
		)
		return nil, err
	}

	metrics.PollOutcomes.WithLabelValues("completed").Inc()
	metrics.PollDuration.Observe(res.Duration.Seconds())
	e.logger.Info("job completed",
		"request_id", requestID,
		"attempts", res.Attempts,
		"duration", res.Duration.Round(time.Millisecond),
	)
	return res, nil
}

func (r *run) execute(ctx context.Context, payload json.RawMessage) (*Result, error) {
	if err := r.submit(ctx, payload); err != nil {
		return nil, err
	}
	return r.poll(ctx)
}

// submit posts the job, retrying transient failures under the shared budget.
func (r *run) submit(ctx context.Context, payload json.RawMessage) error {
	body, err := json.Marshal(protocol.SubmitRequest{RequestID: r.requestID, Payload: payload})
	if err != nil {
		return apierror.Wrap(apierror.ApplicationTerminal, "encoding submit request", err)
	}

	for {
		if err := r.checkLimits(ctx); err != nil {
			return err
		}

		r.engine.telemetry.Emit("submit_attempt",
			map[string]string{"request_id": r.requestID},
			map[string]float64{"attempt": float64(r.retryer.Attempt())},
		)

		resp, err := r.send(ctx, endpointSubmit, transport.Request{
			Method: http.MethodPost,
			Path:   r.engine.cfg.SubmitPath,
			Body:   body,
		})
		if err == nil {
			sr, derr := protocol.DecodeSubmitResponse(resp.Body)
			if derr != nil {
				return apierror.Wrap(apierror.DecodeFailure, "submit response", derr)
			}
			// Backends that assign their own IDs win; polling must use the
			// ID the backend will answer for.
			r.requestID = sr.RequestID
			r.lastWasCircuitOpen = false
			r.retryer.RecordProgress()
			metrics.AttemptsTotal.WithLabelValues(endpointSubmit, "success").Inc()
			return nil
		}

		if ferr := r.handleFailure(ctx, endpointSubmit, err, retryAfterOf(resp)); ferr != nil {
			return ferr
		}
	}
}

// poll retrieves status until the backend resolves the job.
func (r *run) poll(ctx context.Context) (*Result, error) {
	req := transport.Request{
		Method: http.MethodGet,
		Path:   r.engine.cfg.StatusPath + r.requestID,
	}

	for {
		if err := r.checkLimits(ctx); err != nil {
			return nil, err
		}

		resp, err := r.send(ctx, endpointStatus, req)
		if err != nil {
			if ferr := r.handleFailure(ctx, endpointStatus, err, retryAfterOf(resp)); ferr != nil {
				return nil, ferr
			}
			continue
		}

		r.lastWasCircuitOpen = false
		decoded, derr := protocol.DecodePollResponse(resp.Body)
		if derr != nil {
			metrics.AttemptsTotal.WithLabelValues(endpointStatus, "decode_failure").Inc()
			return nil, apierror.Wrap(apierror.DecodeFailure, "poll response", derr)
		}

		switch decoded.Type {
		case protocol.TypeCompleted:
			metrics.AttemptsTotal.WithLabelValues(endpointStatus, "success").Inc()
			r.engine.telemetry.Emit("completed",
				map[string]string{"request_id": r.requestID},
				map[string]float64{"attempts": float64(r.retryer.Attempt())},
			)
			return &Result{
				RequestID: r.requestID,
				Result:    decoded.Result,
				Attempts:  r.retryer.Attempt(),
				Duration:  time.Since(r.retryer.StartedAt()),
			}, nil

		case protocol.TypeFailed:
			// A backend-declared failure is a resolution, not an outage.
			metrics.AttemptsTotal.WithLabelValues(endpointStatus, "failed").Inc()
			r.engine.telemetry.Emit("failed",
				map[string]string{"request_id": r.requestID, "error_code": decoded.ErrorCode},
				nil,
			)
			return nil, apierror.New(apierror.ApplicationTerminal,
				fmt.Sprintf("job failed: %s: %s", decoded.ErrorCode, decoded.ErrorMessage))

		case protocol.TypeTryAgain:
			if err := r.handleTryAgain(ctx, decoded, resp.RetryAfter); err != nil {
				return nil, err
			}
		}
	}
}

// handleTryAgain processes one busy response: progress is recorded, the
// observer and queue-state bookkeeping run, paused states arm the shared
// backoff window, and the wait honors the server hint over the local policy.
func (r *run) handleTryAgain(ctx context.Context, decoded *protocol.PollResponse, headerHint time.Duration) error {
	r.retryer.RecordProgress()
	metrics.AttemptsTotal.WithLabelValues(endpointStatus, "try_again").Inc()

	reason := decoded.Reason
	if reason == "" {
		reason = decoded.QueueState.Describe()
	}
	r.noteQueueState(decoded.QueueState)

	// Body hint beats header hint beats local policy.
	delay := decoded.RetryAfter
	if delay == 0 {
		delay = headerHint
	}
	serverHinted := delay > 0
	if !serverHinted {
		delay = r.engine.cfg.Retry.Policy.Delay(r.busyPolls)
	}
	r.busyPolls++

	if decoded.QueueState.Paused() {
		// The backend said stop sending; share that fact so dispatchers
		// throttle new submissions too, not just this run.
		windowDur := delay
		if !serverHinted {
			windowDur = r.engine.cfg.Retry.Policy.MaxDelay
		}
		r.engine.window.SetBackoff(windowDur)
		r.engine.logger.Warn("backend paused",
			"request_id", r.requestID,
			"queue_state", decoded.QueueState,
			"reason", reason,
			"backoff", windowDur,
		)
	}

	if r.observer != nil {
		r.observer(Update{
			RequestID:  r.requestID,
			QueueState: decoded.QueueState,
			Reason:     reason,
			RetryAfter: delay,
			Attempt:    r.retryer.Attempt(),
		})
	}
	r.engine.telemetry.Emit("try_again",
		map[string]string{
			"request_id":  r.requestID,
			"queue_state": string(decoded.QueueState),
		},
		map[string]float64{"retry_after_ms": float64(delay.Milliseconds())},
	)

	// The poll and progress timeouts bound this loop; the retry budget is
	// reserved for genuine failures.
	return r.sleep(ctx, delay)
}

// send runs one request through the endpoint's circuit breaker. The breaker
// sees transport errors and backend-strain statuses as failures; everything
// the backend answered coherently, including terminal 4xx, is success.
func (r *run) send(ctx context.Context, endpoint string, req transport.Request) (*transport.Response, error) {
	breaker := r.engine.breakers.Get(endpoint)

	resp, err := circuitbreaker.Call(breaker, func() (*transport.Response, error) {
		return r.engine.sender.Send(ctx, req)
	}, func(resp *transport.Response, err error) bool {
		if err != nil {
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		}
		return apierror.CodeOf(statusError(resp)) != apierror.TransientServer
	})
	if err != nil {
		return resp, err
	}
	if serr := statusError(resp); serr != nil {
		return resp, serr
	}
	return resp, nil
}

// handleFailure classifies one failed attempt and either schedules the next
// one (returning nil) or returns the terminal error for the run.
func (r *run) handleFailure(ctx context.Context, endpoint string, err error, serverHint time.Duration) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if errors.Is(err, circuitbreaker.ErrOpen) {
		// A local refusal consumes neither the retry budget nor the
		// progress clock; the breaker's reset timeout is what matters.
		r.lastWasCircuitOpen = true
		metrics.AttemptsTotal.WithLabelValues(endpoint, "circuit_open").Inc()
		return r.sleep(ctx, r.retryer.NextDelay())
	}
	r.lastWasCircuitOpen = false

	code := apierror.CodeOf(err)
	metrics.AttemptsTotal.WithLabelValues(endpoint, "error").Inc()

	// A server response, even an unhealthy one, proves the backend is
	// alive; only connection-level silence starves the progress clock.
	if code == apierror.TransientServer {
		r.retryer.RecordProgress()
	}

	if !r.retryer.ShouldRetry(err) {
		if !apierror.IsRetryable(err) {
			return err
		}
		return apierror.Wrap(apierror.RetriesExhausted,
			fmt.Sprintf("gave up after %d attempts", r.retryer.Attempt()), err)
	}

	delay := r.retryer.NextDelay()
	if serverHint > delay {
		delay = serverHint
	}
	r.retryer.Increment()
	metrics.RetriesTotal.WithLabelValues(endpoint, string(code)).Inc()
	r.engine.logger.Warn("attempt failed, retrying",
		"request_id", r.requestID,
		"endpoint", endpoint,
		"attempt", r.retryer.Attempt(),
		"delay", delay,
		"error", err,
	)
	return r.sleep(ctx, delay)
}

// checkLimits enforces the run-wide stops at the top of each iteration:
// caller cancellation, the hard progress timeout, the overall deadline, and
// the soft stuck warning.
func (r *run) checkLimits(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if r.retryer.ProgressTimedOut() {
		return apierror.New(apierror.ProgressTimeout,
			fmt.Sprintf("no backend progress for over %s", r.engine.cfg.Retry.ProgressTimeout))
	}

	if !r.deadline.IsZero() && !time.Now().Before(r.deadline) {
		if r.lastWasCircuitOpen {
			return apierror.New(apierror.CircuitOpen,
				"deadline expired while the circuit stayed open")
		}
		return apierror.New(apierror.PollTimeout,
			fmt.Sprintf("job unresolved after %s", r.engine.cfg.PollTimeout))
	}

	if elapsed, warn := r.retryer.StuckFor(); warn {
		r.engine.logger.Warn("job making no progress",
			"request_id", r.requestID,
			"stuck_for", elapsed.Round(time.Second),
			"attempts", r.retryer.Attempt(),
		)
		r.engine.telemetry.Emit("stuck_warning",
			map[string]string{"request_id": r.requestID},
			map[string]float64{"stuck_seconds": elapsed.Seconds()},
		)
	}
	return nil
}

// sleep waits for the delay, truncated so the run wakes in time to report
// its deadline rather than overshooting it.
func (r *run) sleep(ctx context.Context, d time.Duration) error {
	if !r.deadline.IsZero() {
		if remaining := time.Until(r.deadline); remaining < d {
			d = remaining
		}
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// noteQueueState records state transitions for metrics and logs.
func (r *run) noteQueueState(state protocol.QueueState) {
	if state == r.lastState {
		return
	}
	from := r.lastState
	if from == "" {
		from = protocol.QueueUnknown
	}
	metrics.QueueStateTransitions.WithLabelValues(string(from), string(state)).Inc()
	r.engine.logger.Info("queue state changed",
		"request_id", r.requestID,
		"from", from,
		"to", state,
	)
	r.lastState = state
}

// statusError maps an HTTP status to its classified error, nil for 2xx/3xx.
func statusError(resp *transport.Response) error {
	if resp == nil {
		return nil
	}
	if err := apierror.FromStatus(resp.StatusCode, http.StatusText(resp.StatusCode)); err != nil {
		return err
	}
	return nil
}

func retryAfterOf(resp *transport.Response) time.Duration {
	if resp == nil {
		return 0
	}
	return resp.RetryAfter
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	switch apierror.CodeOf(err) {
	case apierror.ProgressTimeout:
		return "progress_timeout"
	case apierror.PollTimeout:
		return "poll_timeout"
	case apierror.RetriesExhausted:
		return "retries_exhausted"
	case apierror.CircuitOpen:
		return "circuit_open"
	case apierror.DecodeFailure:
		return "decode_failure"
	case apierror.ApplicationTerminal:
		return "failed"
	default:
		return "error"
	}
}
