package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dskow/jobclient-core/internal/apierror"
	"github.com/dskow/jobclient-core/internal/backoff"
	"github.com/dskow/jobclient-core/internal/circuitbreaker"
	"github.com/dskow/jobclient-core/internal/metrics"
	"github.com/dskow/jobclient-core/internal/protocol"
	"github.com/dskow/jobclient-core/internal/ratelimit"
	"github.com/dskow/jobclient-core/internal/telemetry"
	"github.com/dskow/jobclient-core/internal/transport"
)

func init() {
	metrics.Init()
}

// scriptedSender replays a fixed sequence of responses, one per Send call.
type scriptedSender struct {
	mu    sync.Mutex
	steps []func(transport.Request) (*transport.Response, error)
	calls []transport.Request
}

func (s *scriptedSender) Send(_ context.Context, req transport.Request) (*transport.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.steps) == 0 {
		return nil, fmt.Errorf("unexpected call %d: %s %s", len(s.calls), req.Method, req.Path)
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step(req)
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func ok(body []byte) func(transport.Request) (*transport.Response, error) {
	return func(transport.Request) (*transport.Response, error) {
		return &transport.Response{StatusCode: http.StatusOK, Body: body}, nil
	}
}

func status(code int, retryAfter time.Duration) func(transport.Request) (*transport.Response, error) {
	return func(transport.Request) (*transport.Response, error) {
		return &transport.Response{StatusCode: code, RetryAfter: retryAfter}, nil
	}
}

func netErr() func(transport.Request) (*transport.Response, error) {
	return func(transport.Request) (*transport.Response, error) {
		return nil, apierror.Wrap(apierror.TransientTransport, "sending request", errors.New("connection refused"))
	}
}

func submitOK(t *testing.T, id string) []byte {
	t.Helper()
	return []byte(`{"request_id":"` + id + `"}`)
}

func completedBody(t *testing.T, id string) []byte {
	t.Helper()
	body, err := protocol.EncodeCompleted(id, json.RawMessage(`{"answer":42}`))
	if err != nil {
		t.Fatalf("EncodeCompleted: %v", err)
	}
	return body
}

func tryAgainBody(t *testing.T, id string, state protocol.QueueState, retryAfter time.Duration) []byte {
	t.Helper()
	body, err := protocol.EncodeTryAgain(id, state, retryAfter, "")
	if err != nil {
		t.Fatalf("EncodeTryAgain: %v", err)
	}
	return body
}

func failedBody(t *testing.T, id string) []byte {
	t.Helper()
	body, err := protocol.EncodeFailed(id, "INVALID_INPUT", "bad payload")
	if err != nil {
		t.Fatalf("EncodeFailed: %v", err)
	}
	return body
}

func testEngineConfig() Config {
	return Config{
		Retry: backoff.RetryConfig{
			Policy: backoff.Policy{
				BaseDelay: time.Millisecond,
				MaxDelay:  4 * time.Millisecond,
			},
			MaxAttempts: 10,
		},
		PollTimeout: 5 * time.Second,
		SubmitPath:  "/v1/jobs",
		StatusPath:  "/v1/jobs/",
	}
}

func newTestEngine(t *testing.T, cfg Config, sender transport.Sender) (*Engine, *ratelimit.Window) {
	t.Helper()
	logger := slog.Default()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: 100,
		ResetTimeout:     time.Minute,
		HalfOpenMaxCalls: 1,
	}, logger)
	window := ratelimit.NewLimiter(logger).ForKey("https://jobs.test", "cred")
	engine, err := New(cfg, sender, breakers, window, telemetry.Noop{}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return engine, window
}

func TestRun_CompletedImmediately(t *testing.T) {
	sender := &scriptedSender{steps: []func(transport.Request) (*transport.Response, error){
		ok(submitOK(t, "req-1")),
		ok(completedBody(t, "req-1")),
	}}
	engine, _ := newTestEngine(t, testEngineConfig(), sender)

	res, err := engine.Run(context.Background(), "req-1", json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RequestID != "req-1" {
		t.Errorf("request_id = %q", res.RequestID)
	}
	if string(res.Result) != `{"answer":42}` {
		t.Errorf("result = %s", res.Result)
	}
	if res.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 retries", res.Attempts)
	}
	if got := sender.callCount(); got != 2 {
		t.Errorf("backend called %d times, want 2", got)
	}
}

func TestRun_GeneratesRequestID(t *testing.T) {
	sender := &scriptedSender{steps: []func(transport.Request) (*transport.Response, error){
		func(req transport.Request) (*transport.Response, error) {
			var sr protocol.SubmitRequest
			if err := json.Unmarshal(req.Body, &sr); err != nil {
				return nil, err
			}
			if sr.RequestID == "" {
				return nil, errors.New("submit body missing generated request_id")
			}
			return &transport.Response{StatusCode: http.StatusOK, Body: []byte(`{"request_id":"` + sr.RequestID + `"}`)}, nil
		},
		func(req transport.Request) (*transport.Response, error) {
			id := strings.TrimPrefix(req.Path, "/v1/jobs/")
			body, _ := protocol.EncodeCompleted(id, json.RawMessage(`1`))
			return &transport.Response{StatusCode: http.StatusOK, Body: body}, nil
		},
	}}
	engine, _ := newTestEngine(t, testEngineConfig(), sender)

	res, err := engine.Run(context.Background(), "", json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RequestID == "" {
		t.Fatal("no request ID generated")
	}
}

func TestRun_AdoptsBackendAssignedID(t *testing.T) {
	var polledPath string
	sender := &scriptedSender{steps: []func(transport.Request) (*transport.Response, error){
		ok(submitOK(t, "backend-id-7")),
		func(req transport.Request) (*transport.Response, error) {
			polledPath = req.Path
			return &transport.Response{StatusCode: http.StatusOK, Body: completedBody(t, "backend-id-7")}, nil
		},
	}}
	engine, _ := newTestEngine(t, testEngineConfig(), sender)

	res, err := engine.Run(context.Background(), "client-id", json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RequestID != "backend-id-7" {
		t.Errorf("request_id = %q, want backend-assigned", res.RequestID)
	}
	if polledPath != "/v1/jobs/backend-id-7" {
		t.Errorf("polled %q, want backend-assigned ID in path", polledPath)
	}
}

func TestRun_TerminalFailureNeverRetried(t *testing.T) {
	sender := &scriptedSender{steps: []func(transport.Request) (*transport.Response, error){
		ok(submitOK(t, "req-1")),
		ok(failedBody(t, "req-1")),
	}}
	engine, _ := newTestEngine(t, testEngineConfig(), sender)

	_, err := engine.Run(context.Background(), "req-1", json.RawMessage(`{}`), nil)
	if err == nil {
		t.Fatal("expected error for failed job")
	}
	if code := apierror.CodeOf(err); code != apierror.ApplicationTerminal {
		t.Fatalf("code = %q, want APPLICATION_TERMINAL", code)
	}
	if !strings.Contains(err.Error(), "INVALID_INPUT") {
		t.Errorf("error should carry backend code: %v", err)
	}
	if got := sender.callCount(); got != 2 {
		t.Errorf("backend called %d times after terminal failure, want 2", got)
	}
}

func TestRun_TransientThenSuccess(t *testing.T) {
	sender := &scriptedSender{steps: []func(transport.Request) (*transport.Response, error){
		status(http.StatusServiceUnavailable, 0), // submit 503
		netErr(),                                 // submit connection refused
		ok(submitOK(t, "req-1")),
		status(http.StatusInternalServerError, 0), // poll 500
		ok(tryAgainBody(t, "req-1", protocol.QueueActive, 0)),
		ok(completedBody(t, "req-1")),
	}}
	engine, _ := newTestEngine(t, testEngineConfig(), sender)

	res, err := engine.Run(context.Background(), "req-1", json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Attempts == 0 {
		t.Error("attempts should reflect the retries taken")
	}
	if got := sender.callCount(); got != 6 {
		t.Errorf("backend called %d times, want 6", got)
	}
}

func TestRun_RetriesExhausted(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Retry.MaxAttempts = 2

	sender := &scriptedSender{steps: []func(transport.Request) (*transport.Response, error){
		netErr(), netErr(), netErr(),
	}}
	engine, _ := newTestEngine(t, cfg, sender)

	_, err := engine.Run(context.Background(), "req-1", json.RawMessage(`{}`), nil)
	if code := apierror.CodeOf(err); code != apierror.RetriesExhausted {
		t.Fatalf("code = %q (err %v), want RETRIES_EXHAUSTED", code, err)
	}
	if got := sender.callCount(); got != 3 {
		t.Errorf("backend called %d times with a 2-retry budget, want 3", got)
	}
}

func TestRun_AlwaysBusyHitsPollTimeout(t *testing.T) {
	cfg := testEngineConfig()
	// A small bounded budget: busy responses must not consume it, so the
	// deadline is still what ends the run.
	cfg.Retry.MaxAttempts = 3
	cfg.PollTimeout = 50 * time.Millisecond

	busy := func(req transport.Request) (*transport.Response, error) {
		id := strings.TrimPrefix(req.Path, "/v1/jobs/")
		body, _ := protocol.EncodeTryAgain(id, protocol.QueuePausedCapacity, 0, "full")
		return &transport.Response{StatusCode: http.StatusOK, Body: body}, nil
	}
	steps := []func(transport.Request) (*transport.Response, error){ok(submitOK(t, "req-1"))}
	for i := 0; i < 200; i++ {
		steps = append(steps, busy)
	}
	sender := &scriptedSender{steps: steps}
	engine, window := newTestEngine(t, cfg, sender)

	var mu sync.Mutex
	var seen []protocol.QueueState
	observer := func(u Update) {
		mu.Lock()
		seen = append(seen, u.QueueState)
		mu.Unlock()
	}

	_, err := engine.Run(context.Background(), "req-1", json.RawMessage(`{}`), observer)
	if code := apierror.CodeOf(err); code != apierror.PollTimeout {
		t.Fatalf("code = %q (err %v), want POLL_TIMEOUT", code, err)
	}
	if got := sender.callCount(); got <= int(cfg.Retry.MaxAttempts)+2 {
		t.Fatalf("only %d backend calls: busy responses appear to consume the retry budget", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("observer never invoked")
	}
	for _, s := range seen {
		if s != protocol.QueuePausedCapacity {
			t.Fatalf("observer saw %s, want paused_capacity", s)
		}
	}
	if window.Until().IsZero() {
		t.Error("paused queue state should arm the shared backoff window")
	}
}

func TestRun_ServerRetryAfterBeatsPolicy(t *testing.T) {
	cfg := testEngineConfig()
	hint := 80 * time.Millisecond

	sender := &scriptedSender{steps: []func(transport.Request) (*transport.Response, error){
		ok(submitOK(t, "req-1")),
		ok(tryAgainBody(t, "req-1", protocol.QueueActive, hint)),
		ok(completedBody(t, "req-1")),
	}}
	engine, _ := newTestEngine(t, cfg, sender)

	start := time.Now()
	if _, err := engine.Run(context.Background(), "req-1", json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < hint {
		t.Errorf("run took %v, should have honored the %v server hint", elapsed, hint)
	}
}

func TestRun_ProgressTimeout(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Retry.MaxAttempts = 0
	cfg.Retry.ProgressTimeout = 30 * time.Millisecond
	cfg.PollTimeout = 5 * time.Second
	cfg.Retry.Policy.BaseDelay = 10 * time.Millisecond
	cfg.Retry.Policy.MaxDelay = 10 * time.Millisecond

	steps := make([]func(transport.Request) (*transport.Response, error), 0, 50)
	for i := 0; i < 50; i++ {
		steps = append(steps, netErr())
	}
	sender := &scriptedSender{steps: steps}
	engine, _ := newTestEngine(t, cfg, sender)

	_, err := engine.Run(context.Background(), "req-1", json.RawMessage(`{}`), nil)
	if code := apierror.CodeOf(err); code != apierror.ProgressTimeout {
		t.Fatalf("code = %q (err %v), want PROGRESS_TIMEOUT", code, err)
	}
}

func TestRun_BusyResponsesKeepProgressAlive(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.ProgressTimeout = 40 * time.Millisecond

	// Five busy waits of 15ms each far exceed the 40ms progress timeout;
	// the run only completes if every busy reply resets the clock. And with
	// a 2-retry budget, the run only completes if busy replies leave that
	// budget untouched.
	steps := []func(transport.Request) (*transport.Response, error){ok(submitOK(t, "req-1"))}
	for i := 0; i < 5; i++ {
		steps = append(steps, ok(tryAgainBody(t, "req-1", protocol.QueueActive, 15*time.Millisecond)))
	}
	steps = append(steps, ok(completedBody(t, "req-1")))
	sender := &scriptedSender{steps: steps}
	engine, _ := newTestEngine(t, cfg, sender)

	res, err := engine.Run(context.Background(), "req-1", json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Attempts != 0 {
		t.Fatalf("attempts = %d, busy responses must not consume the retry budget", res.Attempts)
	}
}

func TestRun_DecodeFailureIsTerminal(t *testing.T) {
	sender := &scriptedSender{steps: []func(transport.Request) (*transport.Response, error){
		ok(submitOK(t, "req-1")),
		ok([]byte(`{"type":"pending","request_id":"req-1"}`)),
	}}
	engine, _ := newTestEngine(t, testEngineConfig(), sender)

	_, err := engine.Run(context.Background(), "req-1", json.RawMessage(`{}`), nil)
	if code := apierror.CodeOf(err); code != apierror.DecodeFailure {
		t.Fatalf("code = %q (err %v), want DECODE_FAILURE", code, err)
	}
	if got := sender.callCount(); got != 2 {
		t.Errorf("decode failure retried: %d calls", got)
	}
}

func TestRun_CircuitOpenSurfacesAtDeadline(t *testing.T) {
	cfg := testEngineConfig()
	cfg.PollTimeout = 60 * time.Millisecond
	cfg.Retry.MaxAttempts = 0
	cfg.Retry.Policy.BaseDelay = 2 * time.Millisecond
	cfg.Retry.Policy.MaxDelay = 2 * time.Millisecond

	steps := make([]func(transport.Request) (*transport.Response, error), 0, 100)
	for i := 0; i < 100; i++ {
		steps = append(steps, netErr())
	}
	sender := &scriptedSender{steps: steps}

	logger := slog.Default()
	// Threshold 2: the breaker opens almost immediately and stays open past
	// the deadline.
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		HalfOpenMaxCalls: 1,
	}, logger)
	window := ratelimit.NewLimiter(logger).ForKey("https://jobs.test", "cred")
	engine, err := New(cfg, sender, breakers, window, telemetry.Noop{}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = engine.Run(context.Background(), "req-1", json.RawMessage(`{}`), nil)
	if code := apierror.CodeOf(err); code != apierror.CircuitOpen {
		t.Fatalf("code = %q (err %v), want CIRCUIT_OPEN", code, err)
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Retry.MaxAttempts = 0

	steps := make([]func(transport.Request) (*transport.Response, error), 0, 101)
	steps = append(steps, ok(submitOK(t, "req-1")))
	for i := 0; i < 100; i++ {
		steps = append(steps, ok(tryAgainBody(t, "req-1", protocol.QueueActive, 0)))
	}
	sender := &scriptedSender{steps: steps}
	engine, _ := newTestEngine(t, cfg, sender)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := engine.Run(ctx, "req-1", json.RawMessage(`{}`), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestNew_Validation(t *testing.T) {
	sender := &scriptedSender{}
	logger := slog.Default()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenMaxCalls: 1}, logger)
	window := ratelimit.NewLimiter(logger).ForKey("https://jobs.test", "cred")

	bad := testEngineConfig()
	bad.SubmitPath = ""
	if _, err := New(bad, sender, breakers, window, nil, logger); err == nil {
		t.Error("expected error for missing submit path")
	}

	bad = testEngineConfig()
	bad.PollTimeout = -time.Second
	if _, err := New(bad, sender, breakers, window, nil, logger); err == nil {
		t.Error("expected error for negative poll timeout")
	}
}
