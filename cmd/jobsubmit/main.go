// Package main is the job submission client. It loads configuration, wires
// the resilience stack (dispatcher, circuit breakers, shared backoff window,
// poll engine), submits each payload, and waits for the results.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dskow/jobclient-core/internal/admin"
	"github.com/dskow/jobclient-core/internal/auth"
	"github.com/dskow/jobclient-core/internal/circuitbreaker"
	"github.com/dskow/jobclient-core/internal/config"
	"github.com/dskow/jobclient-core/internal/dispatch"
	"github.com/dskow/jobclient-core/internal/logging"
	"github.com/dskow/jobclient-core/internal/metrics"
	"github.com/dskow/jobclient-core/internal/poll"
	"github.com/dskow/jobclient-core/internal/ratelimit"
	"github.com/dskow/jobclient-core/internal/telemetry"
	"github.com/dskow/jobclient-core/internal/transport"
)

func main() {
	configPath := flag.String("config", "configs/client.yaml", "path to configuration file")
	requestID := flag.String("request-id", "", "request ID for a single payload (enables idempotent resubmission)")
	flag.Parse()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		bootLogger.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"backend", cfg.Backend.BaseURL,
		"max_attempts", cfg.Retry.MaxAttempts,
		"poll_timeout", cfg.Poll.Timeout,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Auth provider
	var provider auth.Provider = auth.NoAuth{}
	switch {
	case cfg.Auth.TokenFile != "":
		bt, err := auth.NewBearerTokenFromFile(cfg.Auth.TokenFile, cfg.Auth.ExpiryWarnIn, logger)
		if err != nil {
			logger.Error("failed to load auth token", "error", err)
			os.Exit(1)
		}
		provider = bt
	case cfg.Auth.Token != "":
		provider = auth.NewBearerToken(cfg.Auth.Token, cfg.Auth.ExpiryWarnIn, logger)
	}

	sender, err := transport.NewHTTP(cfg.Backend, provider, logger)
	if err != nil {
		logger.Error("failed to create transport", "error", err)
		os.Exit(1)
	}

	// Shared backoff window for this backend and credential.
	limiter := ratelimit.NewLimiter(logger)
	window := limiter.ForKey(cfg.Backend.BaseURL, cfg.Backend.Credential)

	breakers := circuitbreaker.NewRegistry(cfg.BreakerConfig(), logger)

	dispatcher, err := dispatch.New(cfg.DispatcherConfig(), window, logger)
	if err != nil {
		logger.Error("failed to create dispatcher", "error", err)
		os.Exit(1)
	}

	var emitter telemetry.Emitter = telemetry.Slog{Logger: logger}
	if cfg.Metrics.IsEnabled() {
		emitter = telemetry.Multi{telemetry.Slog{Logger: logger}, telemetry.Prom{}}
	}

	engine, err := poll.New(poll.Config{
		Retry:       cfg.RetryerConfig(),
		PollTimeout: cfg.Poll.Timeout,
		SubmitPath:  cfg.Backend.SubmitPath,
		StatusPath:  cfg.Backend.StatusPath,
	}, sender, breakers, window, emitter, logger)
	if err != nil {
		logger.Error("failed to create poll engine", "error", err)
		os.Exit(1)
	}

	// Config hot-reload: breaker and dispatch settings follow the file.
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()
	reloader.OnReload(func(newCfg *config.Config) {
		breakers.UpdateConfig(newCfg.BreakerConfig())
		dispatcher.UpdateConfig(newCfg.DispatcherConfig())
	})

	stopDebug := startDebugServer(cfg, reloader, limiter, breakers, logger)
	defer stopDebug()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	payloads, err := readPayloads(flag.Args())
	if err != nil {
		logger.Error("failed to read payloads", "error", err)
		os.Exit(1)
	}
	if len(payloads) > 1 && *requestID != "" {
		logger.Error("-request-id only applies to a single payload")
		os.Exit(1)
	}

	observer := func(u poll.Update) {
		logger.Info("job queued",
			"request_id", u.RequestID,
			"queue_state", u.QueueState,
			"reason", u.Reason,
			"retry_in", u.RetryAfter,
		)
	}

	var wg sync.WaitGroup
	var failures int
	var mu sync.Mutex
	results := make([]json.RawMessage, len(payloads))

	for i, payload := range payloads {
		wg.Add(1)
		go func(i int, payload json.RawMessage) {
			defer wg.Done()

			id := ""
			if i == 0 {
				id = *requestID
			}

			err := dispatcher.WithRateLimit(ctx, int64(len(payload)), func(ctx context.Context) error {
				res, err := engine.Run(ctx, id, payload, observer)
				if err != nil {
					return err
				}
				results[i] = res.Result
				return nil
			})
			if err != nil {
				mu.Lock()
				failures++
				mu.Unlock()
				logger.Error("job failed", "payload_index", i, "error", err)
			}
		}(i, payload)
	}
	wg.Wait()

	enc := json.NewEncoder(os.Stdout)
	for _, res := range results {
		if res != nil {
			enc.Encode(res) //nolint:errcheck
		}
	}

	if failures > 0 {
		logger.Error("run finished with failures", "failed", failures, "total", len(payloads))
		os.Exit(1)
	}
	logger.Info("all jobs completed", "total", len(payloads))
}

// readPayloads loads one JSON payload per file argument, or a single payload
// from stdin when no arguments are given.
func readPayloads(args []string) ([]json.RawMessage, error) {
	if len(args) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("stdin is not valid JSON")
		}
		return []json.RawMessage{data}, nil
	}

	payloads := make([]json.RawMessage, 0, len(args))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("%s is not valid JSON", path)
		}
		payloads = append(payloads, data)
	}
	return payloads, nil
}

// startDebugServer serves the metrics and debug endpoints on the local
// listener when enabled. Returns a shutdown func; a no-op when disabled.
func startDebugServer(cfg *config.Config, reloader *config.Reloader, limiter *ratelimit.Limiter, breakers *circuitbreaker.Registry, logger *slog.Logger) func() {
	if !cfg.Metrics.IsEnabled() && !cfg.Debug.Enabled {
		return func() {}
	}

	mux := http.NewServeMux()
	addr := cfg.Metrics.Addr

	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint registered", "addr", addr, "path", cfg.Metrics.Path)
	}
	if cfg.Debug.Enabled {
		handler := admin.New(reloader, limiter, breakers, cfg.Debug.IPAllowlist, logger)
		handler.RegisterRoutes(mux)
		if cfg.Debug.Addr != "" {
			addr = cfg.Debug.Addr
		}
		logger.Info("debug endpoints registered", "addr", addr)
	}

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("debug server error", "error", err)
		}
	}()
	return func() { srv.Close() } //nolint:errcheck
}
