// Package transport sends submit and status requests to the job backend over
// HTTP, handling auth headers, TLS, timeouts, and Retry-After extraction.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dskow/jobclient-core/internal/apierror"
	"github.com/dskow/jobclient-core/internal/auth"
	"github.com/dskow/jobclient-core/internal/config"
)

// maxResponseBytes caps how much of a response body is read. Backend
// responses are small JSON envelopes; anything bigger is misbehavior.
const maxResponseBytes = 4 << 20

// Request is one outgoing backend call.
type Request struct {
	Method string
	Path   string
	Body   []byte
}

// Response is the backend's answer with the fields the poll engine needs.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// RetryAfter is the parsed Retry-After header, 0 when absent or invalid.
	RetryAfter time.Duration
}

// Sender issues backend requests. The poll engine depends on this interface
// so tests can script backend behavior without a listener.
type Sender interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// HTTP is the production Sender backed by net/http.
type HTTP struct {
	baseURL  string
	client   *http.Client
	provider auth.Provider
	logger   *slog.Logger
}

// NewHTTP builds an HTTP sender from the backend config section.
func NewHTTP(cfg config.BackendConfig, provider auth.Provider, logger *slog.Logger) (*HTTP, error) {
	tlsCfg, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg

	if provider == nil {
		provider = auth.NoAuth{}
	}

	return &HTTP{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		provider: provider,
		logger:   logger,
	}, nil
}

func buildTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.MinVersion == "1.3" {
		tlsCfg.MinVersion = tls.VersionTLS13
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}

// Send issues the request and reads the full response body. Network and
// timeout errors come back as transient transport errors so the retry layer
// can classify them without inspecting error strings.
func (h *HTTP) Send(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, h.baseURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, apierror.Wrap(apierror.ApplicationTerminal, "building request", err)
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	h.provider.Apply(httpReq)

	start := time.Now()
	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		// Caller cancellation is not a backend fault; pass it through.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apierror.Wrap(apierror.TransientTransport, "sending request", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, apierror.Wrap(apierror.TransientTransport, "reading response body", err)
	}

	h.logger.Debug("backend request",
		"method", req.Method,
		"path", req.Path,
		"status", httpResp.StatusCode,
		"duration", time.Since(start).Round(time.Millisecond),
	)

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
		RetryAfter: parseRetryAfter(httpResp.Header.Get("Retry-After")),
	}, nil
}

// parseRetryAfter handles both forms of the header: delay in seconds and an
// HTTP date. Invalid values yield 0.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
