package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dskow/jobclient-core/internal/backoff"
)

const minimalYAML = `
backend:
  base_url: https://jobs.example.com
`

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}

	if cfg.Backend.SubmitPath != "/v1/jobs" {
		t.Errorf("submit_path default = %q", cfg.Backend.SubmitPath)
	}
	if cfg.Backend.RequestTimeout != 30*time.Second {
		t.Errorf("request_timeout default = %v", cfg.Backend.RequestTimeout)
	}
	if cfg.Backend.TLS.MinVersion != "1.2" {
		t.Errorf("tls.min_version default = %q", cfg.Backend.TLS.MinVersion)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("logging.level default = %q", cfg.Logging.Level)
	}
	if !cfg.Metrics.IsEnabled() {
		t.Error("metrics should default to enabled")
	}
	if cfg.Backoff.BaseDelay != 500*time.Millisecond || cfg.Backoff.MaxDelay != 10*time.Second {
		t.Errorf("backoff defaults = %v / %v", cfg.Backoff.BaseDelay, cfg.Backoff.MaxDelay)
	}
	if cfg.Backoff.Strategy != string(backoff.StrategyExponential) {
		t.Errorf("backoff.strategy default = %q", cfg.Backoff.Strategy)
	}
	if cfg.Retry.MaxAttempts != 10 {
		t.Errorf("retry.max_attempts default = %d", cfg.Retry.MaxAttempts)
	}
	if cfg.CircuitBreaker.FailureThreshold != 5 {
		t.Errorf("circuit_breaker.failure_threshold default = %d", cfg.CircuitBreaker.FailureThreshold)
	}
	if cfg.Dispatch.NormalSlots != 16 || cfg.Dispatch.ThrottledSlots != 2 {
		t.Errorf("dispatch slot defaults = %d / %d", cfg.Dispatch.NormalSlots, cfg.Dispatch.ThrottledSlots)
	}
	if cfg.Poll.Timeout != 10*time.Minute {
		t.Errorf("poll.timeout default = %v", cfg.Poll.Timeout)
	}
}

func TestLoadFromBytes_EnvSubstitution(t *testing.T) {
	t.Setenv("JOBCLIENT_TEST_TOKEN", "secret-token-value")
	t.Setenv("JOBCLIENT_TEST_HOST", "jobs.internal.example.com")

	yaml := `
backend:
  base_url: https://${JOBCLIENT_TEST_HOST}
auth:
  token: ${JOBCLIENT_TEST_TOKEN}
`
	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if cfg.Backend.BaseURL != "https://jobs.internal.example.com" {
		t.Errorf("base_url = %q", cfg.Backend.BaseURL)
	}
	if cfg.Auth.Token != "secret-token-value" {
		t.Errorf("token = %q", cfg.Auth.Token)
	}
}

func TestLoadFromBytes_UnsetEnvVarLeftIntact(t *testing.T) {
	yaml := `
backend:
  base_url: https://jobs.example.com
auth:
  token: ${JOBCLIENT_DEFINITELY_UNSET_VAR}
`
	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if cfg.Auth.Token != "${JOBCLIENT_DEFINITELY_UNSET_VAR}" {
		t.Errorf("unset env var should pass through unchanged, got %q", cfg.Auth.Token)
	}
}

func TestLoadFromBytes_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing base_url", `logging: {level: info}`},
		{"relative base_url", `backend: {base_url: "jobs.example.com/api"}`},
		{"bad tls version", `
backend:
  base_url: https://jobs.example.com
  tls: {min_version: "1.1"}
`},
		{"bad log level", `
backend: {base_url: "https://jobs.example.com"}
logging: {level: verbose}
`},
		{"bad strategy", `
backend: {base_url: "https://jobs.example.com"}
backoff: {strategy: fibonacci}
`},
		{"negative jitter", `
backend: {base_url: "https://jobs.example.com"}
backoff: {jitter: -0.5}
`},
		{"throttled above normal", `
backend: {base_url: "https://jobs.example.com"}
dispatch: {normal_slots: 2, throttled_slots: 8}
`},
		{"debug without allowlist", `
backend: {base_url: "https://jobs.example.com"}
debug: {enabled: true, addr: "127.0.0.1:9473"}
`},
		{"debug bad cidr", `
backend: {base_url: "https://jobs.example.com"}
debug:
  enabled: true
  ip_allowlist: ["not-a-cidr"]
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadFromBytes([]byte(tc.yaml)); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestLoadFromBytes_Warnings(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}

	var sawAuth bool
	for _, w := range cfg.Warnings {
		if strings.Contains(w, "no auth token") {
			sawAuth = true
		}
	}
	if !sawAuth {
		t.Errorf("expected unauthenticated warning, got %v", cfg.Warnings)
	}
}

func TestConfig_ComponentConversions(t *testing.T) {
	yaml := `
backend:
  base_url: https://jobs.example.com
backoff:
  base_delay: 250ms
  max_delay: 8s
  jitter: 0.2
  strategy: linear
retry:
  max_attempts: 4
  progress_timeout: 90s
  warn_after: 30s
circuit_breaker:
  failure_threshold: 3
  reset_timeout: 20s
dispatch:
  normal_slots: 8
  throttled_slots: 1
  byte_budget: 4096
  submit_rate: 5
  grace_window: 10s
`
	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}

	pol := cfg.BackoffPolicy()
	if pol.BaseDelay != 250*time.Millisecond || pol.Strategy != backoff.StrategyLinear {
		t.Errorf("policy conversion: %+v", pol)
	}

	rc := cfg.RetryerConfig()
	if rc.MaxAttempts != 4 || rc.ProgressTimeout != 90*time.Second || rc.WarnAfter != 30*time.Second {
		t.Errorf("retry conversion: %+v", rc)
	}

	bc := cfg.BreakerConfig()
	if bc.FailureThreshold != 3 || bc.ResetTimeout != 20*time.Second {
		t.Errorf("breaker conversion: %+v", bc)
	}

	dc := cfg.DispatcherConfig()
	if dc.NormalSlots != 8 || dc.ByteBudget != 4096 || dc.SubmitRate != 5 {
		t.Errorf("dispatch conversion: %+v", dc)
	}
	if dc.SubmitBurst != 1 {
		t.Errorf("submit_burst should default to 1 when a rate is set, got %d", dc.SubmitBurst)
	}
	if dc.AcquirePolicy.BaseDelay != 250*time.Millisecond {
		t.Errorf("acquire policy should follow the backoff section: %+v", dc.AcquirePolicy)
	}
}

func TestReloader_SwapsOnValidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	r := NewReloader(path, initial, slog.Default())

	var got *Config
	r.OnReload(func(c *Config) { got = c })

	updated := minimalYAML + "\nretry:\n  max_attempts: 7\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	if !r.Reload() {
		t.Fatal("Reload returned false for a valid config")
	}
	if got == nil || got.Retry.MaxAttempts != 7 {
		t.Fatalf("callback got %+v", got)
	}
	if r.Current().Retry.MaxAttempts != 7 {
		t.Fatalf("Current() not swapped: %+v", r.Current())
	}
}

func TestReloader_KeepsCurrentOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	r := NewReloader(path, initial, slog.Default())

	if err := os.WriteFile(path, []byte(`backend: {base_url: ""}`), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	if r.Reload() {
		t.Fatal("Reload returned true for an invalid config")
	}
	if r.Current() != initial {
		t.Fatal("current config replaced despite failed reload")
	}
}
