// Package config provides YAML configuration loading with validation and
// environment variable substitution for the job client.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/dskow/jobclient-core/internal/backoff"
	"github.com/dskow/jobclient-core/internal/circuitbreaker"
	"github.com/dskow/jobclient-core/internal/dispatch"
)

// Config is the top-level job client configuration.
type Config struct {
	Backend        BackendConfig        `yaml:"backend" json:"backend"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Auth           AuthConfig           `yaml:"auth" json:"auth"`
	Backoff        BackoffConfig        `yaml:"backoff" json:"backoff"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Dispatch       DispatchConfig       `yaml:"dispatch" json:"dispatch"`
	Poll           PollConfig           `yaml:"poll" json:"poll"`
	Debug          DebugConfig          `yaml:"debug" json:"debug"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// BackendConfig identifies the job backend.
type BackendConfig struct {
	BaseURL        string        `yaml:"base_url" json:"base_url"`
	Credential     string        `yaml:"credential" json:"credential"` // identifier only, never a secret
	SubmitPath     string        `yaml:"submit_path" json:"submit_path"`
	StatusPath     string        `yaml:"status_path" json:"status_path"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	TLS            TLSConfig     `yaml:"tls" json:"tls"`
}

// TLSConfig holds client-side TLS settings for the backend connection.
type TLSConfig struct {
	CAFile     string `yaml:"ca_file" json:"ca_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// LoggingConfig holds log output and level settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`   // "debug", "info", "warn", "error"; default: "info"
	Output     string `yaml:"output" json:"output"` // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// MetricsConfig holds the local Prometheus endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// AuthConfig holds bearer token settings for outgoing requests.
type AuthConfig struct {
	Token        string        `yaml:"token" json:"-"`
	TokenFile    string        `yaml:"token_file" json:"token_file"`
	ExpiryWarnIn time.Duration `yaml:"expiry_warn_in" json:"expiry_warn_in"`
}

// BackoffConfig holds retry delay settings.
type BackoffConfig struct {
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay" json:"max_delay"`
	Jitter    float64       `yaml:"jitter" json:"jitter"`
	Strategy  string        `yaml:"strategy" json:"strategy"`
}

// RetryConfig bounds retries and the progress clock per operation.
type RetryConfig struct {
	MaxAttempts     uint          `yaml:"max_attempts" json:"max_attempts"` // 0 = unbounded
	ProgressTimeout time.Duration `yaml:"progress_timeout" json:"progress_timeout"`
	WarnAfter       time.Duration `yaml:"warn_after" json:"warn_after"`
}

// CircuitBreakerConfig holds per-endpoint breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" json:"half_open_max_calls"`
}

// DispatchConfig holds submission admission settings.
type DispatchConfig struct {
	NormalSlots    int64         `yaml:"normal_slots" json:"normal_slots"`
	ThrottledSlots int64         `yaml:"throttled_slots" json:"throttled_slots"`
	ByteBudget     int64         `yaml:"byte_budget" json:"byte_budget"`
	SubmitRate     float64       `yaml:"submit_rate" json:"submit_rate"`
	SubmitBurst    int           `yaml:"submit_burst" json:"submit_burst"`
	GraceWindow    time.Duration `yaml:"grace_window" json:"grace_window"`
}

// PollConfig bounds the overall poll loop.
type PollConfig struct {
	// Timeout is the wall-clock cap on one poll run; 0 = unbounded.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DebugConfig holds the local debug/metrics listener settings.
type DebugConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Addr        string   `yaml:"addr" json:"addr"`
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	b := &cfg.Backend
	if b.SubmitPath == "" {
		b.SubmitPath = "/v1/jobs"
	}
	if b.StatusPath == "" {
		b.StatusPath = "/v1/jobs/"
	}
	if b.RequestTimeout == 0 {
		b.RequestTimeout = 30 * time.Second
	}
	if b.TLS.MinVersion == "" {
		b.TLS.MinVersion = "1.2"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:9472"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Auth.ExpiryWarnIn == 0 {
		cfg.Auth.ExpiryWarnIn = 5 * time.Minute
	}

	bo := &cfg.Backoff
	if bo.BaseDelay == 0 {
		bo.BaseDelay = 500 * time.Millisecond
	}
	if bo.MaxDelay == 0 {
		bo.MaxDelay = 10 * time.Second
	}
	if bo.Strategy == "" {
		bo.Strategy = string(backoff.StrategyExponential)
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 10
	}
	if cfg.Retry.ProgressTimeout == 0 {
		cfg.Retry.ProgressTimeout = 2 * time.Minute
	}

	cb := &cfg.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.ResetTimeout == 0 {
		cb.ResetTimeout = 30 * time.Second
	}
	if cb.HalfOpenMaxCalls == 0 {
		cb.HalfOpenMaxCalls = 2
	}

	d := &cfg.Dispatch
	if d.NormalSlots == 0 {
		d.NormalSlots = 16
	}
	if d.ThrottledSlots == 0 {
		d.ThrottledSlots = 2
	}
	if d.ByteBudget == 0 {
		d.ByteBudget = 8 * 1024 * 1024
	}
	if d.SubmitBurst == 0 && d.SubmitRate > 0 {
		d.SubmitBurst = 1
	}
	if d.GraceWindow == 0 {
		d.GraceWindow = 15 * time.Second
	}

	if cfg.Poll.Timeout == 0 {
		cfg.Poll.Timeout = 10 * time.Minute
	}

	if cfg.Debug.Enabled && cfg.Debug.Addr == "" {
		cfg.Debug.Addr = "127.0.0.1:9473"
	}
}

// Validate checks the configuration. Field-level rules run through
// ozzo-validation; cross-field rules delegate to the owning component's
// Validate so the constraints live next to the code that enforces them.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.By(validateBackend)),
		validation.Field(&c.Logging, validation.By(validateLogging)),
		validation.Field(&c.Debug, validation.By(validateDebug)),
	)
	if err != nil {
		return err
	}

	if err := c.BackoffPolicy().Validate(); err != nil {
		return fmt.Errorf("backoff: %w", err)
	}
	if err := c.RetryerConfig().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.DispatcherConfig().Validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	cb := c.CircuitBreaker
	if cb.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if cb.ResetTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.reset_timeout must be positive")
	}
	if cb.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("circuit_breaker.half_open_max_calls must be positive")
	}

	if c.Poll.Timeout < 0 {
		return fmt.Errorf("poll.timeout must be non-negative")
	}
	return nil
}

func validateBackend(value interface{}) error {
	b, ok := value.(BackendConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a BackendConfig")
	}
	if err := validation.ValidateStruct(&b,
		validation.Field(&b.BaseURL, validation.Required),
		validation.Field(&b.SubmitPath, validation.Required),
		validation.Field(&b.StatusPath, validation.Required),
	); err != nil {
		return err
	}

	u, err := url.Parse(b.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return validation.NewError("validation_invalid_url", fmt.Sprintf("base_url %q is not an absolute URL", b.BaseURL))
	}
	if b.RequestTimeout < 0 {
		return validation.NewError("validation_negative_timeout", "request_timeout must be non-negative")
	}
	if b.TLS.MinVersion != "1.2" && b.TLS.MinVersion != "1.3" {
		return validation.NewError("validation_tls_version", fmt.Sprintf("tls.min_version must be \"1.2\" or \"1.3\", got %q", b.TLS.MinVersion))
	}
	return nil
}

func validateLogging(value interface{}) error {
	l, ok := value.(LoggingConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
	}
	if err := validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.Required, validation.In("debug", "info", "warn", "error")),
	); err != nil {
		return err
	}
	if l.Output != "stdout" && l.Output != "stderr" && l.MaxSizeMB < 1 {
		return validation.NewError("validation_log_size", "max_size_mb must be positive when output is a file path")
	}
	return nil
}

func validateDebug(value interface{}) error {
	d, ok := value.(DebugConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a DebugConfig")
	}
	if !d.Enabled {
		return nil
	}
	if len(d.IPAllowlist) == 0 {
		return validation.NewError("validation_allowlist", "ip_allowlist is required when debug is enabled")
	}
	for i, cidr := range d.IPAllowlist {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return validation.NewError("validation_cidr", fmt.Sprintf("ip_allowlist[%d]: invalid CIDR %q", i, cidr))
		}
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Token == "" && cfg.Auth.TokenFile == "" {
		warnings = append(warnings, "no auth token configured; requests will be sent unauthenticated")
	}
	if cfg.Retry.WarnAfter == 0 {
		warnings = append(warnings, "retry.warn_after not set; stuck-operation warnings are disabled")
	}
	if cfg.Dispatch.SubmitRate == 0 {
		warnings = append(warnings, "dispatch.submit_rate not set; submission smoothing is disabled")
	}
	return warnings
}

// BackoffPolicy converts the backoff section into a backoff.Policy.
func (c *Config) BackoffPolicy() backoff.Policy {
	return backoff.Policy{
		BaseDelay: c.Backoff.BaseDelay,
		MaxDelay:  c.Backoff.MaxDelay,
		Jitter:    c.Backoff.Jitter,
		Strategy:  backoff.Strategy(c.Backoff.Strategy),
	}
}

// RetryerConfig converts the retry section into a backoff.RetryConfig.
func (c *Config) RetryerConfig() backoff.RetryConfig {
	return backoff.RetryConfig{
		Policy:          c.BackoffPolicy(),
		MaxAttempts:     c.Retry.MaxAttempts,
		ProgressTimeout: c.Retry.ProgressTimeout,
		WarnAfter:       c.Retry.WarnAfter,
	}
}

// BreakerConfig converts the circuit_breaker section.
func (c *Config) BreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: c.CircuitBreaker.FailureThreshold,
		ResetTimeout:     c.CircuitBreaker.ResetTimeout,
		HalfOpenMaxCalls: c.CircuitBreaker.HalfOpenMaxCalls,
	}
}

// DispatcherConfig converts the dispatch section.
func (c *Config) DispatcherConfig() dispatch.Config {
	return dispatch.Config{
		NormalSlots:    c.Dispatch.NormalSlots,
		ThrottledSlots: c.Dispatch.ThrottledSlots,
		ByteBudget:     c.Dispatch.ByteBudget,
		SubmitRate:     c.Dispatch.SubmitRate,
		SubmitBurst:    c.Dispatch.SubmitBurst,
		GraceWindow:    c.Dispatch.GraceWindow,
		AcquirePolicy:  c.BackoffPolicy(),
	}
}
