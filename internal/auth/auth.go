// Package auth attaches credentials to outgoing backend requests and warns
// when a bearer token is close to expiring.
package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Provider decorates outgoing requests with authentication material.
type Provider interface {
	// Apply sets auth headers on the request.
	Apply(r *http.Request)
}

// NoAuth sends requests unauthenticated.
type NoAuth struct{}

func (NoAuth) Apply(*http.Request) {}

// BearerToken attaches a static bearer token. When the token is a JWT its
// expiry is inspected (without signature verification, the client only holds
// the token, not the key) so approaching expiry can be logged before the
// backend starts rejecting requests.
type BearerToken struct {
	logger       *slog.Logger
	expiryWarnIn time.Duration

	mu       sync.Mutex
	token    string
	expiry   time.Time // zero when the token is opaque or has no exp claim
	warnedAt time.Time
}

// NewBearerToken creates a provider for the given token. expiryWarnIn sets
// how far ahead of expiry the warning fires; 0 disables the warning.
func NewBearerToken(token string, expiryWarnIn time.Duration, logger *slog.Logger) *BearerToken {
	b := &BearerToken{
		logger:       logger,
		expiryWarnIn: expiryWarnIn,
	}
	b.setToken(token)
	return b
}

// NewBearerTokenFromFile reads the token from a file. The file is read once;
// call SetToken after rotating it on disk.
func NewBearerTokenFromFile(path string, expiryWarnIn time.Duration, logger *slog.Logger) (*BearerToken, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return nil, fmt.Errorf("token file %s is empty", path)
	}
	return NewBearerToken(token, expiryWarnIn, logger), nil
}

// SetToken swaps in a rotated token and resets the expiry warning.
func (b *BearerToken) SetToken(token string) {
	b.setToken(token)
}

func (b *BearerToken) setToken(token string) {
	expiry := tokenExpiry(token)

	b.mu.Lock()
	b.token = token
	b.expiry = expiry
	b.warnedAt = time.Time{}
	b.mu.Unlock()

	if !expiry.IsZero() && b.logger != nil {
		b.logger.Debug("bearer token loaded", "expires_at", expiry)
	}
}

// Apply sets the Authorization header and logs once per token when expiry is
// within the warning horizon.
func (b *BearerToken) Apply(r *http.Request) {
	b.mu.Lock()
	token := b.token
	expiry := b.expiry
	warn := false
	if b.expiryWarnIn > 0 && !expiry.IsZero() && b.warnedAt.IsZero() &&
		time.Until(expiry) < b.expiryWarnIn {
		b.warnedAt = time.Now()
		warn = true
	}
	b.mu.Unlock()

	if warn && b.logger != nil {
		if time.Now().After(expiry) {
			b.logger.Error("bearer token has expired", "expired_at", expiry)
		} else {
			b.logger.Warn("bearer token expires soon",
				"expires_at", expiry,
				"remaining", time.Until(expiry).Round(time.Second),
			)
		}
	}

	r.Header.Set("Authorization", "Bearer "+token)
}

// tokenExpiry extracts the exp claim from a JWT without verifying the
// signature. Opaque tokens and JWTs without exp yield a zero time.
func tokenExpiry(token string) time.Time {
	if strings.Count(token, ".") != 2 {
		return time.Time{}
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
