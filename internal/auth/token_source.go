package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	defaultExpiryLeeway = 30 * time.Second
	defaultFallbackTTL  = 15 * time.Minute
)

var (
	errMissingToken       = errors.New("token must not be empty")
	errMissingRefresher   = errors.New("refresher must be provided")
	ErrInvalidTokenSource = errors.New("auth: invalid token source config")
	ErrEmptyAccessToken   = errors.New("auth: refresher returned an empty access token")
)

// TokenSource supplies bearer credentials for remote API calls.
type TokenSource interface {
	// Token returns a credential valid at the time of the call.
	Token(ctx context.Context) (string, error)
	// Invalidate discards any cached credential so the next Token call
	// obtains a fresh one. Callers invoke it after the remote rejects the
	// credential mid-lifetime.
	Invalidate()
}

// StaticTokenSource serves one fixed credential, typically an API key from
// configuration. Invalidate is a no-op: there is nothing fresher to fetch.
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource constructs a StaticTokenSource from a non-empty token.
func NewStaticTokenSource(token string) (*StaticTokenSource, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTokenSource, errMissingToken)
	}
	return &StaticTokenSource{token: token}, nil
}

// Token returns the configured credential.
func (s *StaticTokenSource) Token(_ context.Context) (string, error) {
	return s.token, nil
}

// Invalidate does nothing; a static credential cannot be rotated.
func (s *StaticTokenSource) Invalidate() {}

// Refresher exchanges a long-lived credential for a short-lived access token.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// RefreshingTokenSourceConfig bundles dependencies for a RefreshingTokenSource.
type RefreshingTokenSourceConfig struct {
	Refresher    Refresher
	Clock        func() time.Time
	Logger       *zap.Logger
	ExpiryLeeway time.Duration
	FallbackTTL  time.Duration
}

// RefreshingTokenSource caches an access token and refreshes it before
// expiry. Expiry comes from the token's own exp claim when present; tokens
// without one are assumed valid for FallbackTTL after issuance.
type RefreshingTokenSource struct {
	refresher    Refresher
	clock        func() time.Time
	logger       *zap.Logger
	expiryLeeway time.Duration
	fallbackTTL  time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewRefreshingTokenSource constructs a RefreshingTokenSource with validated
// configuration.
func NewRefreshingTokenSource(cfg RefreshingTokenSourceConfig) (*RefreshingTokenSource, error) {
	if cfg.Refresher == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTokenSource, errMissingRefresher)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	leeway := cfg.ExpiryLeeway
	if leeway <= 0 {
		leeway = defaultExpiryLeeway
	}
	fallbackTTL := cfg.FallbackTTL
	if fallbackTTL <= 0 {
		fallbackTTL = defaultFallbackTTL
	}
	return &RefreshingTokenSource{
		refresher:    cfg.Refresher,
		clock:        clock,
		logger:       logger,
		expiryLeeway: leeway,
		fallbackTTL:  fallbackTTL,
	}, nil
}

// Token returns the cached access token, refreshing it when absent or within
// the expiry leeway.
func (s *RefreshingTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	if s.token != "" && now.Before(s.expiresAt.Add(-s.expiryLeeway)) {
		return s.token, nil
	}

	refreshed, err := s.refresher.Refresh(ctx)
	if err != nil {
		return "", err
	}
	if refreshed == "" {
		return "", ErrEmptyAccessToken
	}

	s.token = refreshed
	s.expiresAt = tokenExpiry(refreshed, now.Add(s.fallbackTTL))
	s.logger.Debug("access token refreshed", zap.Time("expires_at", s.expiresAt))
	return s.token, nil
}

// Invalidate drops the cached token. The next Token call refreshes.
func (s *RefreshingTokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

// tokenExpiry reads the exp claim without verifying the signature; the remote
// owns the signing key and verification happens server side. Tokens without
// an exp claim get the fallback expiry.
func tokenExpiry(rawToken string, fallback time.Time) time.Time {
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(rawToken, claims); err != nil {
		return fallback
	}
	if claims.ExpiresAt == nil {
		return fallback
	}
	return claims.ExpiresAt.Time.UTC()
}
