package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultRefreshTimeout = 10 * time.Second

var (
	errMissingEndpoint     = errors.New("endpoint must be provided")
	errMissingRefreshToken = errors.New("refresh token must be provided")
)

// HTTPRefresherConfig bundles configuration for an HTTPRefresher.
type HTTPRefresherConfig struct {
	Endpoint     string
	RefreshToken string
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// HTTPRefresher exchanges a long-lived refresh token for a fresh access
// token at the remote's token endpoint.
type HTTPRefresher struct {
	endpoint     string
	refreshToken string
	httpClient   *http.Client
	logger       *zap.Logger
}

// NewHTTPRefresher constructs an HTTPRefresher with validated configuration.
func NewHTTPRefresher(cfg HTTPRefresherConfig) (*HTTPRefresher, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTokenSource, errMissingEndpoint)
	}
	refreshToken := strings.TrimSpace(cfg.RefreshToken)
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTokenSource, errMissingRefreshToken)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRefreshTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPRefresher{
		endpoint:     endpoint,
		refreshToken: refreshToken,
		httpClient:   httpClient,
		logger:       logger,
	}, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
}

// Refresh posts the refresh token and returns the granted access token.
func (r *HTTPRefresher) Refresh(ctx context.Context) (string, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: r.refreshToken})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	response, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		r.logger.Warn("token refresh rejected", zap.Int("status", response.StatusCode))
		return "", fmt.Errorf("token refresh returned status %d", response.StatusCode)
	}

	var granted refreshResponse
	if err := json.NewDecoder(response.Body).Decode(&granted); err != nil {
		return "", err
	}
	if granted.AccessToken == "" {
		return "", ErrEmptyAccessToken
	}
	return granted.AccessToken, nil
}
