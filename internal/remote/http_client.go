package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/perimetra/fieldsync/internal/auth"
	"github.com/perimetra/fieldsync/internal/record"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxErrorBodyBytes     = 2048
)

const (
	opCreate = "remote.create"
	opUpdate = "remote.update"
	opDelete = "remote.delete"
)

var (
	ErrInvalidClientConfig = errors.New("remote: invalid client config")
	errMissingBaseURL      = errors.New("base url must be provided")
	errMissingTokenSource  = errors.New("token source must be provided")
	errMissingRemoteID     = errors.New("remote id must be provided")
)

// HTTPClientConfig bundles configuration for the HTTP client.
type HTTPClientConfig struct {
	BaseURL    string
	Tokens     auth.TokenSource
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPClient speaks JSON over HTTP to the remote API. It classifies failures
// into the remote error taxonomy and performs exactly one token refresh per
// call on a 401; it never retries beyond that. Retry policy lives in the
// queue.
type HTTPClient struct {
	baseURL    string
	tokens     auth.TokenSource
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPClient constructs an HTTPClient with validated configuration.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingTokenSource)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:    baseURL,
		tokens:     cfg.Tokens,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type createBody struct {
	ClientRef string          `json:"client_ref"`
	ParentID  string          `json:"parent_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type updateBody struct {
	Payload json.RawMessage `json:"payload"`
}

type recordEnvelope struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Create posts a new record. The client reference lets the remote deduplicate
// replays, so a create whose response was lost returns the original record on
// the next attempt.
func (c *HTTPClient) Create(ctx context.Context, kind record.Kind, req CreateRequest) (CreateResult, error) {
	path, err := collectionPath(kind)
	if err != nil {
		return CreateResult{}, &Error{Op: opCreate, Kind: ErrorKindClient, cause: err}
	}
	body, err := json.Marshal(createBody{
		ClientRef: req.LocalID,
		ParentID:  req.ParentRemoteID,
		Payload:   normalizePayload(req.PayloadJSON),
	})
	if err != nil {
		return CreateResult{}, &Error{Op: opCreate, Kind: ErrorKindClient, cause: err}
	}

	response, err := c.do(ctx, opCreate, http.MethodPost, path, body)
	if err != nil {
		return CreateResult{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusCreated && response.StatusCode != http.StatusOK {
		return CreateResult{}, statusError(opCreate, response)
	}

	var envelope recordEnvelope
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		return CreateResult{}, &Error{Op: opCreate, Kind: ErrorKindServer, Status: response.StatusCode, cause: err}
	}
	if envelope.ID == "" {
		return CreateResult{}, &Error{Op: opCreate, Kind: ErrorKindServer, Status: response.StatusCode, Message: "response missing record id"}
	}
	return CreateResult{RemoteID: envelope.ID, PayloadJSON: string(envelope.Payload)}, nil
}

// Update patches an existing record and returns the remote's canonical
// payload.
func (c *HTTPClient) Update(ctx context.Context, kind record.Kind, req UpdateRequest) (UpdateResult, error) {
	path, err := collectionPath(kind)
	if err != nil {
		return UpdateResult{}, &Error{Op: opUpdate, Kind: ErrorKindClient, cause: err}
	}
	if req.RemoteID == "" {
		return UpdateResult{}, &Error{Op: opUpdate, Kind: ErrorKindClient, cause: errMissingRemoteID}
	}
	body, err := json.Marshal(updateBody{Payload: normalizePayload(req.PayloadJSON)})
	if err != nil {
		return UpdateResult{}, &Error{Op: opUpdate, Kind: ErrorKindClient, cause: err}
	}

	response, err := c.do(ctx, opUpdate, http.MethodPatch, path+"/"+req.RemoteID, body)
	if err != nil {
		return UpdateResult{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return UpdateResult{}, statusError(opUpdate, response)
	}

	var envelope recordEnvelope
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		return UpdateResult{}, &Error{Op: opUpdate, Kind: ErrorKindServer, Status: response.StatusCode, cause: err}
	}
	return UpdateResult{PayloadJSON: string(envelope.Payload)}, nil
}

// Delete removes a record. A 404 surfaces as ErrorKindNotFound; callers
// deleting idempotently treat it as success.
func (c *HTTPClient) Delete(ctx context.Context, kind record.Kind, req DeleteRequest) error {
	path, err := collectionPath(kind)
	if err != nil {
		return &Error{Op: opDelete, Kind: ErrorKindClient, cause: err}
	}
	if req.RemoteID == "" {
		return &Error{Op: opDelete, Kind: ErrorKindClient, cause: errMissingRemoteID}
	}

	response, err := c.do(ctx, opDelete, http.MethodDelete, path+"/"+req.RemoteID, nil)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusNoContent && response.StatusCode != http.StatusOK {
		return statusError(opDelete, response)
	}
	return nil
}

// do sends the request once, replaying a single time after a 401 with a
// freshly fetched token. A second 401 surfaces as unauthorized.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, body []byte) (*http.Response, error) {
	response, err := c.send(ctx, op, method, path, body)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusUnauthorized {
		return response, nil
	}

	drainAndClose(response)
	c.tokens.Invalidate()
	c.logger.Debug("token rejected, replaying once", zap.String("op", op))

	response, err = c.send(ctx, op, method, path, body)
	if err != nil {
		return nil, err
	}
	if response.StatusCode == http.StatusUnauthorized {
		message := readErrorMessage(response)
		drainAndClose(response)
		return nil, &Error{Op: op, Kind: ErrorKindUnauthorized, Status: http.StatusUnauthorized, Message: message}
	}
	return response, nil
}

func (c *HTTPClient) send(ctx context.Context, op, method, path string, body []byte) (*http.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return nil, c.classifyTransport(op, err)
		}
		return nil, &Error{Op: op, Kind: ErrorKindUnauthorized, cause: err}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &Error{Op: op, Kind: ErrorKindClient, cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.classifyTransport(op, err)
	}
	return response, nil
}

func (c *HTTPClient) classifyTransport(op string, err error) error {
	kind := ErrorKindConnectivity
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = ErrorKindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrorKindTimeout
	}
	return &Error{Op: op, Kind: kind, cause: err}
}

func collectionPath(kind record.Kind) (string, error) {
	switch kind {
	case record.KindProject:
		return "/v1/projects", nil
	case record.KindFolder:
		return "/v1/folders", nil
	case record.KindPhoto:
		return "/v1/photos", nil
	case record.KindComment:
		return "/v1/comments", nil
	default:
		return "", record.ErrInvalidKind
	}
}

func normalizePayload(payload string) json.RawMessage {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusNotFound:
		return ErrorKindNotFound
	case status == http.StatusUnauthorized:
		return ErrorKindUnauthorized
	case status == http.StatusRequestTimeout:
		return ErrorKindTimeout
	case status == http.StatusTooManyRequests:
		return ErrorKindServer
	case status >= http.StatusInternalServerError:
		return ErrorKindServer
	default:
		return ErrorKindClient
	}
}

func statusError(op string, response *http.Response) error {
	return &Error{
		Op:      op,
		Kind:    classifyStatus(response.StatusCode),
		Status:  response.StatusCode,
		Message: readErrorMessage(response),
	}
}

// readErrorMessage pulls a short human-readable reason out of an error
// response. The remote wraps errors as {"error": "..."}; anything else is
// kept as a raw snippet.
func readErrorMessage(response *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	if err != nil {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}

func drainAndClose(response *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxErrorBodyBytes))
	_ = response.Body.Close()
}
