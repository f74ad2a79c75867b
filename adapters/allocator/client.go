// Package allocator is the REST client for the allocator service.
package allocator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/compact/core"
	"github.com/layer-3/compact/ports"
	"go.uber.org/zap"
)

// SessionHeader carries the session id on authenticated calls
const SessionHeader = "x-session-id"

// APIError is a non-2xx answer from the allocator
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("allocator returned %d", e.Status)
	}
	return fmt.Sprintf("allocator returned %d: %s", e.Status, e.Message)
}

// Unwrap maps 401/403 to core.ErrUnauthorized
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return core.ErrUnauthorized
	}
	return nil
}

// Client implements ports.AllocatorAPI over HTTP
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a client for the allocator at baseURL
func NewClient(baseURL string, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid allocator url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid allocator url %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: u, http: httpClient, logger: logger}, nil
}

var _ ports.AllocatorAPI = (*Client)(nil)

// Health fetches the allocator status
func (c *Client) Health(ctx context.Context) (ports.Health, error) {
	var dto healthDTO
	if err := c.do(ctx, http.MethodGet, "/health", "", nil, &dto); err != nil {
		return ports.Health{}, err
	}
	return dto.toHealth()
}

// Challenge fetches the sign-in payload for (chainID, address)
func (c *Client) Challenge(ctx context.Context, chainID uint64, address common.Address) (core.Challenge, error) {
	var env challengeEnvelope
	path := "/session/" + strconv.FormatUint(chainID, 10) + "/" + address.Hex()
	if err := c.do(ctx, http.MethodGet, path, "", nil, &env); err != nil {
		return core.Challenge{}, err
	}
	if env.Session == nil {
		return core.Challenge{}, fmt.Errorf("challenge: missing session: %w", core.ErrMalformedResponse)
	}
	return env.Session.toChallenge()
}

// CreateSession submits the signed challenge and returns the new session
func (c *Client) CreateSession(ctx context.Context, signature string, payload core.Challenge) (core.Session, error) {
	body := createSessionRequest{Signature: signature, Payload: challengeFromCore(payload)}
	var env sessionEnvelope
	if err := c.do(ctx, http.MethodPost, "/session", "", body, &env); err != nil {
		return core.Session{}, err
	}
	return env.Session.toSession()
}

// GetSession validates a session id
func (c *Client) GetSession(ctx context.Context, sessionID string) (core.Session, error) {
	var env sessionEnvelope
	if err := c.do(ctx, http.MethodGet, "/session", sessionID, nil, &env); err != nil {
		return core.Session{}, err
	}
	return env.Session.toSession()
}

// DeleteSession signs out
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/session", sessionID, nil, nil)
}

// RequestCompact asks the allocator to sign an allocation
func (c *Client) RequestCompact(ctx context.Context, sessionID string, req ports.CompactRequest) (ports.CompactResponse, error) {
	body := compactRequestDTO{
		ChainID: strconv.FormatUint(req.ChainID, 10),
		Compact: compactDTO{
			Arbiter: req.Arbiter.Hex(),
			Sponsor: req.Sponsor.Hex(),
			Expires: strconv.FormatInt(req.Expires, 10),
			ID:      req.LockID,
			Amount:  req.Amount.String(),
		},
	}
	var dto compactResponseDTO
	if err := c.do(ctx, http.MethodPost, "/compact", sessionID, body, &dto); err != nil {
		return ports.CompactResponse{}, err
	}
	return dto.toResponse()
}

// Balances fetches the authenticated per-lock balance snapshot
func (c *Client) Balances(ctx context.Context, sessionID string) ([]core.AllocatorBalance, error) {
	var env balancesEnvelope
	if err := c.do(ctx, http.MethodGet, "/balances", sessionID, nil, &env); err != nil {
		return nil, err
	}
	if env.Balances == nil {
		return nil, fmt.Errorf("balances: missing list: %w", core.ErrMalformedResponse)
	}
	out := make([]core.AllocatorBalance, 0, len(*env.Balances))
	for _, b := range *env.Balances {
		bal, err := b.toBalance()
		if err != nil {
			return nil, err
		}
		out = append(out, bal)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path, sessionID string, in, out any) error {
	if sessionID == "" && requiresSession(method, path) {
		return core.ErrNoSession
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: failed to read body: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e errorDTO
		if json.Unmarshal(raw, &e) == nil {
			apiErr.Message = e.Error
			if apiErr.Message == "" {
				apiErr.Message = e.Message
			}
		}
		c.logger.Debug("allocator error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		if out != nil {
			return fmt.Errorf("%s %s: empty body: %w", method, path, core.ErrMalformedResponse)
		}
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, core.ErrMalformedResponse)
	}
	return nil
}

func requiresSession(method, path string) bool {
	switch {
	case path == "/session" && method != http.MethodPost:
		return true
	case path == "/compact", path == "/balances":
		return true
	}
	return false
}

// StatusCode extracts the HTTP status from an allocator error, or 0
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
