// Package indexer reads resource-lock metadata from the GraphQL indexer.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/compact/core"
	"github.com/layer-3/compact/ports"
	"go.uber.org/zap"
)

// StatusError is a non-2xx, non-304 answer from the indexer
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("indexer returned %d", e.Status)
}

// Client implements ports.LockIndexer. Repeated identical queries are served
// through a QueryCache keyed by the request body.
type Client struct {
	endpoint string
	http     *http.Client
	cache    *QueryCache[[]lockItemDTO]
	logger   *zap.Logger
}

// NewClient creates an indexer client for the GraphQL endpoint
// cacheTTL <= 0 keeps cached answers until the process exits.
func NewClient(endpoint string, httpClient *http.Client, cacheTTL time.Duration, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid indexer url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid indexer url %q: scheme must be http or https", endpoint)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{endpoint: u.String(), http: httpClient, cache: NewQueryCache[[]lockItemDTO](cacheTTL), logger: logger}, nil
}

var _ ports.LockIndexer = (*Client)(nil)

// ResourceLocks returns the locks held by account. changed is false when the
// indexer reported no change or returned data equal to the previous answer.
func (c *Client) ResourceLocks(ctx context.Context, account common.Address) ([]core.ResourceLock, bool, error) {
	body, err := json.Marshal(graphQLRequest{
		Query:     resourceLocksQuery,
		Variables: map[string]any{"address": strings.ToLower(account.Hex())},
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode query: %w", err)
	}

	items, changed, err := c.cache.Query(ctx, string(body), func(ctx context.Context, validator string) ([]lockItemDTO, string, bool, error) {
		return c.post(ctx, body, validator)
	})
	if err != nil {
		return nil, false, err
	}

	locks := make([]core.ResourceLock, 0, len(items))
	for _, item := range items {
		l, err := item.toResourceLock()
		if err != nil {
			return nil, false, err
		}
		locks = append(locks, l)
	}
	return locks, changed, nil
}

func (c *Client) post(ctx context.Context, body []byte, validator string) ([]lockItemDTO, string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if validator != "" {
		req.Header.Set("If-None-Match", validator)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", false, fmt.Errorf("indexer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, validator, true, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("indexer error", zap.Int("status", resp.StatusCode))
		return nil, "", false, &StatusError{Status: resp.StatusCode}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, "", false, fmt.Errorf("indexer: failed to read body: %w", err)
	}
	var out graphQLResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, "", false, fmt.Errorf("indexer: %v: %w", err, core.ErrMalformedResponse)
	}
	if len(out.Errors) > 0 {
		return nil, "", false, fmt.Errorf("indexer: query failed: %s", out.Errors[0].Message)
	}
	if out.Data == nil {
		return nil, "", false, malformed("missing data")
	}

	// an account the indexer has never seen holds no locks
	items := []lockItemDTO{}
	if out.Data.Account != nil && out.Data.Account.ResourceLocks != nil {
		items = out.Data.Account.ResourceLocks.Items
	}
	return items, resp.Header.Get("ETag"), false, nil
}
