package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the enrichment service.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Optional bearer token
}

// EnrichClient is a pure HTTP client for the enrichment service API.
type EnrichClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEnrichClient creates a new client for the enrichment service.
func NewEnrichClient(cfg Config) *EnrichClient {
	return &EnrichClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the service.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP GET to the service and returns the response body.
func (c *EnrichClient) doRequest(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// EnrichEntity runs the enrichment pipeline for one entity.
func (c *EnrichClient) EnrichEntity(ctx context.Context, entityType, value string, refresh bool) (json.RawMessage, error) {
	path := "/v1/enrich/" + url.PathEscape(entityType) + "/" + url.PathEscape(value)
	var q url.Values
	if refresh {
		q = url.Values{"refresh": {"true"}}
	}
	return c.doRequest(ctx, path, q)
}

// GetHistory returns prior enrichment records for an entity value.
func (c *EnrichClient) GetHistory(ctx context.Context, entityType, value string, limit int) (json.RawMessage, error) {
	path := "/v1/enrich/" + url.PathEscape(entityType) + "/" + url.PathEscape(value) + "/history"
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	return c.doRequest(ctx, path, q)
}

// GetBreakers returns the state of every provider circuit breaker.
func (c *EnrichClient) GetBreakers(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, "/v1/breakers", nil)
}

// GetCacheStats returns store-wide cache counters.
func (c *EnrichClient) GetCacheStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, "/v1/cache/stats", nil)
}
