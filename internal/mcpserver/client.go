package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the privgate API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Optional bearer token
}

// PrivgateClient is a pure HTTP client for the privgate decision API.
type PrivgateClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewPrivgateClient creates a new client for the privgate API.
func NewPrivgateClient(cfg Config) *PrivgateClient {
	return &PrivgateClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *PrivgateClient) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
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

// EvaluateAccess submits an access request for a full decision.
func (c *PrivgateClient) EvaluateAccess(ctx context.Context, req map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/access/evaluate", req)
}

// RunQuery submits a differentially private analytics query.
func (c *PrivgateClient) RunQuery(ctx context.Context, query map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/analytics/query", query)
}

// GetConsent returns the consent record for a subject.
func (c *PrivgateClient) GetConsent(ctx context.Context, subject string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/consent/"+url.PathEscape(subject), nil)
}

// UpdateConsent replaces the granted purposes for a subject.
func (c *PrivgateClient) UpdateConsent(ctx context.Context, subject string, purposes []string) (json.RawMessage, error) {
	body := map[string]any{"purposes": purposes}
	return c.doRequest(ctx, http.MethodPut, "/v1/consent/"+url.PathEscape(subject), body)
}

// GetBudget returns the privacy budget state for an entity.
func (c *PrivgateClient) GetBudget(ctx context.Context, entity string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/privacy/budget/"+url.PathEscape(entity), nil)
}

// GetStats returns engine operational statistics.
func (c *PrivgateClient) GetStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/engine/stats", nil)
}
