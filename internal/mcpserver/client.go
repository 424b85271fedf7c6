package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the swap coordinator.
type Config struct {
	APIURL         string // Base URL, e.g. "http://localhost:8080"
	APIKey         string // API key, e.g. "sk_..."
	AccountAddress string // Account address, e.g. "0x..."
}

// SwapClient is a pure HTTP client for the swap coordinator API.
type SwapClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewSwapClient creates a new client for the swap coordinator.
func NewSwapClient(cfg Config) *SwapClient {
	return &SwapClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the coordinator.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the coordinator and returns the response body.
func (c *SwapClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
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

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
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

// GetBalance returns the account's custody balance.
func (c *SwapClient) GetBalance(ctx context.Context) (json.RawMessage, error) {
	path := "/v1/accounts/" + c.cfg.AccountAddress + "/balance"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetEscrow returns one escrow by ID.
func (c *SwapClient) GetEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+id, nil, nil)
}

// GetIntent returns one swap intent by key.
func (c *SwapClient) GetIntent(ctx context.Context, key string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/intents/"+key, nil, nil)
}

// ListEscrows lists escrows involving an account. An empty address defaults
// to the configured account.
func (c *SwapClient) ListEscrows(ctx context.Context, address string, limit int) (json.RawMessage, error) {
	if address == "" {
		address = c.cfg.AccountAddress
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+address+"/escrows", q, nil)
}

// ListIntents lists a maker's swap intents. An empty address defaults to the
// configured account.
func (c *SwapClient) ListIntents(ctx context.Context, address string, limit int) (json.RawMessage, error) {
	if address == "" {
		address = c.cfg.AccountAddress
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+address+"/intents", q, nil)
}

// NetworkStatus returns the coordinator's chain clock state.
func (c *SwapClient) NetworkStatus(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/network", nil, nil)
}

// CreateIntent publishes a swap intent for the configured account.
func (c *SwapClient) CreateIntent(ctx context.Context, body map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/intents", nil, body)
}

// CancelIntent withdraws one of the account's active intents by nonce.
func (c *SwapClient) CancelIntent(ctx context.Context, nonce uint64) (json.RawMessage, error) {
	path := "/v1/intents/" + strconv.FormatUint(nonce, 10) + "/cancel"
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}

// FulfillIntent takes an active intent as the resolver, creating the source
// escrow.
func (c *SwapClient) FulfillIntent(ctx context.Context, body map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/intents/fulfill", nil, body)
}

// WithdrawEscrow completes an escrow by revealing the secret.
func (c *SwapClient) WithdrawEscrow(ctx context.Context, id string, immutables map[string]any, secret string) (json.RawMessage, error) {
	body := map[string]any{
		"immutables": immutables,
		"secret":     secret,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+id+"/withdraw", nil, body)
}
