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

// Config holds the configuration for connecting to the bridge API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Bearer token for the bridge API, if required
}

// BridgeClient is a pure HTTP client for the bridge's own API.
type BridgeClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewBridgeClient creates a new client for the bridge API.
func NewBridgeClient(cfg Config) *BridgeClient {
	return &BridgeClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the bridge.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the bridge and returns the response body.
func (c *BridgeClient) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
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

// PaymentStatus returns the live status view of a payment (this triggers a
// reconciling poll on the bridge side).
func (c *BridgeClient) PaymentStatus(ctx context.Context, paymentID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID)+"/status", nil)
}

// PaymentRecord returns the full local record, including the side-effect
// ledger and audit trail.
func (c *BridgeClient) PaymentRecord(ctx context.Context, paymentID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil)
}

// ConfirmTransaction submits a manually-keyed transaction hash.
func (c *BridgeClient) ConfirmTransaction(ctx context.Context, paymentID, txHash string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(paymentID)+"/confirm",
		map[string]string{"tx_hash": txHash})
}

// CreatePayment provisions a new payment for an order.
func (c *BridgeClient) CreatePayment(ctx context.Context, orderID, orderName, network, token, amount string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/payments", map[string]string{
		"order_id":   orderID,
		"order_name": orderName,
		"network":    network,
		"token":      token,
		"amount":     amount,
	})
}
