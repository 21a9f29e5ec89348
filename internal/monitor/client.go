// Package monitor is the outbound gateway to the PayzCore blockchain
// monitoring service.
//
// The client is a plain request/response wrapper with a fixed timeout and
// no internal retry; callers own the retry policy. Failures carry the
// upstream status code and body for diagnostics.
package monitor

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

// requestTimeout bounds every call to the monitoring service.
const requestTimeout = 30 * time.Second

// APIError is a non-2xx answer from the monitoring service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payzcore API error (%d): %s", e.StatusCode, e.Body)
}

// UpstreamStatus returns the upstream HTTP status code.
func (e *APIError) UpstreamStatus() int { return e.StatusCode }

// Client is a pure HTTP client for the PayzCore monitoring API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a monitoring service client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// doRequest makes one HTTP request and returns the raw response body.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.baseURL + path)
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

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
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
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return json.RawMessage(respBody), nil
}

// CreateRequest asks PayzCore to provision a new payment address.
type CreateRequest struct {
	OrderID          string `json:"order_id"`
	OrderName        string `json:"order_name,omitempty"`
	Network          string `json:"network"`
	Token            string `json:"token"`
	Amount           string `json:"amount"`
	ExpiresInSeconds int64  `json:"expires_in_seconds,omitempty"`
}

// CreateResponse is the provisioned payment.
type CreateResponse struct {
	PaymentID string    `json:"payment_id"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreatePayment provisions a payment request with the monitoring service.
func (c *Client) CreatePayment(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	raw, err := c.doRequest(ctx, http.MethodPost, "/v1/payments", req)
	if err != nil {
		return nil, err
	}
	var out CreateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}
	return &out, nil
}

// Transaction is one on-chain transaction seen for a payment address.
type Transaction struct {
	TxHash        string    `json:"tx_hash"`
	Amount        string    `json:"amount"`
	Confirmations int       `json:"confirmations"`
	DetectedAt    time.Time `json:"detected_at"`
}

// StatusResponse is the monitoring service's live view of a payment.
type StatusResponse struct {
	PaymentID      string        `json:"payment_id"`
	Status         string        `json:"status"`
	ExpectedAmount string        `json:"expected_amount"`
	PaidAmount     string        `json:"paid_amount"`
	TxHash         string        `json:"tx_hash"`
	Transactions   []Transaction `json:"transactions"`
}

// PaymentStatus fetches the live status of a payment.
func (c *Client) PaymentStatus(ctx context.Context, paymentID string) (*StatusResponse, error) {
	raw, err := c.doRequest(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil)
	if err != nil {
		return nil, err
	}
	var out StatusResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &out, nil
}

// ConfirmTransaction submits a manually-keyed transaction hash for
// verification against a payment address.
func (c *Client) ConfirmTransaction(ctx context.Context, paymentID, txHash string) error {
	_, err := c.doRequest(ctx, http.MethodPost,
		"/v1/payments/"+url.PathEscape(paymentID)+"/confirm",
		map[string]string{"tx_hash": txHash})
	return err
}
