// Package commerce is the outbound gateway to the commerce platform's
// admin API: order state reads and the mark-paid / cancel / note / tag
// mutations the reconciliation engine dispatches.
//
// Like the monitoring gateway it has a fixed timeout and no internal
// retry; the engine owns sequencing and retry policy. Every mutation is
// safe to retry on the commerce side (captures and cancels are guarded by
// order-state checks).
package commerce

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

const requestTimeout = 30 * time.Second

// APIError is a non-2xx answer from the commerce platform.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("commerce API error (%d): %s", e.StatusCode, e.Body)
}

// UpstreamStatus returns the upstream HTTP status code.
func (e *APIError) UpstreamStatus() int { return e.StatusCode }

// Client is a pure HTTP client for the commerce admin API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a commerce platform client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

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

	req.Header.Set("Authorization", "Bearer "+c.token)
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

func orderPath(orderID string) string {
	return "/admin/orders/" + url.PathEscape(orderID)
}

// Order is the commerce platform's view of an order.
type Order struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	FinancialStatus string `json:"financial_status"`
	Cancelled       bool   `json:"cancelled"`
}

// GetOrder fetches an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	raw, err := c.doRequest(ctx, http.MethodGet, orderPath(orderID), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Order Order `json:"order"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &out.Order, nil
}

// OrderFinancialState returns the order's financial status and whether it
// has been cancelled.
func (c *Client) OrderFinancialState(ctx context.Context, orderID string) (string, bool, error) {
	order, err := c.GetOrder(ctx, orderID)
	if err != nil {
		return "", false, err
	}
	return order.FinancialStatus, order.Cancelled, nil
}

// RecordCapture records a capture transaction on the order, marking it
// financially paid. The commerce side ignores a capture on an already-paid
// order.
func (c *Client) RecordCapture(ctx context.Context, orderID, amount, currency string) error {
	_, err := c.doRequest(ctx, http.MethodPost, orderPath(orderID)+"/transactions", map[string]string{
		"kind":     "capture",
		"amount":   amount,
		"currency": currency,
	})
	return err
}

// CancelOrder cancels the order with a reason note.
func (c *Client) CancelOrder(ctx context.Context, orderID, reason string) error {
	_, err := c.doRequest(ctx, http.MethodPost, orderPath(orderID)+"/cancel", map[string]string{
		"reason": reason,
	})
	return err
}

// AppendNote appends a timeline note to the order.
func (c *Client) AppendNote(ctx context.Context, orderID, note string) error {
	_, err := c.doRequest(ctx, http.MethodPost, orderPath(orderID)+"/notes", map[string]string{
		"note": note,
	})
	return err
}

// TagOrder adds tags to the order. Existing tags are preserved on the
// commerce side; re-adding a tag is a no-op.
func (c *Client) TagOrder(ctx context.Context, orderID string, tags []string) error {
	_, err := c.doRequest(ctx, http.MethodPost, orderPath(orderID)+"/tags", map[string][]string{
		"tags": tags,
	})
	return err
}
