package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *BridgeClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *BridgeClient) *Handlers {
	return &Handlers{client: client}
}

// HandlePaymentStatus checks the live status of a payment.
func (h *Handlers) HandlePaymentStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paymentID := req.GetString("payment_id", "")
	if paymentID == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	raw, err := h.client.PaymentStatus(ctx, paymentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch status: %v", err)), nil
	}

	text, err := formatStatusView(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse status: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandlePaymentRecord fetches the full reconciliation record.
func (h *Handlers) HandlePaymentRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paymentID := req.GetString("payment_id", "")
	if paymentID == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	raw, err := h.client.PaymentRecord(ctx, paymentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch record: %v", err)), nil
	}

	text, err := formatRecord(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse record: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleConfirmTransaction submits a manually-keyed transaction hash.
func (h *Handlers) HandleConfirmTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paymentID := req.GetString("payment_id", "")
	txHash := req.GetString("tx_hash", "")
	if paymentID == "" || txHash == "" {
		return mcp.NewToolResultError("payment_id and tx_hash are required"), nil
	}

	_, err := h.client.ConfirmTransaction(ctx, paymentID, txHash)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Confirmation failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Transaction submitted for verification.\n\nPayment: %s\nTx hash: %s\n\n"+
			"PayzCore will verify it on-chain; check payment_status for the outcome.",
		paymentID, txHash)), nil
}

// HandleCreatePayment provisions a new payment for an order.
func (h *Handlers) HandleCreatePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	network := req.GetString("network", "")
	token := req.GetString("token", "")
	amount := req.GetString("amount", "")
	if orderID == "" || network == "" || token == "" || amount == "" {
		return mcp.NewToolResultError("order_id, network, token and amount are required"), nil
	}
	orderName := req.GetString("order_name", "")

	raw, err := h.client.CreatePayment(ctx, orderID, orderName, network, token, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create payment: %v", err)), nil
	}

	text, err := formatCreated(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payment: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

type statusView struct {
	PaymentID      string `json:"payment_id"`
	Status         string `json:"status"`
	PaidAmount     string `json:"paid_amount"`
	ExpectedAmount string `json:"expected_amount"`
	Token          string `json:"token"`
	Network        string `json:"network"`
	TxHash         string `json:"tx_hash"`
	ExplorerURL    string `json:"explorer_url"`
	IsTerminal     bool   `json:"is_terminal"`
	IsPaid         bool   `json:"is_paid"`
	Stale          bool   `json:"stale"`
	Transactions   []struct {
		TxHash        string `json:"tx_hash"`
		Amount        string `json:"amount"`
		Confirmations int    `json:"confirmations"`
	} `json:"transactions"`
}

func formatStatusView(raw json.RawMessage) (string, error) {
	var v statusView
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment %s: %s", v.PaymentID, v.Status)
	if v.Stale {
		sb.WriteString(" (cached — monitoring service unreachable)")
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Expected: %s %s on %s\n", v.ExpectedAmount, v.Token, v.Network)
	if v.PaidAmount != "" {
		fmt.Fprintf(&sb, "Paid: %s %s\n", v.PaidAmount, v.Token)
	}
	if v.TxHash != "" {
		fmt.Fprintf(&sb, "Tx: %s", v.TxHash)
		if v.ExplorerURL != "" {
			fmt.Fprintf(&sb, " (%s)", v.ExplorerURL)
		}
		sb.WriteString("\n")
	}
	if len(v.Transactions) > 0 {
		sb.WriteString("\nOn-chain transactions:\n")
		for _, tx := range v.Transactions {
			fmt.Fprintf(&sb, "  %s — %s (%d confirmations)\n", tx.TxHash, tx.Amount, tx.Confirmations)
		}
	}
	if v.IsTerminal {
		sb.WriteString("\nThis payment is settled; no further changes will occur.\n")
	}
	return sb.String(), nil
}

type record struct {
	Payment struct {
		PaymentID       string `json:"paymentId"`
		CanonicalStatus string `json:"canonicalStatus"`
		ExpectedAmount  string `json:"expectedAmount"`
		PaidAmount      string `json:"paidAmount"`
		Token           string `json:"token"`
		Network         string `json:"network"`
		Order           struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"order"`
		SideEffectsApplied []string `json:"sideEffectsApplied"`
		Audit              []struct {
			Source     string `json:"source"`
			Status     string `json:"status"`
			Outcome    string `json:"outcome"`
			ObservedAt string `json:"observedAt"`
		} `json:"audit"`
	} `json:"payment"`
}

func formatRecord(raw json.RawMessage) (string, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", err
	}
	p := r.Payment

	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment %s (order %s %s)\n", p.PaymentID, p.Order.ID, p.Order.Name)
	fmt.Fprintf(&sb, "Canonical status: %s\n", p.CanonicalStatus)
	fmt.Fprintf(&sb, "Expected: %s %s on %s", p.ExpectedAmount, p.Token, p.Network)
	if p.PaidAmount != "" {
		fmt.Fprintf(&sb, "; paid: %s", p.PaidAmount)
	}
	sb.WriteString("\n")

	if len(p.SideEffectsApplied) > 0 {
		sb.WriteString("\nCommerce side effects applied:\n")
		for _, tag := range p.SideEffectsApplied {
			fmt.Fprintf(&sb, "  - %s\n", tag)
		}
	} else {
		sb.WriteString("\nNo commerce side effects applied yet.\n")
	}

	if len(p.Audit) > 0 {
		sb.WriteString("\nObservation history:\n")
		for _, a := range p.Audit {
			fmt.Fprintf(&sb, "  %s [%s] %s -> %s\n", a.ObservedAt, a.Source, a.Status, a.Outcome)
		}
	}
	return sb.String(), nil
}

func formatCreated(raw json.RawMessage) (string, error) {
	var resp struct {
		Payment struct {
			PaymentID      string `json:"paymentId"`
			Address        string `json:"address"`
			ExpectedAmount string `json:"expectedAmount"`
			Token          string `json:"token"`
			Network        string `json:"network"`
			ExpiresAt      string `json:"expiresAt"`
		} `json:"payment"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	p := resp.Payment

	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment created: %s\n\n", p.PaymentID)
	fmt.Fprintf(&sb, "Send %s %s (%s) to:\n  %s\n\n", p.ExpectedAmount, p.Token, p.Network, p.Address)
	fmt.Fprintf(&sb, "Payment window closes at %s.\n", p.ExpiresAt)
	return sb.String(), nil
}
