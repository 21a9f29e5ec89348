package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the bridge MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolPaymentStatus = mcp.NewTool("payment_status",
	mcp.WithDescription(
		"Check the live status of a crypto payment. "+
			"Triggers a fresh poll of the PayzCore monitoring service and returns the "+
			"reconciled status, amounts, and on-chain transactions. "+
			"If PayzCore is unreachable, returns the last cached status marked as stale."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment id (e.g. 'pay_...')")),
)

var ToolPaymentRecord = mcp.NewTool("payment_record",
	mcp.WithDescription(
		"Fetch the full reconciliation record for a payment: canonical status, "+
			"the commerce side effects already applied, and the audit trail of every "+
			"observation received. Use this to investigate a stuck or disputed payment."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment id (e.g. 'pay_...')")),
)

var ToolConfirmTransaction = mcp.NewTool("confirm_transaction",
	mcp.WithDescription(
		"Submit a customer-provided transaction hash for a payment the monitoring "+
			"service has not detected on its own. The hash is validated and forwarded "+
			"to PayzCore for on-chain verification."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment id the transaction belongs to")),
	mcp.WithString("tx_hash",
		mcp.Required(),
		mcp.Description("The transaction hash (hex, optional 0x prefix)")),
)

var ToolCreatePayment = mcp.NewTool("create_payment",
	mcp.WithDescription(
		"Provision a new crypto payment for a commerce order. "+
			"Returns the payment id and the deposit address the customer should pay to."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The commerce order id to reconcile against")),
	mcp.WithString("order_name",
		mcp.Description("Human-readable order name (e.g. '#1001')")),
	mcp.WithString("network",
		mcp.Required(),
		mcp.Description("Blockchain network (e.g. 'trc20', 'erc20', 'bep20')")),
	mcp.WithString("token",
		mcp.Required(),
		mcp.Description("Token symbol (e.g. 'USDT', 'USDC')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Expected amount as a decimal string (e.g. '100' or '49.99')")),
)
