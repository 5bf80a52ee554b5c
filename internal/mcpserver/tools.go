package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// ToolGetTransaction fetches a single transaction record.
var ToolGetTransaction = mcp.NewTool("get_transaction",
	mcp.WithDescription("Get a sale transaction by ID, including its status, parties, and escrow linkage"),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID (txn_...)"),
	),
)

// ToolListMyTransactions lists the acting user's transactions.
var ToolListMyTransactions = mcp.NewTool("list_my_transactions",
	mcp.WithDescription("List transactions where you are the buyer or the seller, newest first"),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 50)"),
	),
)

// ToolGetEscrowStatus reads the combined chain and local escrow view.
var ToolGetEscrowStatus = mcp.NewTool("get_escrow_status",
	mcp.WithDescription("Get the on-chain escrow state (buyer, seller, amount, state) joined with the local transaction record if one exists"),
	mcp.WithNumber("escrow_id",
		mcp.Required(),
		mcp.Description("On-chain escrow ID"),
	),
)

// ToolListTransactionDisputes lists disputes filed against a transaction.
var ToolListTransactionDisputes = mcp.NewTool("list_transaction_disputes",
	mcp.WithDescription("List every dispute filed against a transaction, including resolved ones"),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID (txn_...)"),
	),
)

// ToolListOpenDisputes lists open disputes platform-wide. Requires the
// admin secret to be configured.
var ToolListOpenDisputes = mcp.NewTool("list_open_disputes",
	mcp.WithDescription("List all currently open disputes awaiting an admin ruling (admin only)"),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of disputes to return (default 50)"),
	),
)
