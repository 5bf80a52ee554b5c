package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the tool handlers and their shared API client.
type Handlers struct {
	client *EscrowdClient
}

// NewHandlers creates handlers backed by the given client.
func NewHandlers(client *EscrowdClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetTransaction fetches a transaction by ID.
func (h *Handlers) HandleGetTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txID := req.GetString("transaction_id", "")
	if txID == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.GetTransaction(ctx, txID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transaction: %v", err)), nil
	}

	text, err := formatTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListMyTransactions lists the acting user's transactions.
func (h *Handlers) HandleListMyTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 50)

	raw, err := h.client.ListMyTransactions(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transactions: %v", err)), nil
	}

	text, err := formatTransactionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transactions: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetEscrowStatus reads the combined chain and local escrow view.
func (h *Handlers) HandleGetEscrowStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetInt("escrow_id", -1)
	if escrowID < 0 {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrowStatus(ctx, int64(escrowID))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow status: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleListTransactionDisputes lists disputes filed against a transaction.
func (h *Handlers) HandleListTransactionDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txID := req.GetString("transaction_id", "")
	if txID == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.ListTransactionDisputes(ctx, txID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}

	text, err := formatDisputeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse disputes: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListOpenDisputes lists open disputes platform-wide.
func (h *Handlers) HandleListOpenDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 50)

	raw, err := h.client.ListOpenDisputes(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list open disputes: %v", err)), nil
	}

	text, err := formatDisputeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse disputes: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

func formatTransaction(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	// The transaction might be nested under "transaction"
	if t, ok := m["transaction"].(map[string]any); ok {
		m = t
	}

	var sb strings.Builder
	sb.WriteString("Transaction:\n")
	sb.WriteString(fmt.Sprintf("  ID:     %s\n", getString(m, "id")))
	sb.WriteString(fmt.Sprintf("  Status: %s\n", getString(m, "status")))
	if v := getString(m, "productId"); v != "" {
		sb.WriteString(fmt.Sprintf("  Product: %s\n", v))
	}
	sb.WriteString(fmt.Sprintf("  Buyer:  %s\n", getString(m, "buyerId")))
	sb.WriteString(fmt.Sprintf("  Seller: %s\n", getString(m, "sellerId")))
	if v := getString(m, "amount"); v != "" {
		sb.WriteString(fmt.Sprintf("  Amount: %s\n", v))
	}
	if v, ok := getFloat(m, "escrowId"); ok {
		sb.WriteString(fmt.Sprintf("  Escrow: %.0f\n", v))
	}
	if v := getString(m, "smartContractTxHash"); v != "" {
		sb.WriteString(fmt.Sprintf("  Payment Tx: %s\n", v))
	}
	if needsReview, ok := m["needsReview"].(bool); ok && needsReview {
		sb.WriteString("  NEEDS REVIEW: chain and record may be out of sync\n")
	}

	return sb.String(), nil
}

func formatTransactionList(raw json.RawMessage) (string, error) {
	var resp struct {
		Transactions []map[string]any `json:"transactions"`
	}
	// Try as {"transactions": [...]}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Transactions == nil {
		// Try as direct array
		if err := json.Unmarshal(raw, &resp.Transactions); err != nil {
			return "", fmt.Errorf("unexpected transactions response format")
		}
	}

	if len(resp.Transactions) == 0 {
		return "No transactions found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d transaction(s):\n\n", len(resp.Transactions)))
	for i, t := range resp.Transactions {
		sb.WriteString(fmt.Sprintf("%d. %s [%s]\n", i+1, getString(t, "id"), getString(t, "status")))
		if v := getString(t, "amount"); v != "" {
			sb.WriteString(fmt.Sprintf("   Amount: %s\n", v))
		}
	}
	return sb.String(), nil
}

func formatDisputeList(raw json.RawMessage) (string, error) {
	var resp struct {
		Disputes []map[string]any `json:"disputes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Disputes == nil {
		if err := json.Unmarshal(raw, &resp.Disputes); err != nil {
			return "", fmt.Errorf("unexpected disputes response format")
		}
	}

	if len(resp.Disputes) == 0 {
		return "No disputes found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d dispute(s):\n\n", len(resp.Disputes)))
	for i, d := range resp.Disputes {
		sb.WriteString(fmt.Sprintf("%d. %s [%s] on %s\n", i+1,
			getString(d, "id"), getString(d, "status"), getString(d, "transactionId")))
		if v := getString(d, "description"); v != "" {
			sb.WriteString(fmt.Sprintf("   %s\n", v))
		}
		if v := getString(d, "resolutionNote"); v != "" {
			sb.WriteString(fmt.Sprintf("   Ruling: %s\n", v))
		}
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
