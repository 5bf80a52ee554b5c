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

// Config holds the configuration for connecting to the escrowd backend.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	UserID      string // Acting user identity, e.g. "usr_..."
	WalletAddr  string // Acting user's wallet address
	AdminSecret string // Optional; unlocks admin tools when set
}

// EscrowdClient is a pure HTTP client for the escrowd API.
type EscrowdClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEscrowdClient creates a new client for the escrowd backend.
func NewEscrowdClient(cfg Config) *EscrowdClient {
	return &EscrowdClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the backend.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the backend and returns the response
// body.
func (c *EscrowdClient) doRequest(ctx context.Context, method, path string, query url.Values) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-User-ID", c.cfg.UserID)
	if c.cfg.WalletAddr != "" {
		req.Header.Set("X-Wallet-Address", c.cfg.WalletAddr)
	}
	if c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
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

// GetTransaction fetches one transaction by ID.
func (c *EscrowdClient) GetTransaction(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/transactions/"+id, nil)
}

// ListMyTransactions lists transactions where the acting user is a party.
func (c *EscrowdClient) ListMyTransactions(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/transactions", q)
}

// GetEscrowStatus reads the combined chain and local view of an escrow.
func (c *EscrowdClient) GetEscrowStatus(ctx context.Context, escrowID int64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrow/"+strconv.FormatInt(escrowID, 10), nil)
}

// ListTransactionDisputes lists every dispute filed against a transaction.
func (c *EscrowdClient) ListTransactionDisputes(ctx context.Context, txID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/transactions/"+txID+"/disputes", nil)
}

// ListOpenDisputes lists open disputes platform-wide. Admin only.
func (c *EscrowdClient) ListOpenDisputes(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/disputes", q)
}
