package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pasarchain/escrowd/internal/transaction"
)

// storefrontClient resolves products and buyer wallets from the external
// storefront service. It implements transaction.ProductDirectory and
// transaction.BuyerDirectory.
type storefrontClient struct {
	baseURL    string
	httpClient *http.Client
}

func newStorefrontClient(baseURL string) *storefrontClient {
	return &storefrontClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *storefrontClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("storefront request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return transaction.ErrProductNotFound
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("storefront error: status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *storefrontClient) GetProduct(ctx context.Context, id string) (*transaction.Product, error) {
	var resp struct {
		ID         string `json:"id"`
		SellerID   string `json:"sellerId"`
		SellerAddr string `json:"sellerAddress"`
		Title      string `json:"title"`
	}
	if err := c.get(ctx, "/products/"+url.PathEscape(id), &resp); err != nil {
		return nil, err
	}
	return &transaction.Product{
		ID:         resp.ID,
		SellerID:   resp.SellerID,
		SellerAddr: resp.SellerAddr,
		Title:      resp.Title,
	}, nil
}

func (c *storefrontClient) WalletAddress(ctx context.Context, userID string) (string, error) {
	var resp struct {
		Address string `json:"address"`
	}
	if err := c.get(ctx, "/users/"+url.PathEscape(userID)+"/wallet", &resp); err != nil {
		return "", err
	}
	if resp.Address == "" {
		return "", fmt.Errorf("storefront returned no wallet for user %s", userID)
	}
	return resp.Address, nil
}

// demoDirectory is an in-process stand-in for the storefront, used when
// STOREFRONT_URL is not configured. Products and wallets can be seeded at
// runtime through the demo admin endpoint.
type demoDirectory struct {
	mu       sync.RWMutex
	products map[string]*transaction.Product
	wallets  map[string]string
}

func newDemoDirectory() *demoDirectory {
	return &demoDirectory{
		products: make(map[string]*transaction.Product),
		wallets:  make(map[string]string),
	}
}

func (d *demoDirectory) GetProduct(ctx context.Context, id string) (*transaction.Product, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.products[id]
	if !ok {
		return nil, transaction.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (d *demoDirectory) WalletAddress(ctx context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.wallets[userID]
	if !ok {
		return "", fmt.Errorf("no wallet registered for user %s", userID)
	}
	return addr, nil
}

func (d *demoDirectory) SeedProduct(p *transaction.Product) {
	d.mu.Lock()
	cp := *p
	d.products[p.ID] = &cp
	d.mu.Unlock()
}

func (d *demoDirectory) SeedWallet(userID, addr string) {
	d.mu.Lock()
	d.wallets[userID] = addr
	d.mu.Unlock()
}
