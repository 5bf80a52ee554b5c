package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContract = "0x1f9090aaE28b8a3dCeaDf281B0F12828e676c326"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ESCROW_CONTRACT", testContract)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, 5*time.Minute, cfg.ConfirmTimeout)
	assert.Equal(t, 24*time.Hour, cfg.ReconcileGracePeriod)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ESCROW_CONTRACT", testContract)
	t.Setenv("PORT", "9999")
	t.Setenv("CHAIN_ID", "8453")
	t.Setenv("CONFIRM_TIMEOUT", "90s")
	t.Setenv("ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, int64(8453), cfg.ChainID)
	assert.Equal(t, 90*time.Second, cfg.ConfirmTimeout)
	assert.True(t, cfg.IsProduction())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing contract",
			mutate:  func(c *Config) { c.EscrowContract = "" },
			wantErr: "ESCROW_CONTRACT is required",
		},
		{
			name:    "malformed contract",
			mutate:  func(c *Config) { c.EscrowContract = "deadbeef" },
			wantErr: "ESCROW_CONTRACT must be",
		},
		{
			name:    "missing rpc url",
			mutate:  func(c *Config) { c.RPCURL = "" },
			wantErr: "RPC_URL is required",
		},
		{
			name:    "grace shorter than confirm timeout",
			mutate:  func(c *Config) { c.ReconcileGracePeriod = time.Second },
			wantErr: "RECONCILE_GRACE_PERIOD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				EscrowContract:       testContract,
				RPCURL:               DefaultRPCURL,
				ConfirmTimeout:       5 * time.Minute,
				ReconcileGracePeriod: time.Hour,
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
