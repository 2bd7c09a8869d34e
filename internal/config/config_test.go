package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, int64(DefaultFeePct), cfg.PlatformFeePct)
	assert.Equal(t, 30*time.Minute, cfg.OrderExpiry)
	require.Len(t, cfg.Currencies, 1)
	assert.Equal(t, "USDT_BEP20", cfg.Currencies[0].Code)
	assert.Equal(t, uint64(15), cfg.Currencies[0].Confirmations)
	assert.Equal(t, 18, cfg.Currencies[0].TokenDecimals)
}

func TestLoadCurrencyOverrides(t *testing.T) {
	t.Setenv("CURRENCIES", "usdt_bep20, eth")
	t.Setenv("CONFIRMATIONS_ETH", "20")
	t.Setenv("RPC_URL_ETH", "https://eth.example.org")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Currencies, 2)

	eth, ok := cfg.Currency("ETH")
	require.True(t, ok)
	assert.Equal(t, uint64(20), eth.Confirmations)
	assert.Equal(t, "https://eth.example.org", eth.RPCURL)

	thresholds := cfg.ConfirmationThresholds()
	assert.Equal(t, uint64(15), thresholds["USDT_BEP20"])
	assert.Equal(t, uint64(20), thresholds["ETH"])
}

func TestValidateRejectsUnknownCurrencyWithoutThreshold(t *testing.T) {
	t.Setenv("CURRENCIES", "DOGE")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRejectsBadFee(t *testing.T) {
	t.Setenv("PLATFORM_FEE_PCT", "101")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRejectsDuplicateCurrency(t *testing.T) {
	t.Setenv("CURRENCIES", "ETH,ETH")
	_, err := Load()
	assert.Error(t, err)
}
