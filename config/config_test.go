package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("PAYMENT_EXPIRATION", "")
	t.Setenv("TRANSFER_FEE_PERCENT", "")
	t.Setenv("PAYMENT_PROVIDER", "")

	cfg := LoadConfig()

	assert.Equal(t, 24*time.Hour, cfg.PaymentExpiration)
	assert.Equal(t, 7*24*time.Hour, cfg.TransferExpiration)
	assert.True(t, decimal.NewFromInt(5).Equal(cfg.TransferFeePercent))
	assert.Equal(t, 10, cfg.MaxTicketsPerPurchase)
	assert.Equal(t, "sandbox", cfg.PaymentProvider)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("TRANSFER_EXPIRATION", "48h")
	t.Setenv("MAX_TICKETS_PER_PURCHASE", "4")
	t.Setenv("TRANSFER_FEE_PERCENT", "2.5")
	t.Setenv("RECONCILE_INTERVAL", "not-a-duration")

	cfg := LoadConfig()

	assert.Equal(t, 48*time.Hour, cfg.TransferExpiration)
	assert.Equal(t, 4, cfg.MaxTicketsPerPurchase)
	assert.Equal(t, "2.5", cfg.TransferFeePercent.String())
	assert.Equal(t, 15*time.Minute, cfg.ReconcileInterval)
}

func TestConfig_Validate(t *testing.T) {
	cfg := LoadConfig()
	cfg.TransferFeePercent = decimal.NewFromInt(100)
	cfg.HealthInterval = 0
	cfg.PaymentProvider = "mercadopago"
	cfg.MPAccessToken = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRANSFER_FEE_PERCENT")
	assert.Contains(t, err.Error(), "HEALTH_INTERVAL")
	assert.Contains(t, err.Error(), "MP_ACCESS_TOKEN")
}
