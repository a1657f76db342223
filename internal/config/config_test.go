package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, int64(DefaultFeeJobBps), cfg.FeeJobBps)
	assert.Equal(t, DefaultAutoReleaseHours, cfg.AutoReleaseHours)
	assert.Equal(t, DefaultWebhookAttempts, cfg.WebhookMaxAttempts)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_FeeClamp(t *testing.T) {
	t.Setenv("FEE_JOB_BPS", "9000")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(MaxFeeBps), cfg.FeeJobBps)
}

func TestLoad_InvalidProvider(t *testing.T) {
	t.Setenv("PAYMENT_PROVIDER", "mpesa")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate_FloorAboveThreshold(t *testing.T) {
	t.Setenv("AUTO_RELEASE_FLOOR_HOURS", "96")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate_NegativeFee(t *testing.T) {
	t.Setenv("FEE_ORDER_DELIVERY_BPS", "-5")
	_, err := Load()
	assert.Error(t, err)
}
