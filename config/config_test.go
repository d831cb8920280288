package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/troncoil/validation"
)

const testWallet = "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE"

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("WALLET_ADDRESS", testWallet)

	conf, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, testWallet, conf.WalletAddress)
	assert.Equal(t, "transaction.db", conf.DatabasePath)
	assert.Equal(t, "https://apilist.tronscanapi.com/api", conf.TronScanAPIURL)
	assert.Equal(t, 20, conf.APIRequestsPerMinute)
	assert.Equal(t, 5, conf.DBPoolSize)
	assert.Equal(t, 0.1, conf.MinUSDTAmount)
	assert.Equal(t, 10_000.0, conf.MaxUSDTAmount)
	assert.Equal(t, 2*time.Hour, conf.MaxTransactionAge)
	assert.Equal(t, 5*time.Minute, conf.FutureTolerance)
	assert.Equal(t, 19, conf.MinConfirmationsUSDT)
	assert.Equal(t, 1000, conf.MaxTotalForms)
	assert.Equal(t, 500*time.Millisecond, conf.MinFormCreationInterval)
	assert.Equal(t, 2*time.Second, conf.MinUserFormInterval)
	assert.Equal(t, 20, conf.MaxUserFormsPerHour)
	assert.Equal(t, 24, conf.DefaultFormExpiresHours)
	assert.Empty(t, conf.BlacklistedAddresses)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("WALLET_ADDRESS", testWallet)
	t.Setenv("API_RATE_LIMIT", "40")
	t.Setenv("MIN_FORM_CREATION_INTERVAL_SECONDS", "0.25")
	t.Setenv("BLACKLISTED_ADDRESSES", "TLyqzVGLV1srkB7dToTAEqgDSfPtXRJZYH, TN3W4H6rK2ce4vX9YnFQHwKENnHjoxb3m9")

	conf, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 40, conf.APIRequestsPerMinute)
	assert.Equal(t, 250*time.Millisecond, conf.MinFormCreationInterval)
	assert.Equal(t, []string{
		"TLyqzVGLV1srkB7dToTAEqgDSfPtXRJZYH",
		"TN3W4H6rK2ce4vX9YnFQHwKENnHjoxb3m9",
	}, conf.BlacklistedAddresses)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := Config{
		WalletAddress:           testWallet,
		TronScanAPIURL:          "https://apilist.tronscanapi.com/api",
		APIRequestsPerMinute:    20,
		DefaultFormExpiresHours: 24,
		DBPoolSize:              5,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing wallet", func(c *Config) { c.WalletAddress = "" }},
		{"malformed wallet", func(c *Config) { c.WalletAddress = "not-an-address" }},
		{"http explorer", func(c *Config) { c.TronScanAPIURL = "http://apilist.tronscanapi.com/api" }},
		{"zero rate", func(c *Config) { c.APIRequestsPerMinute = 0 }},
		{"excessive rate", func(c *Config) { c.APIRequestsPerMinute = 2000 }},
		{"expiry too long", func(c *Config) { c.DefaultFormExpiresHours = 200 }},
		{"no pool", func(c *Config) { c.DBPoolSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := valid
			tt.mutate(&conf)
			assert.Error(t, conf.Validate())
		})
	}
}

func TestMinConfirmations(t *testing.T) {
	t.Parallel()
	conf := Config{
		MinConfirmationsTRX:     10,
		MinConfirmationsUSDT:    20,
		DefaultMinConfirmations: 30,
	}
	assert.Equal(t, 10, conf.MinConfirmations(validation.CurrencyTRX))
	assert.Equal(t, 20, conf.MinConfirmations(validation.CurrencyUSDT))
	assert.Equal(t, 30, conf.MinConfirmations("OTHER"))
}
