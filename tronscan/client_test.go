package tronscan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesBaseURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		baseURL string
		valid   bool
	}{
		{"tronscan api", "https://apilist.tronscanapi.com/api", true},
		{"trongrid", "https://api.trongrid.io", true},
		{"tronscan org", "https://api.tronscan.org/api", true},
		{"nile testnet", "https://nile.trongrid.io", true},
		{"explicit 443", "https://apilist.tronscanapi.com:443/api", true},
		{"plain http", "http://apilist.tronscanapi.com/api", false},
		{"unknown host", "https://evil.example.com/api", false},
		{"lookalike host", "https://apilist.tronscanapi.com.evil.example/api", false},
		{"odd port", "https://apilist.tronscanapi.com:8443/api", false},
		{"garbage", "://not a url", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(Config{BaseURL: tt.baseURL})
			if tt.valid {
				require.NoError(t, err)
				require.NotNil(t, client)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()
	client, err := New(Config{BaseURL: "https://apilist.tronscanapi.com/api"})
	require.NoError(t, err)

	assert.Equal(t, 20, client.limiter.requestsPerMinute)
	assert.NotNil(t, client.cache)
	assert.NotNil(t, client.http.CheckRedirect, "redirects must not be followed")
}
