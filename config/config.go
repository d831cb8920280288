// Package config assembles the engine configuration from environment
// variables, optionally seeded from a .env file.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/troncoil/util"
	"gitlab.com/arcanecrypto/troncoil/validation"
)

// Config is the full engine configuration. Zero values never survive
// FromEnv: everything not set in the environment gets its documented
// default.
type Config struct {
	// WalletAddress is the merchant wallet incoming payments are
	// matched against. Required.
	WalletAddress string
	DatabasePath  string
	// TronScanAPIURL must be https on an allow-listed explorer host
	TronScanAPIURL string

	APIRequestsPerMinute int
	APICacheTTL          time.Duration

	DBPoolSize          int
	DBConnectionTimeout time.Duration
	DBPoolTimeout       time.Duration
	DBCacheSize         int
	DBMmapSize          int64

	MinUSDTAmount  float64
	MaxUSDTAmount  float64
	MinTRXAmount   float64
	MaxTRXAmount   float64
	MaxAmountLimit float64

	MaxDescriptionLength int

	MaxTransactionAge time.Duration
	FutureTolerance   time.Duration

	MinConfirmationsTRX     int
	MinConfirmationsUSDT    int
	DefaultMinConfirmations int

	BlacklistedAddresses []string

	MaxTotalForms           int
	MinFormCreationInterval time.Duration
	MinUserFormInterval     time.Duration
	MaxUserFormsPerHour     int
	MaxUserCounters         int
	UserCountersCleanup     time.Duration

	DefaultFormExpiresHours int

	CacheExpiry      time.Duration
	MaxFormCacheSize int
}

// FromEnv loads .env if present and reads the full configuration
// surface, validating the values a bad deployment most often gets wrong
func FromEnv() (Config, error) {
	// missing .env is fine, the environment may be set by the host
	_ = godotenv.Load()

	conf := Config{
		WalletAddress:  util.GetEnvOrElse("WALLET_ADDRESS", ""),
		DatabasePath:   util.GetEnvOrElse("DATABASE_PATH", "transaction.db"),
		TronScanAPIURL: util.GetEnvOrElse("TRONSCAN_API_URL", "https://apilist.tronscanapi.com/api"),

		APIRequestsPerMinute: util.GetEnvAsIntOrElse("API_RATE_LIMIT",
			util.GetEnvAsIntOrElse("API_REQUESTS_PER_MINUTE", 20)),
		APICacheTTL: secondsOrElse("API_CACHE_TTL_SECONDS", 30*time.Second),

		DBPoolSize:          util.GetEnvAsIntOrElse("DB_POOL_SIZE", 5),
		DBConnectionTimeout: secondsOrElse("DB_CONNECTION_TIMEOUT", 30*time.Second),
		DBPoolTimeout:       secondsOrElse("DB_POOL_TIMEOUT", 10*time.Second),
		DBCacheSize:         util.GetEnvAsIntOrElse("DB_CACHE_SIZE", 10_000),
		DBMmapSize:          int64(util.GetEnvAsIntOrElse("DB_MMAP_SIZE", 268_435_456)),

		MinUSDTAmount:  util.GetEnvAsFloatOrElse("MIN_USDT_AMOUNT", 0.1),
		MaxUSDTAmount:  util.GetEnvAsFloatOrElse("MAX_USDT_AMOUNT", 10_000),
		MinTRXAmount:   util.GetEnvAsFloatOrElse("MIN_TRX_AMOUNT", 1),
		MaxTRXAmount:   util.GetEnvAsFloatOrElse("MAX_TRX_AMOUNT", 100_000),
		MaxAmountLimit: util.GetEnvAsFloatOrElse("MAX_AMOUNT_LIMIT", validation.MaxAmountLimit),

		MaxDescriptionLength: util.GetEnvAsIntOrElse("MAX_DESCRIPTION_LENGTH", 500),

		MaxTransactionAge: hoursOrElse("MAX_TRANSACTION_AGE_HOURS", 2*time.Hour),
		FutureTolerance:   minutesOrElse("FUTURE_TOLERANCE_MINUTES", 5*time.Minute),

		MinConfirmationsTRX:     util.GetEnvAsIntOrElse("MIN_CONFIRMATIONS_TRX", 19),
		MinConfirmationsUSDT:    util.GetEnvAsIntOrElse("MIN_CONFIRMATIONS_USDT", 19),
		DefaultMinConfirmations: util.GetEnvAsIntOrElse("DEFAULT_MIN_CONFIRMATIONS", 19),

		BlacklistedAddresses: splitAddressList(util.GetEnvOrElse("BLACKLISTED_ADDRESSES", "")),

		MaxTotalForms:           util.GetEnvAsIntOrElse("MAX_TOTAL_FORMS", 1000),
		MinFormCreationInterval: fractionalSecondsOrElse("MIN_FORM_CREATION_INTERVAL_SECONDS", 500*time.Millisecond),
		MinUserFormInterval:     fractionalSecondsOrElse("MIN_USER_FORM_INTERVAL_SECONDS", 2*time.Second),
		MaxUserFormsPerHour:     util.GetEnvAsIntOrElse("MAX_USER_FORMS_PER_HOUR", 20),
		MaxUserCounters:         util.GetEnvAsIntOrElse("MAX_USER_COUNTERS", 10_000),
		UserCountersCleanup:     hoursOrElse("USER_COUNTERS_CLEANUP_HOURS", time.Hour),

		DefaultFormExpiresHours: util.GetEnvAsIntOrElse("DEFAULT_FORM_EXPIRES_HOURS", 24),

		CacheExpiry:      secondsOrElse("CACHE_EXPIRY_SECONDS", 300*time.Second),
		MaxFormCacheSize: util.GetEnvAsIntOrElse("MAX_FORM_CACHE_SIZE", 1000),
	}

	if err := conf.Validate(); err != nil {
		return Config{}, err
	}
	return conf, nil
}

// Validate checks the constraints on the configuration surface
func (c Config) Validate() error {
	if !validation.IsValidAddress(c.WalletAddress) {
		return errors.Errorf("WALLET_ADDRESS %q is not a valid TRON address", util.MaskAddress(c.WalletAddress))
	}
	if !strings.HasPrefix(c.TronScanAPIURL, "https://") {
		return errors.New("TRONSCAN_API_URL must use https")
	}
	if c.APIRequestsPerMinute < 1 || c.APIRequestsPerMinute > 1000 {
		return errors.Errorf("API_RATE_LIMIT must be between 1 and 1000, got %d", c.APIRequestsPerMinute)
	}
	if c.DefaultFormExpiresHours < 1 || c.DefaultFormExpiresHours > 168 {
		return errors.Errorf("DEFAULT_FORM_EXPIRES_HOURS must be between 1 and 168, got %d", c.DefaultFormExpiresHours)
	}
	if c.DBPoolSize < 1 {
		return errors.Errorf("DB_POOL_SIZE must be positive, got %d", c.DBPoolSize)
	}
	return nil
}

// AmountLimits projects the configured per-currency bounds
func (c Config) AmountLimits() validation.AmountLimits {
	return validation.AmountLimits{
		MinUSDT: c.MinUSDTAmount,
		MaxUSDT: c.MaxUSDTAmount,
		MinTRX:  c.MinTRXAmount,
		MaxTRX:  c.MaxTRXAmount,
		Max:     c.MaxAmountLimit,
	}
}

// MinConfirmations returns the confirmation requirement for a currency
func (c Config) MinConfirmations(currency string) int {
	switch currency {
	case validation.CurrencyTRX:
		return c.MinConfirmationsTRX
	case validation.CurrencyUSDT:
		return c.MinConfirmationsUSDT
	}
	return c.DefaultMinConfirmations
}

func splitAddressList(raw string) []string {
	if raw == "" {
		return nil
	}
	var addresses []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			addresses = append(addresses, trimmed)
		}
	}
	return addresses
}

func secondsOrElse(env string, fallback time.Duration) time.Duration {
	return time.Duration(util.GetEnvAsIntOrElse(env, int(fallback/time.Second))) * time.Second
}

func fractionalSecondsOrElse(env string, fallback time.Duration) time.Duration {
	seconds := util.GetEnvAsFloatOrElse(env, fallback.Seconds())
	return time.Duration(seconds * float64(time.Second))
}

func hoursOrElse(env string, fallback time.Duration) time.Duration {
	return time.Duration(util.GetEnvAsIntOrElse(env, int(fallback/time.Hour))) * time.Hour
}

func minutesOrElse(env string, fallback time.Duration) time.Duration {
	return time.Duration(util.GetEnvAsIntOrElse(env, int(fallback/time.Minute))) * time.Minute
}
