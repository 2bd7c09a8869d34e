// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// CurrencyConfig holds per-currency chain settings. Each tracked currency
// gets its own watcher loop, RPC endpoint, and confirmation threshold.
type CurrencyConfig struct {
	Code          string // e.g. "USDT_BEP20"
	RPCURL        string
	TokenContract string // ERC-20 contract; empty for native-coin currencies
	TokenDecimals int    // on-chain decimals of the asset
	Confirmations uint64 // threshold before a deposit is treated as final
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement settings
	PlatformFeePct int64         // percentage of order price retained by the platform
	OrderExpiry    time.Duration // window a pending_payment order stays payable
	WatchInterval  time.Duration // chain watcher tick
	SweepInterval  time.Duration // expiry/release sweep tick

	// Tracked currencies
	Currencies []CurrencyConfig

	// Rate source
	RatesURL string
	RatesTTL time.Duration

	// Tracing
	OTLPEndpoint string

	// Security
	AdminSecret string // required for dispute resolution and listing admin
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultFeePct        = 10
	DefaultOrderExpiry   = 30 * time.Minute
	DefaultWatchInterval = 15 * time.Second
	DefaultSweepInterval = 30 * time.Second
	DefaultRatesTTL      = 60 * time.Second
)

// defaultConfirmations maps currency codes to confirmation thresholds.
// Thresholds vary with each chain's re-org risk.
var defaultConfirmations = map[string]uint64{
	"USDT_BEP20": 15,
	"USDC_BASE":  12,
	"ETH":        12,
	"BTC":        3,
}

// defaultDecimals maps currency codes to on-chain decimals.
var defaultDecimals = map[string]int{
	"USDT_BEP20": 18,
	"USDC_BASE":  6,
	"ETH":        18,
	"BTC":        8,
}

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:      getEnv("LOG_FORMAT", "text"),
		DatabaseURL:    os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PlatformFeePct: getEnvInt64("PLATFORM_FEE_PCT", DefaultFeePct),
		OrderExpiry:    getEnvDuration("ORDER_EXPIRY", DefaultOrderExpiry),
		WatchInterval:  getEnvDuration("WATCH_INTERVAL", DefaultWatchInterval),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		RatesURL:       os.Getenv("RATES_URL"),
		RatesTTL:       getEnvDuration("RATES_TTL", DefaultRatesTTL),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:    os.Getenv("ADMIN_SECRET"),
	}

	for _, code := range splitList(getEnv("CURRENCIES", "USDT_BEP20")) {
		cc := CurrencyConfig{
			Code:          code,
			RPCURL:        os.Getenv("RPC_URL_" + code),
			TokenContract: os.Getenv("TOKEN_CONTRACT_" + code),
			TokenDecimals: int(getEnvInt64("TOKEN_DECIMALS_"+code, int64(defaultDecimals[code]))),
			Confirmations: uint64(getEnvInt64("CONFIRMATIONS_"+code, int64(defaultConfirmations[code]))),
		}
		cfg.Currencies = append(cfg.Currencies, cc)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PlatformFeePct < 0 || c.PlatformFeePct > 100 {
		return fmt.Errorf("PLATFORM_FEE_PCT must be between 0 and 100")
	}
	if c.OrderExpiry <= 0 {
		return fmt.Errorf("ORDER_EXPIRY must be positive")
	}
	if len(c.Currencies) == 0 {
		return fmt.Errorf("CURRENCIES must list at least one currency")
	}
	seen := make(map[string]bool)
	for _, cc := range c.Currencies {
		if seen[cc.Code] {
			return fmt.Errorf("duplicate currency %s in CURRENCIES", cc.Code)
		}
		seen[cc.Code] = true
		if cc.Confirmations == 0 {
			return fmt.Errorf("CONFIRMATIONS_%s is required for unknown currency %s", cc.Code, cc.Code)
		}
		if cc.TokenDecimals <= 0 {
			return fmt.Errorf("TOKEN_DECIMALS_%s is required for unknown currency %s", cc.Code, cc.Code)
		}
	}
	return nil
}

// Currency returns the config for a currency code, if tracked.
func (c *Config) Currency(code string) (CurrencyConfig, bool) {
	for _, cc := range c.Currencies {
		if cc.Code == code {
			return cc, true
		}
	}
	return CurrencyConfig{}, false
}

// ConfirmationThresholds returns code -> threshold for all tracked currencies.
func (c *Config) ConfirmationThresholds() map[string]uint64 {
	out := make(map[string]uint64, len(c.Currencies))
	for _, cc := range c.Currencies {
		out[cc.Code] = cc.Confirmations
	}
	return out
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, strings.ToUpper(part))
		}
	}
	return out
}
