// Package config loads sentinel settings from flags, environment and an
// optional config file, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL    string
	PackageID string
	ChainID   uint64

	DatabaseDSN string
	NATSURL     string

	OracleEndpoint string
	PriceObjectID  string

	SenderAddress  string
	OpsKeySeed     string
	SponsorKeySeed string
	GasBudget      uint64

	SyncInterval uint64
	StartHeight  uint64
	BatchSize    uint64
	MaxRetries   int
	RetryBackoff time.Duration

	RiskInterval       time.Duration
	MaxPriceAge        time.Duration
	MaxConfidenceRatio decimal.Decimal
	FailureCooldown    time.Duration

	FundingInterval    time.Duration
	FundingSensitivity decimal.Decimal

	PricePushInterval time.Duration
	LockTimeout       time.Duration

	ObservabilityAddr string
	LogLevel          string
}

// SyncIntervalDuration returns the sync tick as a duration; SyncInterval is
// kept in seconds for backwards compatible env files.
func (c Config) SyncIntervalDuration() time.Duration {
	return time.Duration(c.SyncInterval) * time.Second
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("chain-id", uint64(1))
	v.SetDefault("sync-interval", uint64(5))
	v.SetDefault("batch-size", uint64(1000))
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("risk-interval", 10*time.Second)
	v.SetDefault("max-price-age", 10*time.Second)
	v.SetDefault("max-confidence-ratio", "0.01")
	v.SetDefault("failure-cooldown", 30*time.Second)
	v.SetDefault("funding-interval", time.Hour)
	v.SetDefault("funding-sensitivity", "1")
	v.SetDefault("price-push-interval", 5*time.Second)
	v.SetDefault("lock-timeout", 30*time.Second)
	v.SetDefault("gas-budget", uint64(50_000_000))
	v.SetDefault("observability-addr", ":9090")
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	confidence, err := getDecimal(v, "max-confidence-ratio")
	if err != nil {
		return Config{}, err
	}
	sensitivity, err := getDecimal(v, "funding-sensitivity")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RPCURL:    v.GetString("rpc"),
		PackageID: v.GetString("package-id"),
		ChainID:   v.GetUint64("chain-id"),

		DatabaseDSN: v.GetString("database-dsn"),
		NATSURL:     v.GetString("nats-url"),

		OracleEndpoint: v.GetString("oracle-endpoint"),
		PriceObjectID:  v.GetString("price-object-id"),

		SenderAddress:  v.GetString("sender-address"),
		OpsKeySeed:     v.GetString("ops-key-seed"),
		SponsorKeySeed: v.GetString("sponsor-key-seed"),
		GasBudget:      v.GetUint64("gas-budget"),

		SyncInterval: v.GetUint64("sync-interval"),
		StartHeight:  v.GetUint64("start-height"),
		BatchSize:    v.GetUint64("batch-size"),
		MaxRetries:   v.GetInt("max-retries"),
		RetryBackoff: v.GetDuration("retry-backoff"),

		RiskInterval:       v.GetDuration("risk-interval"),
		MaxPriceAge:        v.GetDuration("max-price-age"),
		MaxConfidenceRatio: confidence,
		FailureCooldown:    v.GetDuration("failure-cooldown"),

		FundingInterval:    v.GetDuration("funding-interval"),
		FundingSensitivity: sensitivity,

		PricePushInterval: v.GetDuration("price-push-interval"),
		LockTimeout:       v.GetDuration("lock-timeout"),

		ObservabilityAddr: v.GetString("observability-addr"),
		LogLevel:          v.GetString("log-level"),
	}

	return cfg, nil
}

// Validate rejects configurations the long-running service cannot start
// with. One-shot commands validate the subset they need themselves.
func (c Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc endpoint is required")
	}
	if c.PackageID == "" {
		return fmt.Errorf("package-id is required")
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database-dsn is required")
	}
	if c.OracleEndpoint == "" {
		return fmt.Errorf("oracle-endpoint is required")
	}
	return nil
}

func getDecimal(v *viper.Viper, key string) (decimal.Decimal, error) {
	raw := v.GetString(key)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
