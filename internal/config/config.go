// Package config defines all configuration for the arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"crossarb/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	IsEnabled          bool             `mapstructure:"is_enabled"`
	AutoExecuteTrades  bool             `mapstructure:"auto_execute_trades"`
	PaperTrading       bool             `mapstructure:"paper_trading_enabled"`
	MinProfitPct       float64          `mapstructure:"minimum_profit_percentage"`
	MinTradeQty        float64          `mapstructure:"minimum_trade_quantity"`
	MaxConcurrentOps   int              `mapstructure:"max_concurrent_arbitrage_operations"`
	MaxExecutionTimeMS int              `mapstructure:"max_execution_time_ms"`
	PollingIntervalMS  int              `mapstructure:"polling_interval_ms"`
	TickIntervalMS     int              `mapstructure:"expected_tick_interval_ms"`
	TradingPairs       []PairConfig     `mapstructure:"trading_pairs"`
	RiskProfile        string           `mapstructure:"risk_profile"`
	Exchanges          []ExchangeConfig `mapstructure:"exchanges"`
	Store              StoreConfig      `mapstructure:"store"`
	Paper              PaperConfig      `mapstructure:"paper"`
	Logging            LoggingConfig    `mapstructure:"logging"`
}

// PairConfig is one entry of trading_pairs.
type PairConfig struct {
	Base  string `mapstructure:"base"`
	Quote string `mapstructure:"quote"`
}

// ExchangeConfig holds per-exchange connectivity and credentials.
// Exchange-specific auxiliary credentials (e.g. the Coinbase passphrase)
// live under additional_auth_params.
type ExchangeConfig struct {
	ID                   string            `mapstructure:"exchange_id"`
	IsEnabled            bool              `mapstructure:"is_enabled"`
	APIKey               string            `mapstructure:"api_key"`
	APISecret            string            `mapstructure:"api_secret"`
	AdditionalAuthParams map[string]string `mapstructure:"additional_auth_params"`
	APIURL               string            `mapstructure:"api_url"`
	WSURL                string            `mapstructure:"ws_url"`
	MaxRequestsPerSecond float64           `mapstructure:"max_requests_per_second"`
	APITimeoutMS         int               `mapstructure:"api_timeout_ms"`
	WSReconnectMS        int               `mapstructure:"ws_reconnect_interval_ms"`
	SupportedPairs       []PairConfig      `mapstructure:"supported_trading_pairs"`
}

// StoreConfig sets where records are persisted.
type StoreConfig struct {
	Path string `mapstructure:"path"` // SQLite database file
}

// PaperConfig seeds the simulator's balances. Keys are currency codes.
type PaperConfig struct {
	InitialBalances map[string]float64 `mapstructure:"initial_balances"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_<EXCHANGE>_API_KEY, ARB_<EXCHANGE>_API_SECRET,
// ARB_<EXCHANGE>_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("is_enabled", true)
	v.SetDefault("paper_trading_enabled", true)
	v.SetDefault("minimum_profit_percentage", 0.2)
	v.SetDefault("minimum_trade_quantity", 0.0001)
	v.SetDefault("max_concurrent_arbitrage_operations", 3)
	v.SetDefault("max_execution_time_ms", 3000)
	v.SetDefault("polling_interval_ms", 1000)
	v.SetDefault("expected_tick_interval_ms", 500)
	v.SetDefault("risk_profile", "balanced")
	v.SetDefault("store.path", "data/crossarb.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	for i := range cfg.Exchanges {
		prefix := "ARB_" + strings.ToUpper(cfg.Exchanges[i].ID)
		if key := os.Getenv(prefix + "_API_KEY"); key != "" {
			cfg.Exchanges[i].APIKey = key
		}
		if secret := os.Getenv(prefix + "_API_SECRET"); secret != "" {
			cfg.Exchanges[i].APISecret = secret
		}
		if pass := os.Getenv(prefix + "_PASSPHRASE"); pass != "" {
			if cfg.Exchanges[i].AdditionalAuthParams == nil {
				cfg.Exchanges[i].AdditionalAuthParams = make(map[string]string)
			}
			cfg.Exchanges[i].AdditionalAuthParams["passphrase"] = pass
		}
	}
	if os.Getenv("ARB_PAPER_TRADING") == "true" || os.Getenv("ARB_PAPER_TRADING") == "1" {
		cfg.PaperTrading = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.TradingPairs) == 0 {
		return &types.ConfigError{Field: "trading_pairs", Reason: "at least one pair is required"}
	}
	for _, p := range c.TradingPairs {
		if p.Base == "" || p.Quote == "" {
			return &types.ConfigError{Field: "trading_pairs", Reason: "base and quote are required"}
		}
	}
	enabled := 0
	for _, ex := range c.Exchanges {
		if !ex.IsEnabled {
			continue
		}
		enabled++
		switch strings.ToLower(ex.ID) {
		case string(types.ExchangeCoinbase), string(types.ExchangeKraken):
		default:
			return &types.ConfigError{Field: "exchanges.exchange_id", Reason: fmt.Sprintf("unsupported exchange %q", ex.ID)}
		}
		if !c.PaperTrading {
			if ex.APIKey == "" || ex.APISecret == "" {
				return &types.ConfigError{
					Field:  "exchanges." + ex.ID,
					Reason: "api_key and api_secret are required for live trading",
				}
			}
			if strings.ToLower(ex.ID) == string(types.ExchangeCoinbase) && ex.AdditionalAuthParams["passphrase"] == "" {
				return &types.ConfigError{
					Field:  "exchanges.coinbase.additional_auth_params.passphrase",
					Reason: "required (set ARB_COINBASE_PASSPHRASE)",
				}
			}
		}
	}
	if enabled < 2 {
		return &types.ConfigError{Field: "exchanges", Reason: "at least two enabled exchanges are required"}
	}
	if c.MinProfitPct < 0 {
		return &types.ConfigError{Field: "minimum_profit_percentage", Reason: "must be >= 0"}
	}
	if c.MaxConcurrentOps <= 0 {
		return &types.ConfigError{Field: "max_concurrent_arbitrage_operations", Reason: "must be > 0"}
	}
	if c.MaxExecutionTimeMS <= 0 {
		return &types.ConfigError{Field: "max_execution_time_ms", Reason: "must be > 0"}
	}
	if c.Store.Path == "" {
		return &types.ConfigError{Field: "store.path", Reason: "is required"}
	}
	return nil
}

// Pairs converts trading_pairs to domain pairs.
func (c *Config) Pairs() []types.TradingPair {
	out := make([]types.TradingPair, 0, len(c.TradingPairs))
	for _, p := range c.TradingPairs {
		out = append(out, types.NewTradingPair(p.Base, p.Quote))
	}
	return out
}

// MaxExecutionTime returns the per-trade deadline as a duration.
func (c *Config) MaxExecutionTime() time.Duration {
	return time.Duration(c.MaxExecutionTimeMS) * time.Millisecond
}

// TickInterval returns the expected book update interval used by the
// staleness guard.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

// PollingInterval returns the REST fallback polling cadence.
func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalMS) * time.Millisecond
}

// ExchangeByID finds an exchange section by id.
func (c *Config) ExchangeByID(id types.ExchangeID) (ExchangeConfig, bool) {
	for _, ex := range c.Exchanges {
		if strings.EqualFold(ex.ID, string(id)) {
			return ex, true
		}
	}
	return ExchangeConfig{}, false
}
