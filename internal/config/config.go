package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the rebalancer.
type Config struct {
	Storage Storage       `yaml:"storage"`
	Logging Logging       `yaml:"logging"`
	Schwab  SchwabConfig  `yaml:"schwab"`
	Tradier TradierConfig `yaml:"tradier"`
	Signals SignalsConfig `yaml:"signals"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SchwabConfig holds the OAuth application credentials and execution
// parameters for the Schwab adapter.
type SchwabConfig struct {
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret"`
	BaseURL         string `yaml:"base_url"`
	OrderType       string `yaml:"order_type"` // "market" or "limit"
	TradingEnabled  bool   `yaml:"trading_enabled"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// TradierConfig holds endpoints and execution parameters for the Tradier
// adapter. SandboxURL is used for credentials stored with the sandbox flag.
type TradierConfig struct {
	BaseURL         string `yaml:"base_url"`
	SandboxURL      string `yaml:"sandbox_url"`
	OrderType       string `yaml:"order_type"`
	TradingEnabled  bool   `yaml:"trading_enabled"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// SignalsConfig locates the upstream signal file consumed by the trader.
type SignalsConfig struct {
	Path string `yaml:"path"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies defaults, and then applies environment variable
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyDefaults fills endpoint and order-type fields that the YAML file may
// omit.
func applyDefaults(cfg *Config) {
	if cfg.Schwab.BaseURL == "" {
		cfg.Schwab.BaseURL = "https://api.schwabapi.com"
	}
	if cfg.Schwab.OrderType == "" {
		cfg.Schwab.OrderType = "market"
	}
	if cfg.Schwab.RateLimitPerMin == 0 {
		cfg.Schwab.RateLimitPerMin = 60
	}
	if cfg.Tradier.BaseURL == "" {
		cfg.Tradier.BaseURL = "https://api.tradier.com"
	}
	if cfg.Tradier.SandboxURL == "" {
		cfg.Tradier.SandboxURL = "https://sandbox.tradier.com"
	}
	if cfg.Tradier.OrderType == "" {
		cfg.Tradier.OrderType = "market"
	}
	if cfg.Tradier.RateLimitPerMin == 0 {
		cfg.Tradier.RateLimitPerMin = 60
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("SCHWAB_CLIENT_ID"); v != "" {
		cfg.Schwab.ClientID = v
	}
	if v := os.Getenv("SCHWAB_CLIENT_SECRET"); v != "" {
		cfg.Schwab.ClientSecret = v
	}
	if v := os.Getenv("SCHWAB_API_BASE"); v != "" {
		cfg.Schwab.BaseURL = v
	}

	if v := os.Getenv("TRADIER_API_BASE"); v != "" {
		cfg.Tradier.BaseURL = v
	}
	if v := os.Getenv("TRADIER_SANDBOX_BASE"); v != "" {
		cfg.Tradier.SandboxURL = v
	}

	if v := os.Getenv("SIGNALS_PATH"); v != "" {
		cfg.Signals.Path = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
