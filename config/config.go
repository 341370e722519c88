package config

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"crypto-priceengine/internal/logger"
	"crypto-priceengine/internal/model"
)

// Config holds all application configuration loaded from an optional YAML
// file with PRICEENGINE_* environment overrides.
type Config struct {
	Symbol string `mapstructure:"symbol"`

	// Scheduler
	Interval          time.Duration `mapstructure:"interval"`
	OutageRetryDelay  time.Duration `mapstructure:"outage_retry_delay"`
	OutageMaxAttempts int           `mapstructure:"outage_max_attempts"` // 0 = unbounded

	// Live ingestion
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"` // 0 = never time out
	DedupCapacity  int           `mapstructure:"dedup_capacity"`

	// Reconciliation
	OutlierThreshold float64 `mapstructure:"outlier_threshold"`

	// Time-grid merge
	MergeInterval time.Duration `mapstructure:"merge_interval"`
	MergeEvery    time.Duration `mapstructure:"merge_every"`

	Sources map[string]SourceConfig `mapstructure:"sources"`

	// Infrastructure
	SQLitePath  string        `mapstructure:"sqlite_path"`
	Redis       RedisConfig   `mapstructure:"redis"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
	Logging     LoggingConfig `mapstructure:"logging"`
	Notify      NotifyConfig  `mapstructure:"notify"`
}

// SourceConfig configures one exchange adapter.
type SourceConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Weight     float64 `mapstructure:"weight"`
	APIURL     string  `mapstructure:"api_url"`
	HistoryURL string  `mapstructure:"history_url"`
	WSURL      string  `mapstructure:"ws_url"`
}

// RedisConfig configures snapshot publication.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// NotifyConfig selects alert channels. Empty values disable a channel.
type NotifyConfig struct {
	WebhookURL     string `mapstructure:"webhook_url"`
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID string `mapstructure:"telegram_chat_id"`
}

// Load reads configuration from path (optional) and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PRICEENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Symbol))
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("symbol", "ETHUSDT")

	v.SetDefault("interval", "5s")
	v.SetDefault("outage_retry_delay", "1s")
	v.SetDefault("outage_max_attempts", 0)

	v.SetDefault("reconnect_delay", "5s")
	v.SetDefault("read_timeout", "30s")
	v.SetDefault("dedup_capacity", 10000)
	v.SetDefault("outlier_threshold", 50.0)

	v.SetDefault("merge_interval", "1s")
	v.SetDefault("merge_every", "30s")

	// Binance 0.4, Coinbase 0.3, CoinGecko 0.3
	v.SetDefault("sources.binance.enabled", true)
	v.SetDefault("sources.binance.weight", 0.4)
	v.SetDefault("sources.binance.api_url", "https://api.binance.com")
	v.SetDefault("sources.binance.history_url", "https://api.binance.com")
	v.SetDefault("sources.binance.ws_url", "wss://stream.binance.com:9443/ws")

	v.SetDefault("sources.coinbase.enabled", true)
	v.SetDefault("sources.coinbase.weight", 0.3)
	v.SetDefault("sources.coinbase.api_url", "https://api.coinbase.com")
	v.SetDefault("sources.coinbase.history_url", "https://api.exchange.coinbase.com")
	v.SetDefault("sources.coinbase.ws_url", "wss://ws-feed.exchange.coinbase.com")

	v.SetDefault("sources.coingecko.enabled", true)
	v.SetDefault("sources.coingecko.weight", 0.3)
	v.SetDefault("sources.coingecko.api_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("sources.coingecko.history_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("sources.coingecko.ws_url", "")

	v.SetDefault("sqlite_path", "data/prices.db")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("metrics_addr", ":9090")

	v.SetDefault("logging.level", "info")

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.telegram_token", "")
	v.SetDefault("notify.telegram_chat_id", "")
}

// Validate checks that all configuration values are usable.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.OutageRetryDelay <= 0 {
		return fmt.Errorf("outage_retry_delay must be positive")
	}
	if c.OutageMaxAttempts < 0 {
		return fmt.Errorf("outage_max_attempts must not be negative")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be positive")
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout must not be negative")
	}
	if c.DedupCapacity < 1 {
		return fmt.Errorf("dedup_capacity must be at least 1")
	}
	if c.OutlierThreshold <= 0 {
		return fmt.Errorf("outlier_threshold must be positive")
	}
	if c.MergeInterval <= 0 {
		return fmt.Errorf("merge_interval must be positive")
	}
	if c.MergeEvery <= 0 {
		return fmt.Errorf("merge_every must be positive")
	}

	var total float64
	for name, s := range c.Sources {
		if s.Weight < 0 {
			return fmt.Errorf("sources.%s.weight must not be negative", name)
		}
		if s.Enabled {
			total += s.Weight
		}
	}
	if total <= 0 {
		return fmt.Errorf("at least one enabled source must have a positive weight")
	}

	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite_path is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		return fmt.Errorf("notify.telegram_token and notify.telegram_chat_id must be set together")
	}
	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	return nil
}

// Restrict disables every source not listed in names. Unknown names fail.
func (c *Config) Restrict(names []string) error {
	if len(names) == 0 {
		return nil
	}
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		if _, ok := c.Sources[n]; !ok {
			return fmt.Errorf("%w: %q", model.ErrUnknownSource, n)
		}
		keep[n] = true
	}
	for name, s := range c.Sources {
		s.Enabled = keep[name]
		c.Sources[name] = s
	}
	return nil
}

// EnabledSources returns the names of enabled sources, sorted.
func (c *Config) EnabledSources() []string {
	var names []string
	for name, s := range c.Sources {
		if s.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Weights returns the weight table over enabled sources.
func (c *Config) Weights() model.Weights {
	w := make(model.Weights)
	for name, s := range c.Sources {
		if s.Enabled {
			w[name] = s.Weight
		}
	}
	return w
}

// LogLevel returns the parsed log level (info on error; Validate catches it).
func (c *Config) LogLevel() slog.Level {
	lvl, _ := logger.ParseLevel(c.Logging.Level)
	return lvl
}
