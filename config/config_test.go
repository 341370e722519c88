package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-priceengine/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ETHUSDT", cfg.Symbol)
	assert.Equal(t, 5*time.Second, cfg.Interval)
	assert.Equal(t, time.Second, cfg.OutageRetryDelay)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 10000, cfg.DedupCapacity)
	assert.Equal(t, 50.0, cfg.OutlierThreshold)
	assert.Equal(t, []string{"binance", "coinbase", "coingecko"}, cfg.EnabledSources())
	assert.Equal(t, model.Weights{"binance": 0.4, "coinbase": 0.3, "coingecko": 0.3}, cfg.Weights())
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
symbol: btcusdt
interval: 10s
outlier_threshold: 25
sources:
  coingecko:
    enabled: false
redis:
  enabled: true
  addr: redis:6379
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "BTCUSDT", cfg.Symbol)
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.Equal(t, 25.0, cfg.OutlierThreshold)
	assert.Equal(t, []string{"binance", "coinbase"}, cfg.EnabledSources())
	// Unset nested keys keep their defaults
	assert.Equal(t, 0.4, cfg.Sources["binance"].Weight)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PRICEENGINE_SYMBOL", "SOLUSDT")
	t.Setenv("PRICEENGINE_DEDUP_CAPACITY", "500")
	t.Setenv("PRICEENGINE_SOURCES_BINANCE_WEIGHT", "0.8")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "SOLUSDT", cfg.Symbol)
	assert.Equal(t, 500, cfg.DedupCapacity)
	assert.Equal(t, 0.8, cfg.Sources["binance"].Weight)
}

func TestLoad_ReadTimeout(t *testing.T) {
	cfg, err := Load(writeConfig(t, "read_timeout: 0s\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate(), "zero disables the read timeout")
	assert.Zero(t, cfg.ReadTimeout)

	t.Setenv("PRICEENGINE_READ_TIMEOUT", "45s")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.ReadTimeout)
}

func TestLoad_ZeroThresholdRejected(t *testing.T) {
	cfg, err := Load(writeConfig(t, "outlier_threshold: 0\n"))
	require.NoError(t, err)
	assert.Zero(t, cfg.OutlierThreshold)
	assert.ErrorContains(t, cfg.Validate(), "outlier_threshold")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero interval", func(c *Config) { c.Interval = 0 }},
		{"zero retry delay", func(c *Config) { c.OutageRetryDelay = 0 }},
		{"negative attempts", func(c *Config) { c.OutageMaxAttempts = -1 }},
		{"dedup capacity", func(c *Config) { c.DedupCapacity = 0 }},
		{"negative threshold", func(c *Config) { c.OutlierThreshold = -1 }},
		{"zero threshold", func(c *Config) { c.OutlierThreshold = 0 }},
		{"negative read timeout", func(c *Config) { c.ReadTimeout = -time.Second }},
		{"negative weight", func(c *Config) {
			s := c.Sources["binance"]
			s.Weight = -0.1
			c.Sources["binance"] = s
		}},
		{"all weights zero", func(c *Config) {
			for name, s := range c.Sources {
				s.Weight = 0
				c.Sources[name] = s
			}
		}},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"telegram half configured", func(c *Config) { c.Notify.TelegramToken = "tok" }},
		{"redis without addr", func(c *Config) { c.Redis = RedisConfig{Enabled: true} }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRestrict(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.NoError(t, cfg.Restrict([]string{"Binance", " coinbase"}))
	assert.Equal(t, []string{"binance", "coinbase"}, cfg.EnabledSources())

	err = cfg.Restrict([]string{"kraken"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrUnknownSource))
}
