package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("POINTS_PER_SCAN", "")
	t.Setenv("VOUCHER_THRESHOLD", "")
	t.Setenv("MIN_SCAN_INTERVAL_HOURS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, int64(1), cfg.PointsPerScan)
	assert.Equal(t, int64(5), cfg.VoucherThreshold)
	assert.Equal(t, time.Duration(0), cfg.MinScanInterval())
	assert.Equal(t, cfg.JWTSecret, cfg.JWTRefreshSecret)
	assert.Equal(t, float64(1), cfg.AccountRateLimitRPS)
	assert.Equal(t, 5, cfg.AccountRateLimitBurst)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Redis")
	t.Setenv("POINTS_PER_SCAN", "2")
	t.Setenv("VOUCHER_THRESHOLD", "10")
	t.Setenv("MIN_SCAN_INTERVAL_HOURS", "6")
	t.Setenv("PUBLIC_BASE_URL", "https://coffee.example.com/")
	t.Setenv("ACCOUNT_RATE_LIMIT_RPS", "0.5")
	t.Setenv("ACCOUNT_RATE_LIMIT_BURST", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.StoreBackend)
	assert.Equal(t, int64(2), cfg.PointsPerScan)
	assert.Equal(t, int64(10), cfg.VoucherThreshold)
	assert.Equal(t, 6*time.Hour, cfg.MinScanInterval())
	assert.Equal(t, "https://coffee.example.com", cfg.PublicBaseURL)
	assert.Equal(t, 0.5, cfg.AccountRateLimitRPS)
	assert.Equal(t, 3, cfg.AccountRateLimitBurst)
}

func TestLoad_InvalidNumber(t *testing.T) {
	t.Setenv("VOUCHER_THRESHOLD", "five")

	_, err := Load()
	assert.ErrorContains(t, err, "VOUCHER_THRESHOLD")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown backend", func(c *Config) { c.StoreBackend = "firestore" }, "STORE_BACKEND"},
		{"zero threshold", func(c *Config) { c.VoucherThreshold = 0 }, "VOUCHER_THRESHOLD"},
		{"negative points", func(c *Config) { c.PointsPerScan = -1 }, "POINTS_PER_SCAN"},
		{"negative interval", func(c *Config) { c.MinScanIntervalHours = -2 }, "MIN_SCAN_INTERVAL_HOURS"},
		{"empty secret", func(c *Config) { c.JWTSecret = "" }, "JWT_SECRET"},
		{"account limiter off", func(c *Config) { c.AccountRateLimitRPS = 0 }, ""},
		{"account limiter without burst", func(c *Config) { c.AccountRateLimitRPS, c.AccountRateLimitBurst = 1, 0 }, "ACCOUNT_RATE_LIMIT"},
		{"negative account rate", func(c *Config) { c.AccountRateLimitRPS = -1 }, "ACCOUNT_RATE_LIMIT_RPS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				StoreBackend:     BackendMemory,
				PointsPerScan:    1,
				VoucherThreshold: 5,
				JWTSecret:        "s",
				RateLimitRPS:     1,
				RateLimitBurst:   1,
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
