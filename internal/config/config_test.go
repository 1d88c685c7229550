package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "ENV", "DATABASE_URL", "STRIPE_SECRET_KEY", "PROVIDER_TIMEOUT", "SETTLEMENT_INTERVAL", "SETTLEMENT_MAX_ATTEMPTS", "CURRENCY", "RECONCILE_INTERVAL", "CORS_ALLOWED_ORIGINS"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.Equal(t, DefaultProviderTimeout, cfg.ProviderTimeout)
	assert.Equal(t, DefaultSettlementInterval, cfg.SettlementInterval)
	assert.Equal(t, DefaultSettlementMaxAttempts, cfg.SettlementMaxAttempts)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
	assert.Empty(t, cfg.AllowedOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENV", "staging")
	t.Setenv("PORT", "9090")
	t.Setenv("PROVIDER_TIMEOUT", "3s")
	t.Setenv("BREAKER_THRESHOLD", "2")
	t.Setenv("SETTLEMENT_INTERVAL", "bogus")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, ,https://b.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 3*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 2, cfg.BreakerThreshold)
	assert.Equal(t, DefaultSettlementInterval, cfg.SettlementInterval, "unparseable values fall back to the default")
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
}

func TestLoad_ProductionRequiresDatabaseAndAdminSecret(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ADMIN_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:                   "development",
			Currency:              "credits",
			ProviderTimeout:       time.Second,
			SettlementInterval:    time.Second,
			SettlementMaxAttempts: 3,
			ReconcileInterval:     time.Minute,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid development", func(c *Config) {}, ""},
		{"production without admin secret", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://x"
		}, "ADMIN_SECRET"},
		{"production complete", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://x"
			c.AdminSecret = "s"
		}, ""},
		{"stripe key without webhook secret", func(c *Config) { c.StripeSecretKey = "sk_test" }, "STRIPE_WEBHOOK_SECRET"},
		{"zero provider timeout", func(c *Config) { c.ProviderTimeout = 0 }, "PROVIDER_TIMEOUT"},
		{"zero settlement attempts", func(c *Config) { c.SettlementMaxAttempts = 0 }, "SETTLEMENT_MAX_ATTEMPTS"},
		{"zero reconcile interval", func(c *Config) { c.ReconcileInterval = 0 }, "RECONCILE_INTERVAL"},
		{"empty currency", func(c *Config) { c.Currency = "" }, "CURRENCY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
