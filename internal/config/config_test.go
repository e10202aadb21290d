package config

import (
	"testing"

	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "@daily", cfg.PriceSyncSchedule)
	assert.Equal(t, "1wk", cfg.Yahoo.Interval)
	assert.NotEmpty(t, cfg.DefaultUniverse)
	assert.Equal(t, optimization.DefaultParams(), cfg.Optimizer)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("DEV_MODE", "true")
	t.Setenv("DEFAULT_UNIVERSE", " spy, qqq ,,iwm ")
	t.Setenv("RISK_AVERSION", "3.1")
	t.Setenv("TAU", "0.025")
	t.Setenv("RISK_FREE_RATE", "0.04")
	t.Setenv("WEIGHT_UPPER", "0.35")
	t.Setenv("L2_GAMMA", "0.1")
	t.Setenv("PRIOR_MODE", "equal_weight")
	t.Setenv("COVARIANCE_METHOD", "ledoit_wolf")
	t.Setenv("PERIODS_PER_YEAR", "252")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.DevMode)
	assert.Equal(t, []string{"SPY", "QQQ", "IWM"}, cfg.DefaultUniverse)
	assert.Equal(t, 3.1, cfg.Optimizer.RiskAversion)
	assert.Equal(t, 0.025, cfg.Optimizer.Tau)
	assert.Equal(t, 0.04, cfg.Optimizer.RiskFreeRate)
	assert.Equal(t, 0.35, cfg.Optimizer.Constraints.Upper)
	assert.Equal(t, 0.1, cfg.Optimizer.Constraints.L2Gamma)
	assert.Equal(t, optimization.PriorEqualWeight, cfg.Optimizer.PriorMode)
	assert.Equal(t, optimization.CovarianceLedoitWolf, cfg.Optimizer.CovarianceMethod)
	assert.Equal(t, 252.0, cfg.Optimizer.PeriodsPerYear)
}

func TestLoad_MalformedNumbersKeepDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("PORT", "eighty")
	t.Setenv("TAU", "tiny")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, optimization.DefaultTau, cfg.Optimizer.Tau)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad schedule", "PRICE_SYNC_SCHEDULE", "every tuesday"},
		{"bad prior mode", "PRIOR_MODE", "momentum"},
		{"bad covariance method", "COVARIANCE_METHOD", "garch"},
		{"inverted bounds", "WEIGHT_LOWER", "2"},
		{"bad missing fraction", "MAX_MISSING_FRACTION", "1.5"},
		{"bad port", "PORT", "70000"},
		{"bad rate limit", "YAHOO_RATE_LIMIT", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATA_DIR", t.TempDir())
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}
