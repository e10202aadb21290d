// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds application configuration
type Config struct {
	DataDir           string // Directory holding prices.db (always absolute)
	LogLevel          string
	Port              int
	DevMode           bool
	PriceSyncSchedule string // cron spec for the price refresh job
	Yahoo             YahooConfig
	DefaultUniverse   []string // Fallback universe when a request names none
	Optimizer         optimization.Params
}

// YahooConfig configures the market data client.
type YahooConfig struct {
	BaseURL     string
	RateLimit   float64 // requests per second
	Concurrency int     // parallel symbol fetches
	Range       string  // history window, e.g. "1y"
	Interval    string  // bar size, e.g. "1wk"
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:           absDataDir,
		Port:              getEnvAsInt("PORT", 8080),
		DevMode:           getEnvAsBool("DEV_MODE", false),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		PriceSyncSchedule: getEnv("PRICE_SYNC_SCHEDULE", "@daily"),
		Yahoo: YahooConfig{
			BaseURL:     getEnv("YAHOO_BASE_URL", "https://query1.finance.yahoo.com"),
			RateLimit:   getEnvAsFloat("YAHOO_RATE_LIMIT", 2),
			Concurrency: getEnvAsInt("YAHOO_CONCURRENCY", 4),
			Range:       getEnv("YAHOO_RANGE", "1y"),
			Interval:    getEnv("YAHOO_INTERVAL", "1wk"),
		},
		DefaultUniverse: getEnvAsList("DEFAULT_UNIVERSE", []string{"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA"}),
		Optimizer:       loadOptimizerParams(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadOptimizerParams overlays environment values on the optimizer defaults.
func loadOptimizerParams() optimization.Params {
	p := optimization.DefaultParams()
	p.RiskAversion = getEnvAsFloat("RISK_AVERSION", p.RiskAversion)
	p.Tau = getEnvAsFloat("TAU", p.Tau)
	p.RiskFreeRate = getEnvAsFloat("RISK_FREE_RATE", p.RiskFreeRate)
	p.PeriodsPerYear = getEnvAsFloat("PERIODS_PER_YEAR", p.PeriodsPerYear)
	p.MaxMissingFraction = getEnvAsFloat("MAX_MISSING_FRACTION", p.MaxMissingFraction)
	p.FrontierPoints = getEnvAsInt("FRONTIER_POINTS", p.FrontierPoints)
	p.PriorMode = optimization.PriorMode(getEnv("PRIOR_MODE", string(p.PriorMode)))
	p.CovarianceMethod = optimization.CovarianceMethod(getEnv("COVARIANCE_METHOD", string(p.CovarianceMethod)))
	p.Constraints.Lower = getEnvAsFloat("WEIGHT_LOWER", p.Constraints.Lower)
	p.Constraints.Upper = getEnvAsFloat("WEIGHT_UPPER", p.Constraints.Upper)
	p.Constraints.L2Gamma = getEnvAsFloat("L2_GAMMA", p.Constraints.L2Gamma)
	p.Constraints.CleanCutoff = getEnvAsFloat("CLEAN_CUTOFF", p.Constraints.CleanCutoff)
	return p
}

// Validate checks if the configuration is usable
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if _, err := cron.ParseStandard(c.PriceSyncSchedule); err != nil {
		return fmt.Errorf("invalid PRICE_SYNC_SCHEDULE %q: %w", c.PriceSyncSchedule, err)
	}
	if c.Yahoo.RateLimit <= 0 {
		return fmt.Errorf("YAHOO_RATE_LIMIT must be positive, got %v", c.Yahoo.RateLimit)
	}
	if c.Yahoo.Concurrency <= 0 {
		return fmt.Errorf("YAHOO_CONCURRENCY must be positive, got %d", c.Yahoo.Concurrency)
	}

	p := c.Optimizer
	switch p.PriorMode {
	case optimization.PriorMarketCap, optimization.PriorEqualWeight:
	default:
		return fmt.Errorf("invalid PRIOR_MODE %q", p.PriorMode)
	}
	switch p.CovarianceMethod {
	case optimization.CovarianceSample, optimization.CovarianceLedoitWolf:
	default:
		return fmt.Errorf("invalid COVARIANCE_METHOD %q", p.CovarianceMethod)
	}
	if p.RiskAversion <= 0 || p.Tau <= 0 || p.PeriodsPerYear <= 0 {
		return fmt.Errorf("RISK_AVERSION, TAU and PERIODS_PER_YEAR must be positive")
	}
	if p.MaxMissingFraction <= 0 || p.MaxMissingFraction > 1 {
		return fmt.Errorf("MAX_MISSING_FRACTION must be in (0, 1], got %v", p.MaxMissingFraction)
	}
	if err := p.Constraints.Validate(); err != nil {
		return fmt.Errorf("invalid optimizer constraints: %w", err)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.ToUpper(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
