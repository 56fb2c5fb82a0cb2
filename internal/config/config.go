// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	// Core
	DBPath   string // SQLite database path (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// SEC / EDGAR
	SECUserAgent          string  // EDGAR requires a descriptive User-Agent
	SECMinIntervalSeconds float64 // Polite throttle between SEC requests

	// EODHD (prices, fundamentals, news)
	EODHDAPIKey  string
	EODHDBaseURL string

	// Cache staleness
	MarketCapMaxAgeDays int
	NewsMaxAgeHours     int

	// Benchmark (excess returns)
	BenchmarkSymbol string

	// Backfill
	BackfillStartYear int
	BackfillBatchSize int

	// Worker
	WorkerPollSeconds float64
	WorkerCount       int

	// SEC "current" Form 4 poller
	EnableForm4Poller          bool
	Form4PollerIntervalSeconds int
	Form4PollerFeedURL         string

	// Gemini / AI
	GeminiAPIKey  string
	GeminiModel   string
	AITemperature float64
	AIMaxTokens   int

	// Derived-data versions (bump to force recomputation)
	ParseVersion        string
	OwnerNormVersion    string
	ClusterVersion      string
	TrendVersion        string
	OutcomesVersion     string
	StatsVersion        string
	AIInputVersion      string
	AIOutputVersion     string
	PromptVersion       string

	// Auth
	AuthJWTSecret            string
	AuthTokenExpireMinutes   int
	AuthBootstrapUsername    string
	AuthBootstrapPassword    string
	AuthCookieName           string
	AuthCookieSecure         bool

	// Billing
	StripeWebhookSecret  string
	StripePriceIDMonthly string
	StripePriceIDYearly  string
	BillingDevBypass     bool

	// CORS
	CORSAllowOrigins []string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dbPath := getEnv("INSIDER_DB_PATH", "./insiderscope.sqlite")
	absDBPath, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}

	publicURL := getEnv("PUBLIC_APP_URL", "http://localhost:5173")

	cfg := &Config{
		DBPath:   absDBPath,
		Port:     getEnvAsInt("PORT", 8000),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		SECUserAgent:          getEnv("SEC_USER_AGENT", "InsiderScope/0.1 (contact: you@example.com)"),
		SECMinIntervalSeconds: getEnvAsFloat("SEC_MIN_INTERVAL_SECONDS", 0.12),

		EODHDAPIKey:  getEnv("EODHD_API_KEY", ""),
		EODHDBaseURL: getEnv("EODHD_BASE_URL", "https://eodhd.com/api"),

		MarketCapMaxAgeDays: getEnvAsInt("MARKET_CAP_MAX_AGE_DAYS", 7),
		NewsMaxAgeHours:     getEnvAsInt("NEWS_MAX_AGE_HOURS", 12),

		BenchmarkSymbol: getEnv("BENCHMARK_SYMBOL", "SPY.US"),

		BackfillStartYear: getEnvAsInt("BACKFILL_START_YEAR", 2006),
		BackfillBatchSize: getEnvAsInt("BACKFILL_BATCH_SIZE", 50),

		WorkerPollSeconds: getEnvAsFloat("WORKER_POLL_SECONDS", 1.0),
		WorkerCount:       getEnvAsInt("WORKER_COUNT", 2),

		EnableForm4Poller:          getEnvAsBool("ENABLE_FORM4_POLLER", false),
		Form4PollerIntervalSeconds: getEnvAsInt("FORM4_POLLER_INTERVAL_SECONDS", 120),
		Form4PollerFeedURL: getEnv(
			"FORM4_POLLER_FEED_URL",
			"https://www.sec.gov/cgi-bin/browse-edgar?action=getcurrent&type=4&owner=only&count=200&output=atom",
		),

		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.5-flash-lite"),
		AITemperature: getEnvAsFloat("AI_TEMPERATURE", 0.5),
		AIMaxTokens:   getEnvAsInt("AI_MAX_TOKENS", 5000),

		ParseVersion:     getEnv("CURRENT_PARSE_VERSION", "form4_parse_v1.1"),
		OwnerNormVersion: getEnv("OWNER_NORM_VERSION", "owner_norm_v1"),
		ClusterVersion:   getEnv("CURRENT_CLUSTER_VERSION", "cluster_v1"),
		TrendVersion:     getEnv("CURRENT_TREND_VERSION", "trend_v1"),
		OutcomesVersion:  getEnv("CURRENT_OUTCOMES_VERSION", "outcomes_v2"),
		StatsVersion:     getEnv("CURRENT_STATS_VERSION", "stats_v2"),
		AIInputVersion:   getEnv("AI_INPUT_SCHEMA_VERSION", "ai_input_v2"),
		AIOutputVersion:  getEnv("AI_OUTPUT_SCHEMA_VERSION", "ai_output_v1"),
		PromptVersion:    getEnv("PROMPT_VERSION", "prompt_ai_v4"),

		AuthJWTSecret:          getEnv("AUTH_JWT_SECRET", "dev_change_me"),
		AuthTokenExpireMinutes: getEnvAsInt("AUTH_TOKEN_EXPIRE_MINUTES", 10080),
		AuthBootstrapUsername:  getEnv("AUTH_BOOTSTRAP_ADMIN_USERNAME", "admin"),
		AuthBootstrapPassword:  getEnv("AUTH_BOOTSTRAP_ADMIN_PASSWORD", "admin"),
		AuthCookieName:         getEnv("AUTH_COOKIE_NAME", "is_token"),
		AuthCookieSecure:       getEnvAsBool("AUTH_COOKIE_SECURE", strings.HasPrefix(strings.ToLower(publicURL), "https://")),

		StripeWebhookSecret:  getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripePriceIDMonthly: getEnv("STRIPE_PRICE_ID_MONTHLY", ""),
		StripePriceIDYearly:  getEnv("STRIPE_PRICE_ID_YEARLY", ""),
		BillingDevBypass:     getEnvAsBool("BILLING_DEV_BYPASS", false),

		CORSAllowOrigins: splitCSV(getEnv(
			"CORS_ALLOW_ORIGINS",
			"http://localhost:5173,http://127.0.0.1:5173,http://localhost:3000",
		)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.SECUserAgent == "" {
		return fmt.Errorf("SEC_USER_AGENT is required (EDGAR rejects anonymous clients)")
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
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
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

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
