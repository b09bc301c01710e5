// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir   string // Base directory for all databases (always absolute)
	Port      int
	DevMode   bool
	LogLevel  string
	LogPretty bool

	// Market data ingestion
	ExchangeBaseURL string // REST endpoint for historical klines
	ExchangeWSURL   string // WebSocket endpoint for live streams
	Symbols         []string
	Timeframe       string
	MarketKind      string // spot or perpetual
	BackfillDays    int    // how far back gap-fill reaches on startup

	// Message bus
	BusQueueDepth int // per-subscriber buffered channel size
	BusRetention  int // retained messages per topic ring

	// Backtest task manager
	MaxConcurrentBacktests int
	TaskTTL                time.Duration
	MaxTasks               int
	TaskCleanupInterval    time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("QUANTD_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:   absDataDir,
		Port:      getEnvAsInt("QUANTD_PORT", 8000),
		DevMode:   getEnvAsBool("DEV_MODE", false),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),

		ExchangeBaseURL: getEnv("EXCHANGE_BASE_URL", "https://api.binance.com"),
		ExchangeWSURL:   getEnv("EXCHANGE_WS_URL", "wss://stream.binance.com:9443"),
		Symbols:         getEnvAsSlice("SYMBOLS", []string{"BTCUSDT"}),
		Timeframe:       getEnv("TIMEFRAME", "1m"),
		MarketKind:      getEnv("MARKET_KIND", "spot"),
		BackfillDays:    getEnvAsInt("BACKFILL_DAYS", 7),

		BusQueueDepth: getEnvAsInt("BUS_QUEUE_DEPTH", 256),
		BusRetention:  getEnvAsInt("BUS_RETENTION", 1000),

		MaxConcurrentBacktests: getEnvAsInt("MAX_CONCURRENT_BACKTESTS", 3),
		TaskTTL:                time.Duration(getEnvAsInt("TASK_TTL_SECONDS", 3600)) * time.Second,
		MaxTasks:               getEnvAsInt("MAX_TASKS", 100),
		TaskCleanupInterval:    time.Duration(getEnvAsInt("TASK_CLEANUP_SECONDS", 600)) * time.Second,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and sane
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	switch c.MarketKind {
	case "spot", "perpetual":
	default:
		return fmt.Errorf("invalid market kind: %s", c.MarketKind)
	}

	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol required")
	}

	if c.MaxConcurrentBacktests < 1 {
		return fmt.Errorf("max concurrent backtests must be >= 1")
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

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
