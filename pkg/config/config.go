// Package config loads daemon configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds daemon configuration.
type Config struct {
	ListenAddr  string
	LogLevel    string
	ServiceName string

	// StoreDriver selects the ledger store backend. Empty means sqlite,
	// or postgres when DATABASE_URL is set.
	StoreDriver string
	SQLitePath  string
	DatabaseURL string

	PolicyPath string
	SeedPath   string

	MaxAppendWaiters int
	ReplayWindow     time.Duration

	// RedisAddr switches the rate-limit observation counter from the
	// in-process implementation to redis.
	RedisAddr string

	// BootstrapTenant, when set, makes the daemon print one admin bearer
	// token for that tenant at boot. Development convenience only.
	BootstrapTenant string

	OTLPEndpoint string

	RateLimitRPS   float64
	RateLimitBurst int
}

// Load reads configuration from environment variables, applying defaults.
func Load() *Config {
	cfg := &Config{
		ListenAddr:       getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		ServiceName:      getEnv("SERVICE_NAME", "verdictd"),
		StoreDriver:      os.Getenv("STORE_DRIVER"),
		SQLitePath:       getEnv("SQLITE_PATH", "verdict.db"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		PolicyPath:       getEnv("POLICY_PATH", "policy.yaml"),
		SeedPath:         getEnv("SEED_PATH", "verdict.seed"),
		MaxAppendWaiters: getEnvInt("MAX_APPEND_WAITERS", 64),
		ReplayWindow:     getEnvDuration("REPLAY_WINDOW", 10*time.Minute),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		BootstrapTenant:  os.Getenv("BOOTSTRAP_TENANT"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:     getEnvFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst:   getEnvInt("RATE_LIMIT_BURST", 100),
	}
	if cfg.StoreDriver == "" {
		if cfg.DatabaseURL != "" {
			cfg.StoreDriver = StorePostgres
		} else {
			cfg.StoreDriver = StoreSQLite
		}
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
