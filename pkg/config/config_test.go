package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	// Pin the variables this process may have inherited.
	for _, key := range []string{"LISTEN_ADDR", "LOG_LEVEL", "STORE_DRIVER", "DATABASE_URL",
		"SQLITE_PATH", "POLICY_PATH", "MAX_APPEND_WAITERS", "REPLAY_WINDOW", "REDIS_ADDR"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, StoreSQLite, cfg.StoreDriver)
	assert.Equal(t, "verdict.db", cfg.SQLitePath)
	assert.Equal(t, "policy.yaml", cfg.PolicyPath)
	assert.Equal(t, 64, cfg.MaxAppendWaiters)
	assert.Equal(t, 10*time.Minute, cfg.ReplayWindow)
	assert.Empty(t, cfg.RedisAddr)
}

func TestDatabaseURLSelectsPostgres(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://verdict@localhost:5432/verdict?sslmode=disable")

	cfg := Load()
	assert.Equal(t, StorePostgres, cfg.StoreDriver)
	assert.Equal(t, "postgres://verdict@localhost:5432/verdict?sslmode=disable", cfg.DatabaseURL)
}

func TestExplicitDriverWins(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://verdict@localhost:5432/verdict")
	t.Setenv("STORE_DRIVER", StoreMemory)

	cfg := Load()
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
}

func TestTypedOverrides(t *testing.T) {
	t.Setenv("MAX_APPEND_WAITERS", "8")
	t.Setenv("REPLAY_WINDOW", "3m")
	t.Setenv("RATE_LIMIT_RPS", "12.5")

	cfg := Load()
	assert.Equal(t, 8, cfg.MaxAppendWaiters)
	assert.Equal(t, 3*time.Minute, cfg.ReplayWindow)
	assert.Equal(t, 12.5, cfg.RateLimitRPS)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("MAX_APPEND_WAITERS", "many")
	t.Setenv("REPLAY_WINDOW", "soon")

	cfg := Load()
	assert.Equal(t, 64, cfg.MaxAppendWaiters)
	assert.Equal(t, 10*time.Minute, cfg.ReplayWindow)
}
