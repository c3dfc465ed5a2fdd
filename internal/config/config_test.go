package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8084", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Database.ConnectRetries)
	assert.Equal(t, "local", cfg.Redis.LockBackend)
	assert.Equal(t, 30*time.Second, cfg.Redis.LockTTL)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "dryrun", cfg.Payout.Mode)
	assert.Len(t, cfg.Kafka.Topics.All(), 5)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", "file::memory:")
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("LOCK_TTL_SECONDS", "5")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("KAFKA_ENABLED", "false")
	t.Setenv("DB_CONNECT_RETRIES", "not-a-number")

	cfg := Load()

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "file::memory:", cfg.Database.DSN)
	assert.Equal(t, "redis", cfg.Redis.LockBackend)
	assert.Equal(t, 5*time.Second, cfg.Redis.LockTTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, 5, cfg.Database.ConnectRetries, "Invalid ints fall back to the default")
}
