package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	def := Default()

	assert.Equal(t, def.Server.Addr, cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Bus.Backend)
	assert.Equal(t, 2*time.Second, cfg.Router.VenueTimeout)
	assert.Equal(t, []string{"Meteora", "Raydium"}, cfg.Router.Priority)
	assert.Equal(t, 10, cfg.Worker.Concurrency)
	assert.Equal(t, "0.01", cfg.Worker.MaxSlippage.String())
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":8080")
	t.Setenv("BUS_BACKEND", "Redis")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("VENUE_TIMEOUT_MS", "750")
	t.Setenv("VENUE_PRIORITY", "Raydium,Meteora")
	t.Setenv("WORKER_CONCURRENCY", "3")
	t.Setenv("MAX_SLIPPAGE", "0.005")
	t.Setenv("RELAY_OVERFLOW", "close")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "redis", cfg.Bus.Backend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Queue.KafkaBrokers)
	assert.Equal(t, 750*time.Millisecond, cfg.Router.VenueTimeout)
	assert.Equal(t, []string{"Raydium", "Meteora"}, cfg.Router.Priority)
	assert.Equal(t, 3, cfg.Worker.Concurrency)
	assert.Equal(t, "0.005", cfg.Worker.MaxSlippage.String())
	assert.Equal(t, "close", cfg.Relay.Overflow)
}

func TestLoadFromEnvInvalidKeepsDefault(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "many")
	t.Setenv("QUEUE_CAPACITY", "-5")
	t.Setenv("MAX_SLIPPAGE", "-1")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	assert.Equal(t, 10, cfg.Worker.Concurrency)
	assert.Equal(t, 1024, cfg.Queue.Capacity)
	assert.Equal(t, "0.01", cfg.Worker.MaxSlippage.String())
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("RELAY_BUFFER=8\nSTORE_BACKEND=pebble\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("RELAY_BUFFER")
		os.Unsetenv("STORE_BACKEND")
	})

	cfg := LoadFromEnv(path)
	assert.Equal(t, 8, cfg.Relay.Buffer)
	assert.Equal(t, "pebble", cfg.Store.Backend)
}
