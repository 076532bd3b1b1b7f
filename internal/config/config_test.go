package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Log.Sync)
	assert.Equal(t, "stdout", cfg.Log.Target)

	assert.Equal(t, uint32(4), cfg.Worker.IOWorkerNum)
	assert.Equal(t, uint32(4), cfg.Worker.ProcessWorkerNum)

	assert.Equal(t, "0.0.0.0", cfg.TCP.Host)
	assert.Equal(t, uint16(12000), cfg.TCP.Port)
	assert.Equal(t, uint64(1000), cfg.TCP.RecvTimeoutMs)
	assert.Equal(t, uint64(2000), cfg.TCP.SendTimeoutMs)
	assert.Equal(t, uint64(3000), cfg.TCP.ConnectTimeoutMs)
	assert.Equal(t, uint16(30), cfg.TCP.KeepAliveTime)

	assert.Equal(t, uint16(12500), cfg.UDP.Port)
	assert.Equal(t, uint32(3000), cfg.UDP.DisconnectionTimeoutMs)

	assert.Equal(t, uint32(5000), cfg.Epoll.EventSize)

	assert.Equal(t, uint32(4), cfg.Redis.Amount)
	assert.Equal(t, "127.0.0.1", cfg.Redis.Host)
	assert.Equal(t, uint32(6379), cfg.Redis.Port)

	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1", cfg.API.Host)
}

func TestLoadFromFile(t *testing.T) {
	yaml := `
log:
  level: debug
  target: stderr
tcp:
  port: 13000
  recv_timeout: 500
udp:
  port: 13500
  disconnection_timeout_ms: 1000
worker:
  io_worker_num: 2
redis:
  redis_amount: 8
  redis_host: 10.0.0.5
`
	path := filepath.Join(t.TempDir(), "p2p.yml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "stderr", cfg.Log.Target)
	assert.Equal(t, uint16(13000), cfg.TCP.Port)
	assert.Equal(t, uint64(500), cfg.TCP.RecvTimeoutMs)
	assert.Equal(t, uint16(13500), cfg.UDP.Port)
	assert.Equal(t, uint32(1000), cfg.UDP.DisconnectionTimeoutMs)
	assert.Equal(t, uint32(2), cfg.Worker.IOWorkerNum)
	assert.Equal(t, uint32(8), cfg.Redis.Amount)
	assert.Equal(t, "10.0.0.5", cfg.Redis.Host)

	// Values absent from the file keep their defaults.
	assert.Equal(t, uint64(2000), cfg.TCP.SendTimeoutMs)
	assert.Equal(t, uint32(4), cfg.Worker.ProcessWorkerNum)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/p2p.yml")
	require.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("P2P_TCP_PORT", "14000")
	t.Setenv("P2P_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint16(14000), cfg.TCP.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestNormalizeRejectsBadValues(t *testing.T) {
	t.Run("zero tcp port", func(t *testing.T) {
		cfg := &Config{}
		err := normalizeConfig(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tcp.port")
	})

	t.Run("api out of range", func(t *testing.T) {
		cfg := &Config{}
		cfg.TCP.Port = 12000
		cfg.UDP.Port = 12500
		cfg.Redis.Port = 6379
		cfg.API.Enabled = true
		cfg.API.Port = 70000
		err := normalizeConfig(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "api.port")
	})

	t.Run("fills zero workers", func(t *testing.T) {
		cfg := &Config{}
		cfg.TCP.Port = 12000
		cfg.UDP.Port = 12500
		cfg.Redis.Port = 6379
		require.NoError(t, normalizeConfig(cfg))
		assert.Equal(t, uint32(1), cfg.Worker.IOWorkerNum)
		assert.Equal(t, uint32(1), cfg.Worker.ProcessWorkerNum)
		assert.Equal(t, uint32(1), cfg.Redis.Amount)
	})
}
