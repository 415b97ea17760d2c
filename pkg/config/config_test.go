package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresSharedSecret(t *testing.T) {
	t.Setenv("WEBHOOK_SHARED_SECRET", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("WEBHOOK_SHARED_SECRET", "s3cr3t")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 30, cfg.EventStoreRetentionDays)
	assert.Equal(t, 90, cfg.EventLogRetentionDays)
	assert.Equal(t, int64(100*1024*1024), cfg.EventLogMaxSizeBytes)
	assert.True(t, cfg.EventLogCompress)
	assert.Equal(t, 5000, cfg.PollIntervalMs)
	assert.True(t, cfg.AutoStartPolling)
	assert.Equal(t, 5, cfg.QueueConcurrency)
	assert.Equal(t, 10000, cfg.QueueMaxDepth)
	assert.Equal(t, 3, cfg.QueueMaxAttempts)
	assert.Equal(t, 30000, cfg.SSEHeartbeatMs)
	assert.Equal(t, 300000, cfg.CacheTTLMs)
}

func TestLoad_RejectsBadSignatureEncoding(t *testing.T) {
	t.Setenv("WEBHOOK_SHARED_SECRET", "s3cr3t")
	t.Setenv("WEBHOOK_SIGNATURE_ENCODING", "rot13")
	_, err := Load()
	require.Error(t, err)
}

func TestGetEnvSize_ParsesUnits(t *testing.T) {
	t.Setenv("SZ_M", "100m")
	t.Setenv("SZ_K", "512k")
	t.Setenv("SZ_BARE", "42")
	assert.Equal(t, int64(100*1024*1024), getEnvSize("SZ_M", 0))
	assert.Equal(t, int64(512*1024), getEnvSize("SZ_K", 0))
	assert.Equal(t, int64(42), getEnvSize("SZ_BARE", 0))
}

func TestGetEnvList_SplitsAndTrims(t *testing.T) {
	t.Setenv("CAPS", " switch, motionSensor ,temperature")
	assert.Equal(t, []string{"switch", "motionSensor", "temperature"}, getEnvList("CAPS"))
}
