package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 50*time.Millisecond, cfg.PollMin)
	assert.Equal(t, 168*time.Hour, cfg.Retention)
	assert.Empty(t, cfg.CapabilityEndpoints)
	assert.Equal(t, 20*time.Second, cfg.CallTimeout)
	assert.NotContains(t, cfg.DatabaseURL, "cache=shared")
	assert.Contains(t, cfg.DatabaseURL, "_busy_timeout=")
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("WORKERS", "9")
	t.Setenv("LEASE_MS", "1500")
	t.Setenv("CAPABILITY_ENDPOINTS", "mail=http://mail:9000, storage=http://storage:9001")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Workers)
	assert.Equal(t, 1500*time.Millisecond, cfg.Lease)
	assert.Equal(t, map[string]string{
		"mail":    "http://mail:9000",
		"storage": "http://storage:9001",
	}, cfg.CapabilityEndpoints)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("POLL_MIN_MS", "500")
	t.Setenv("POLL_MAX_MS", "100")

	_, err := Load()
	assert.Error(t, err)
}

func TestParseEndpoints(t *testing.T) {
	_, err := ParseEndpoints("mail")
	assert.Error(t, err)

	got, err := ParseEndpoints("")
	require.NoError(t, err)
	assert.Empty(t, got)
}
