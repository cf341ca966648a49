package infra

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := loadConfig(viper.New())
	require.NoError(t, err)

	assert.Equal(t, ":4717", cfg.GRPC.Addr)
	assert.Equal(t, 2, cfg.Collector.DefaultPrivacyTier)
	assert.Equal(t, 8, cfg.Collector.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Persistence.FlushInterval)
	assert.Equal(t, "", cfg.Server.AuthToken)
	assert.Equal(t, "http://localhost:4318", cfg.Hook.Endpoint)
	assert.Equal(t, uint(3), cfg.Hook.Attempts)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AGENTTRACE_AUTH_TOKEN", "s3cret")
	t.Setenv("COLLECTOR_WORKERS", "2")
	t.Setenv("GRPC_ADDR", ":9999")

	cfg, err := loadConfig(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Server.AuthToken)
	assert.Equal(t, 2, cfg.Collector.Workers)
	assert.Equal(t, ":9999", cfg.GRPC.Addr)
}

func TestLoadConfig_RejectsBadTier(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("COLLECTOR_DEFAULT_PRIVACY_TIER", "7")

	_, err := loadConfig(viper.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_privacy_tier")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "debug", parseLevel("DEBUG").String())
	assert.Equal(t, "warn", parseLevel("warning").String())
	assert.Equal(t, "info", parseLevel("nonsense").String())
}
