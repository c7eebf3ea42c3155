package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataPaths.DataDir)
	assert.Equal(t, filepath.Join("./data", "argus.db"), cfg.DataPaths.SQLitePath)
	assert.Equal(t, filepath.Join("./data", "seeds"), cfg.DataPaths.SeedDir)
	assert.Equal(t, 9090, cfg.Ops.Port)
	assert.Equal(t, 5*time.Minute, cfg.Alerting.SweepInterval)
	assert.Equal(t, time.Hour, cfg.Anomaly.SweepInterval)
	assert.False(t, cfg.Notify.Email.Enabled)
	assert.Equal(t, "POST", cfg.Notify.Webhook.Method)
	assert.True(t, cfg.Seeds.Enabled)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("ARGUS_DATA_DIR", "/var/lib/argus")
	t.Setenv("ARGUS_OPS_PORT", "9999")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/argus", cfg.DataPaths.DataDir)
	assert.Equal(t, filepath.Join("/var/lib/argus", "argus.db"), cfg.DataPaths.SQLitePath)
	assert.Equal(t, 9999, cfg.Ops.Port)
}

func TestLoadConfig_RejectsEnabledChannelWithoutTarget(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("notify.webhook.enabled", true)

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_RejectsMalformedFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ops:\n  port: [not\n"), 0o644))
	viper.SetConfigFile(path)

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to read config")
}

func TestResolveDataPaths_ExplicitPathsKept(t *testing.T) {
	cfg := &Config{}
	cfg.DataPaths.DataDir = "/data"
	cfg.DataPaths.SQLitePath = "/elsewhere/argus.db"
	cfg.ResolveDataPaths()
	assert.Equal(t, "/elsewhere/argus.db", cfg.DataPaths.SQLitePath)
	assert.Equal(t, filepath.Join("/data", "seeds"), cfg.DataPaths.SeedDir)
}
