package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	require.NoError(t, err)
	assert.Equal(t, 8917, cfg.Gateway.Port)
	assert.Equal(t, 20, cfg.Agent.MaxIterations)
	assert.Equal(t, 24*time.Hour, cfg.Sessions.IdleTTL.Std())
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{
	// local dev setup
	gateway: { host: "0.0.0.0", port: 9000, rateLimitRpm: 120 },
	agent: { maxIterations: 5, projectRoot: "/tmp/work", restrictToRoot: true,
		trivialIterations: 2, maxSubTurns: 4,
		compactionThresholdTokens: 1000, compactionKeepFraction: 0.5,
		selfValidation: false, maxRetries: 2 },
	sessions: { idleTtl: "90m", sweepCron: "*/5 * * * *" },
}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Gateway.Addr())
	assert.Equal(t, 120, cfg.Gateway.RateLimitRPM)
	assert.Equal(t, 5, cfg.Agent.MaxIterations)
	assert.Equal(t, 90*time.Minute, cfg.Sessions.IdleTTL.Std())
	assert.Equal(t, "*/5 * * * *", cfg.Sessions.SweepCron)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHAPO_GATEWAY_TOKEN", "secret-token")
	t.Setenv("CHAPO_PROVIDER_API_KEY", "sk-test")
	t.Setenv("CHAPO_DATABASE_URL", "postgres://localhost/chapo")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.json5"))
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.Gateway.Token)
	assert.Equal(t, "sk-test", cfg.Provider.APIKey)
	assert.Equal(t, "postgres://localhost/chapo", cfg.Database.URL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Agent.CompactionKeepFraction = 1.5
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Endpoint = ""
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")

	cfg := Default()
	cfg.Gateway.Port = 9999
	cfg.Sessions.IdleTTL = Duration(time.Hour)
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, loaded.Gateway.Port)
	assert.Equal(t, time.Hour, loaded.Sessions.IdleTTL.Std())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a save")
}
