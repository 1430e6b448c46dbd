package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Supervisor.RetentionHistory)
	assert.Equal(t, 3, cfg.Supervisor.TerminateMaxRetries)
	assert.Equal(t, 3, cfg.Supervisor.StartupTimeoutSeconds)
	assert.Equal(t, 10.0, cfg.SES.CorrelatorTimeoutSeconds)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("supervisor:\n  retentionHistory: 25\nses:\n  correlatorTimeoutSeconds: 0.1\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Supervisor.RetentionHistory)
	assert.Equal(t, 0.1, cfg.SES.CorrelatorTimeoutSeconds)
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("SEC_LOGGING_LEVEL", "debug")
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsBadLevel(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("logging:\n  level: verbose\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0644))

	_, err := LoadWithPath(dir)
	assert.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	s := SupervisorConfig{StartupTimeoutSeconds: 3, TerminateJoinTimeoutMillis: 500}
	assert.Equal(t, int64(3e9), s.StartupTimeout().Nanoseconds())
	assert.Equal(t, int64(500e6), s.TerminateJoinTimeout().Nanoseconds())

	ses := SESConfig{CorrelatorTimeoutSeconds: 0.1}
	assert.Equal(t, int64(1e8), ses.CorrelatorTimeout().Nanoseconds())
}
