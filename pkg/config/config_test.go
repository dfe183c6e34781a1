package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Castellan-Labs/quorum/core/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
// Invariant: System must boot with safe defaults in dev mode.
func TestLoad_Defaults(t *testing.T) {
	// Ensure clean env
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("SQLITE_PATH", "")
	t.Setenv("SETTINGS_PATH", "")
	t.Setenv("METRICS_ENABLED", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "quorum.db", cfg.SQLitePath)
	assert.Equal(t, "quorum.yaml", cfg.SettingsPath)
	assert.False(t, cfg.MetricsEnabled)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
// Invariant: Ops can control config via standard 12-factor env vars.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/quorum")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("INGEST_SECRET", "s3cret")
	t.Setenv("METRICS_ENABLED", "true")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/quorum", cfg.DatabaseURL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "s3cret", cfg.IngestSecret)
	assert.True(t, cfg.MetricsEnabled)
}

func TestLoadSettings_MissingFileUsesDefaults(t *testing.T) {
	s, err := config.LoadSettings(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 20.0, s.Controller.GainThrottle)
	assert.Equal(t, 7.5, s.Consensus.MergeThreshold)
	assert.Equal(t, 100.0, s.Throttle.InitialPct)
	assert.Empty(t, s.Reviewers)
}

func TestLoadSettings_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quorum.yaml")
	body := `
controller:
  gain_throttle: 12
  ref_risk: 0.3
  ref_queue: 20
  period_seconds: 10
consensus:
  merge_threshold: 8.0
  dissent_threshold: 1.5
reviewers:
  - name: alpha
    url: http://reviewer-alpha:9000/review
  - name: beta
    url: http://reviewer-beta:9000/review
alerts:
  - name: pager
    url: http://pager:9000/hook
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	s, err := config.LoadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, 12.0, s.Controller.GainThrottle)
	assert.Equal(t, 0.3, s.Controller.RefRisk)
	assert.Equal(t, 8.0, s.Consensus.MergeThreshold)
	require.Len(t, s.Reviewers, 2)
	assert.Equal(t, "alpha", s.Reviewers[0].Name)
	require.Len(t, s.Alerts, 1)
}

func TestLoadSettings_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quorum.yaml")
	require.NoError(t, os.WriteFile(path, []byte("throttle:\n  initial_pct: 250\n"), 0o600))

	_, err := config.LoadSettings(path)
	assert.Error(t, err)
}

func TestLoadSettings_RejectsNamelessReviewer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quorum.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reviewers:\n  - url: http://x\n"), 0o600))

	_, err := config.LoadSettings(path)
	assert.Error(t, err)
}
