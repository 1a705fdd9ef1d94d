package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir so config files land inside the
// allowed directory and real user config never leaks into tests.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	configDir := filepath.Join(home, ".config", "heuristd")
	require.NoError(t, os.MkdirAll(configDir, 0700))
	return configDir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

func TestLoadDefaults(t *testing.T) {
	setupTestHome(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9180, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Contains(t, cfg.Store.Path, "heuristd.db")

	assert.Equal(t, 0.98, cfg.Heuristics.Confidence.MaxConfidence)
	assert.Equal(t, 10, cfg.Heuristics.RateLimit.MaxUpdatesPerDay)
	assert.Equal(t, 20, cfg.Heuristics.Capacity.DefaultSoftLimit)
}

func TestLoadFromYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
server:
  host: 0.0.0.0
  port: 8400
logging:
  level: debug
  format: console
heuristics:
  capacity:
    default_soft_limit: 10
    default_hard_limit: 15
    grace_period_days: 7
    max_overflow_days: 30
`, 0600)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8400", cfg.Server.Addr())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 10, cfg.Heuristics.Capacity.DefaultSoftLimit)
	assert.Equal(t, 15, cfg.Heuristics.Capacity.DefaultHardLimit)

	// Untouched sections still carry defaults.
	assert.Equal(t, 10, cfg.Heuristics.RateLimit.MaxUpdatesPerDay)
}

func TestPartialBlockKeepsSetFields(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
heuristics:
  confidence:
    min_confidence: 0.1
  rate_limit:
    cooldown: 1m
`, 0600)

	cfg, err := Load(path)
	require.NoError(t, err)

	// The set fields survive and their siblings fall back per field.
	assert.Equal(t, 0.1, cfg.Heuristics.Confidence.MinConfidence)
	assert.Equal(t, 0.98, cfg.Heuristics.Confidence.MaxConfidence)
	assert.Equal(t, 0.15, cfg.Heuristics.Confidence.SuccessGain)
	assert.Equal(t, time.Minute, cfg.Heuristics.RateLimit.Cooldown)
	assert.Equal(t, 10, cfg.Heuristics.RateLimit.MaxUpdatesPerDay)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  port: 8400\n", 0600)

	t.Setenv("SERVER_PORT", "9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  port: 8400\n", 0644)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permissions")
}

func TestLoadRejectsPathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)
	outside := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(outside, []byte("server:\n  port: 1\n"), 0600))

	_, err := Load(outside)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := setupTestHome(t)

	cases := []struct {
		name string
		yaml string
	}{
		{"bad port", "server:\n  port: 70000\n"},
		{"bad level", "logging:\n  level: loud\n"},
		{"bad format", "logging:\n  format: xml\n"},
		{"hard below soft", "heuristics:\n  capacity:\n    default_soft_limit: 20\n    default_hard_limit: 5\n    grace_period_days: 7\n    max_overflow_days: 30\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, dir, tc.yaml, 0600)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestValidateDirect(t *testing.T) {
	setupTestHome(t)
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Heuristics.Confidence.ContradictionPenalty = cfg.Heuristics.Confidence.FailurePenalty
	assert.Error(t, cfg.Validate())
}

func TestEnsureConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	require.NoError(t, EnsureConfigDir())

	info, err := os.Stat(filepath.Join(home, ".config", "heuristd"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}
