package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "schema-registry", cfg.NATS.Name)
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "warn", cfg.Composer.FieldRemoval)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
nats:
  url: nats://nats.internal:4222
  name: registry-prod
detector:
  debounce_window: 5s
composer:
  snapshot_timeout: 30s
  field_removal: error
deploy:
  probe_interval: 500ms
  probe_timeout: 2s
  max_probes: 10
metrics:
  enabled: true
  port: 9100
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://nats.internal:4222", cfg.NATS.URL)
	assert.Equal(t, "registry-prod", cfg.NATS.Name)
	assert.Equal(t, 5*time.Second, cfg.Detector.DebounceWindow.Std())
	assert.Equal(t, 30*time.Second, cfg.Composer.SnapshotTimeout.Std())
	assert.Equal(t, "error", cfg.Composer.FieldRemoval)
	assert.Equal(t, 500*time.Millisecond, cfg.Deploy.ProbeInterval.Std())
	assert.Equal(t, 10, cfg.Deploy.MaxProbes)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9100, cfg.Metrics.Port)
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_NATS_HOST", "nats.staging.internal")
	path := writeConfig(t, `
nats:
  url: nats://${TEST_NATS_HOST}:4222
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://nats.staging.internal:4222", cfg.NATS.URL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvPrefix+"_NATS_URL", "nats://override:4222")
	t.Setenv(EnvPrefix+"_FIELD_REMOVAL", "error")
	path := writeConfig(t, `
nats:
  url: nats://from-file:4222
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://override:4222", cfg.NATS.URL)
	assert.Equal(t, "error", cfg.Composer.FieldRemoval)
}

func TestLoadRejectsBadPolicy(t *testing.T) {
	path := writeConfig(t, `
composer:
  field_removal: explode
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
detector:
  debounce_window: soon
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Detector.DebounceWindow = Duration(4 * time.Second)
	cfg.Deploy.MaxProbes = 7

	d := cfg.Detector.ToDetector()
	assert.Equal(t, 4*time.Second, d.DebounceWindow)

	dep := cfg.Deploy.ToDeploy()
	assert.Equal(t, 7, dep.MaxProbes)

	comp := cfg.Composer.ToComposer()
	assert.Equal(t, "warn", string(comp.Policy.FieldRemoval))
}
