package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoad_MissingFile_FallsBackToDefaults(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"), logger)
	require.NoError(t, err)
	assert.Equal(t, Default().Queue, cfg.Queue)
}

func TestLoad_ParsesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue:
  max_size: 1000
  batch_size: 16
http:
  listen_addr: ":9090"
`), 0o644))

	cfg, err := Load(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Queue.MaxSize)
	assert.Equal(t, 16, cfg.Queue.BatchSize)
	assert.Equal(t, ":9090", cfg.HTTP.ListenAddr)
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().Eviction.HorizonHours, cfg.Eviction.HorizonHours)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  max_size: 1000\n"), 0o644))

	t.Setenv("TRAKBRIDGE_QUEUE_MAX_SIZE", "2500")
	cfg, err := Load(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 2500, cfg.Queue.MaxSize)
}

func TestLoad_NonPositiveRequiredField_IsHardError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  max_size: 0\n"), 0o644))

	_, err := Load(path, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestLoad_InvalidEvictionHorizon_CorrectsToDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("eviction:\n  horizon_hours: -5\n"), 0o644))

	cfg, err := Load(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, Default().Eviction.HorizonHours, cfg.Eviction.HorizonHours)
}

func TestToQueueConfig_TranslatesMillisecondFields(t *testing.T) {
	cfg := Default()
	cfg.Transmission.BatchTimeoutMS = 250
	qc := cfg.ToQueueConfig()
	assert.Equal(t, cfg.Queue.MaxSize, qc.MaxSize)
	assert.Equal(t, cfg.Queue.BatchSize, qc.BatchSize)
	assert.Equal(t, 250*time.Millisecond, qc.BatchTimeout)
}
