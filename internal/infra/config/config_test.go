package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.Engine)
	assert.Equal(t, time.Hour, cfg.RetentionInterval)
}

func TestLoadFromFileMissingReturnsDefaults(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"user_id":"@bob:example.org","engine":"bolt","retention_interval_mins":5}`), 0600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "@bob:example.org", cfg.UserID)
	assert.Equal(t, "bolt", cfg.Engine)
	assert.Equal(t, 5*time.Minute, cfg.RetentionInterval)
	assert.Equal(t, "INFO", cfg.LogLevel)
}

func TestLoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("user_id: \"@bob:example.org\"\nlog_format: json\nmedia_cache_size: 16\n"), 0600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "@bob:example.org", cfg.UserID)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 16, cfg.MediaCacheSize)
}

func TestLoadFromFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0600))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MXCACHE_USER_ID", "@alice:example.org")
	t.Setenv("MXCACHE_CACHE_DIR", "/tmp/mxcache-test")
	t.Setenv("MXCACHE_RETENTION_INTERVAL", "15")
	t.Setenv("MXCACHE_MEDIA_CACHE_SIZE", "not a number")

	cfg := Load("")
	assert.Equal(t, "@alice:example.org", cfg.UserID)
	assert.Equal(t, "/tmp/mxcache-test", cfg.CacheDir)
	assert.Equal(t, 15*time.Minute, cfg.RetentionInterval)
	assert.Equal(t, 128, cfg.MediaCacheSize)
}

func TestRetentionZeroDisables(t *testing.T) {
	dir := t.TempDir()

	zero := filepath.Join(dir, "zero.json")
	require.NoError(t, os.WriteFile(zero, []byte(`{"retention_interval_mins":0}`), 0600))
	cfg, err := LoadFromFile(zero)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.RetentionIntervalMins)
	assert.Equal(t, time.Duration(0), cfg.RetentionInterval)

	absent := filepath.Join(dir, "absent.yaml")
	require.NoError(t, os.WriteFile(absent, []byte("engine: bolt\n"), 0600))
	cfg, err = LoadFromFile(absent)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.RetentionInterval)

	t.Setenv("MXCACHE_RETENTION_INTERVAL", "0")
	cfg = Load("")
	assert.Equal(t, 0, cfg.RetentionIntervalMins)
	assert.Equal(t, time.Duration(0), cfg.RetentionInterval)
}

func TestEnsureCacheDir(t *testing.T) {
	cfg := Default()
	cfg.CacheDir = filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, cfg.EnsureCacheDir())
	assert.DirExists(t, cfg.CacheDir)
}
