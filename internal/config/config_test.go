package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	t.Setenv(PathEnvVar, "")
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, path, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, "https://courseweb.sliit.lk", cfg.Portal.BaseURL)
	assert.Equal(t, 10*time.Minute, cfg.Cache.FreshFor)
	assert.Equal(t, 30*24*time.Hour, cfg.Cache.MaxAge)
	assert.Equal(t, 3, cfg.Cache.BatchSize)
	assert.Equal(t, BackendFile, cfg.Cache.Backend)
	assert.Equal(t, 800*time.Millisecond, cfg.Export.Interval)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "labsheets.yaml")
	content := `
portal:
  base_url: https://moodle.example.edu
  session_cookie: from-file
cache:
  backend: memory
  fresh_for: 5m
student:
  id: IT21000000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("LABSHEETS_PORTAL_SESSION_COOKIE", "from-env")
	t.Setenv("LABSHEETS_CACHE_BATCH_SIZE", "5")

	cfg, loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, loaded)
	assert.Equal(t, "https://moodle.example.edu", cfg.Portal.BaseURL)
	assert.Equal(t, "from-env", cfg.Portal.SessionCookie)
	assert.Equal(t, BackendMemory, cfg.Cache.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Cache.FreshFor)
	assert.Equal(t, 5, cfg.Cache.BatchSize)
	assert.Equal(t, "IT21000000", cfg.Student.ID)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	dir := isolate(t)
	_, _, err := Load(filepath.Join(dir, "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Cache.Backend = "redis" }},
		{"zero batch", func(c *Config) { c.Cache.BatchSize = 0 }},
		{"max age below fresh window", func(c *Config) { c.Cache.MaxAge = time.Minute }},
		{"bad url", func(c *Config) { c.Portal.BaseURL = "not a url" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestWriteFileRoundTrip(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := Default()
	cfg.Student.Name = "Jane Doe"
	cfg.Cache.FreshFor = 15 * time.Minute
	require.NoError(t, WriteFile(cfg, path, false))

	assert.Error(t, WriteFile(cfg, path, false), "should refuse to overwrite")
	assert.NoError(t, WriteFile(cfg, path, true))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", loaded.Student.Name)
	assert.Equal(t, 15*time.Minute, loaded.Cache.FreshFor)
	assert.Equal(t, cfg.Cache.MaxAge, loaded.Cache.MaxAge)
}
