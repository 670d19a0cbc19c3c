package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadJSON(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{
		"username": "bob",
		"location": "http://localhost:8000/",
		"cache_dir": "/tmp/gnode-cache",
		"timeout": "5s",
		"log_level": "debug"
	}`), 0o644))

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "bob", c.Username)
	assert.Empty(t, c.Password)
	assert.Equal(t, "http://localhost:8000/", c.Location)
	assert.Equal(t, "/tmp/gnode-cache", c.CacheDir)
	assert.Equal(t, 5*time.Second, c.Timeout)
	assert.Equal(t, DefaultWorkers, c.Workers)
	assert.Equal(t, DefaultOdmlRepo, c.OdmlRepo)
	assert.Equal(t, slog.LevelDebug, c.Level())
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultLocation, c.Location)
	assert.NotEmpty(t, c.CacheDir)
	assert.Equal(t, DefaultTimeout, c.Timeout)
	assert.Equal(t, slog.LevelInfo, c.Level())
}

func TestValidate(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	bad := c
	bad.Location = "portal.g-node.org"
	assert.Error(t, bad.Validate())

	bad = c
	bad.LogLevel = "loud"
	assert.Error(t, bad.Validate())

	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"username": [`), 0o644))
	_, err := Load(p)
	assert.Error(t, err)
}
