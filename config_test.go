package fitsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "v1", cfg.Cache.Version)
	assert.Equal(t, DefaultNamespacePrefix, cfg.Cache.Prefix)
	assert.Equal(t, DefaultSeedPaths, cfg.Cache.SeedPaths)
	assert.Equal(t, DefaultLimits(), cfg.Limits())
	assert.Equal(t, DefaultWorkoutEndpoint, cfg.Sync.WorkoutEndpoint)
	assert.Equal(t, 24*time.Hour, cfg.Sync.PeriodicInterval.Duration)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing origin", func(c *Config) { c.Server.Origin = "" }},
		{"missing version", func(c *Config) { c.Cache.Version = "" }},
		{"prefix with separator", func(c *Config) { c.Cache.Prefix = "fit-quest" }},
		{"negative attempts", func(c *Config) { c.Sync.MaxAttempts = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, os.WriteFile(path, []byte(`
[server]
origin = "https://app.fitquest.example"

[cache]
version = "v7"
dynamic_max_age = "2h"
seed_paths = ["/", "/offline.html"]
`), 0o600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "https://app.fitquest.example", cfg.Server.Origin)
		assert.Equal(t, "v7", cfg.Cache.Version)
		assert.Equal(t, 2*time.Hour, cfg.Cache.DynamicMaxAge.Duration)
		assert.Equal(t, []string{"/", "/offline.html"}, cfg.Cache.SeedPaths)
		assert.Equal(t, "127.0.0.1:8787", cfg.Server.Listen, "unset keys keep defaults")
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, os.WriteFile(path, []byte("[server]\norigin = \"https://file.example\"\n"), 0o600))
		t.Setenv("FITSYNC_ORIGIN", "https://env.example")
		t.Setenv("FITSYNC_API_MAX_AGE", "10m")
		t.Setenv("FITSYNC_KEY_HEADERS", "Accept-Language,Authorization")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "https://env.example", cfg.Server.Origin)
		assert.Equal(t, 10*time.Minute, cfg.Cache.APIMaxAge.Duration)
		assert.Equal(t, []string{"Accept-Language", "Authorization"}, cfg.Cache.KeyHeaders)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, os.WriteFile(path, []byte("[server\norigin ="), 0o600))
		_, err := LoadConfig(path)
		assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
	})
}

func TestSaveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := DefaultConfig()
	cfg.Push.Secret = "s3cret"
	cfg.Sync.RetryMax = Duration{time.Hour}
	cfg.Cache.KeyHeaders = []string{"Accept-Language"}

	require.NoError(t, SaveConfig(path, cfg))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConfigSet(t *testing.T) {
	t.Run("assigns by kind", func(t *testing.T) {
		cfg := DefaultConfig()
		require.NoError(t, cfg.Set("server.origin", "https://app.fitquest.example"))
		require.NoError(t, cfg.Set("sync.max_attempts", "9"))
		require.NoError(t, cfg.Set("cache.api_max_age", "90s"))
		require.NoError(t, cfg.Set("cache.seed_paths", "/, /manifest.json, ,/offline.html"))

		assert.Equal(t, "https://app.fitquest.example", cfg.Server.Origin)
		assert.Equal(t, 9, cfg.Sync.MaxAttempts)
		assert.Equal(t, 90*time.Second, cfg.Cache.APIMaxAge.Duration)
		assert.Equal(t, []string{"/", "/manifest.json", "/offline.html"}, cfg.Cache.SeedPaths)
	})

	t.Run("rejects bad keys and values", func(t *testing.T) {
		cfg := DefaultConfig()
		for _, tc := range []struct{ key, value string }{
			{"origin", "x"},
			{"network.origin", "x"},
			{"server.port", "80"},
			{"sync.max_attempts", "many"},
			{"cache.api_max_age", "soon"},
		} {
			err := cfg.Set(tc.key, tc.value)
			assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err), tc.key)
		}
		assert.Equal(t, DefaultConfig(), cfg)
	})
}
