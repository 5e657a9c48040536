package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/famsync/internal/common"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults() *Config {
	c := &Config{}
	c.LoadDefaults()
	return c
}

func writeTempJSON(t *testing.T, data map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.json")
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	c := defaults()

	assert.Equal(t, StoreSQLite, c.Store)
	assert.Equal(t, common.DefaultNamespace, c.Namespace)
	assert.Equal(t, 3, c.MaxRetries)
	assert.Equal(t, time.Second, c.RetryBaseDelay)
	assert.Equal(t, 10*time.Second, c.RetryMaxDelay)
	assert.Equal(t, 15*time.Second, c.AttemptTimeout)
	assert.Equal(t, 30*time.Second, c.OperationTimeout)
	assert.Equal(t, 8*time.Second, c.SessionFallbackTimeout)
	assert.Contains(t, c.ProtectedRoutes, "join-family")
}

func TestValidate(t *testing.T) {
	c := defaults()
	err := c.Validate()
	require.ErrorIs(t, err, common.ErrConfigMissing)
	assert.Equal(t, common.KindValidation, common.KindOf(err))

	c.BackendURL, c.APIKey = "https://x.example", "anon"
	require.NoError(t, c.Validate())

	c.Store = "etcd"
	require.ErrorContains(t, c.Validate(), "unknown store backend")

	c.Store, c.RedisAddr = StoreRedis, ""
	require.Error(t, c.Validate())
}

func TestLoadConfig_NoSources(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(defaults(), cfg))
}

func TestLoadConfig_Precedence(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FAMSYNC_BACKEND_URL", "https://env.example")
	t.Setenv("FAMSYNC_API_KEY", "env-key")
	t.Setenv("FAMSYNC_STORE", "redis")
	t.Setenv("FAMSYNC_OPERATION_TIMEOUT", "45s")
	t.Setenv("FAMSYNC_PROTECTED_ROUTES", "a, b,,c")

	path := writeTempJSON(t, map[string]any{
		"api_key":                  "json-key",
		"max_retries":              0,
		"session_fallback_timeout": "2s",
		"tier_timeout":             3,
	})

	cfg, err := LoadConfig([]string{"-c", path, "-u", "https://flag.example", "extra"})
	require.NoError(t, err)

	want := defaults()
	want.BackendURL = "https://flag.example"
	want.APIKey = "json-key"
	want.Store = StoreRedis
	want.OperationTimeout = 45 * time.Second
	want.ProtectedRoutes = []string{"a", "b", "c"}
	want.MaxRetries = 0
	want.SessionFallbackTimeout = 2 * time.Second
	want.TierTimeout = 3 * time.Second

	assert.Empty(t, cmp.Diff(want, cfg))
}

func TestLoadConfig_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("FAMSYNC_NAMESPACE=fromdotenv\nFAMSYNC_REDIS_DB=4\n"), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("FAMSYNC_NAMESPACE")
		_ = os.Unsetenv("FAMSYNC_REDIS_DB")
	})

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "fromdotenv", cfg.Namespace)
	assert.Equal(t, 4, cfg.RedisDB)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Run("missing explicit env file", func(t *testing.T) {
		_, err := LoadConfig([]string{"-env", "nope.env"})
		require.ErrorContains(t, err, "load env file")
	})

	t.Run("bad env duration", func(t *testing.T) {
		t.Setenv("FAMSYNC_TIER_TIMEOUT", "soon")
		_, err := LoadConfig(nil)
		require.ErrorContains(t, err, "FAMSYNC_TIER_TIMEOUT")
	})

	t.Run("bad env int", func(t *testing.T) {
		t.Setenv("FAMSYNC_MAX_RETRIES", "many")
		_, err := LoadConfig(nil)
		require.ErrorContains(t, err, "FAMSYNC_MAX_RETRIES")
	})

	t.Run("missing json", func(t *testing.T) {
		_, err := LoadConfig([]string{"-config", "/definitely/missing.json"})
		require.ErrorContains(t, err, "read config")
	})

	t.Run("malformed json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
		_, err := LoadConfig([]string{"-c", path})
		require.ErrorContains(t, err, "parse config")
	})
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected *Config
	}{
		{
			name:     "all flags",
			args:     []string{"-u", "http://127.0.0.1:54321", "-k", "anon", "-d", "/tmp/fs", "-s", "redis", "-l", "debug"},
			expected: &Config{BackendURL: "http://127.0.0.1:54321", APIKey: "anon", DataDir: "/tmp/fs", Store: "redis", LogLevel: "debug"},
		},
		{
			name:     "unknown flags ignored",
			args:     []string{"-x", "1", "-u", "http://h"},
			expected: &Config{BackendURL: "http://h"},
		},
		{
			name:     "equals form",
			args:     []string{"-k=key"},
			expected: &Config{APIKey: "key"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			require.NoError(t, parseFlags(cfg, tt.args))
			assert.Empty(t, cmp.Diff(tt.expected, cfg))
		})
	}
}
