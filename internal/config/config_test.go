package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, BackendMemory, cfg.StorageBackend)
	require.Equal(t, 2*time.Second, cfg.StorageTimeout)
	require.Equal(t, DefaultPolicy(), cfg.Policy)
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("STORAGE_BACKEND", "redis")
	t.Setenv("STORAGE_TIMEOUT", "500ms")
	t.Setenv("ALLOWED_ORIGINS", "example.com,chat.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddr)
	require.Equal(t, BackendRedis, cfg.StorageBackend)
	require.Equal(t, 500*time.Millisecond, cfg.StorageTimeout)
	require.Equal(t, []string{"example.com", "chat.example.com"}, cfg.AllowedOrigins)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LOG_LEVEL=debug\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("LOG_LEVEL") })

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORAGE_BACKEND", "postgres")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("blocked_words:\n  - heck\n  - darn\n"), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	require.Equal(t, []string{"heck", "darn"}, p.BlockedWords)
	require.Equal(t, DefaultPolicy().AdminExternalIDs, p.AdminExternalIDs, "missing list keeps the default")

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("blocked_words: [unterminated"), 0o600))
	_, err = LoadPolicy(bad)
	require.Error(t, err)
}
