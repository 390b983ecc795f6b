package testutil

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"devicehub/internal/config"
	"devicehub/internal/storage"
	"devicehub/internal/storage/jsonstore"
)

// TestConfig returns the default configuration rooted in a fresh temporary
// directory, with rate limiting off and the listener on an ephemeral port.
func TestConfig(t testing.TB) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Security.RateLimit.Enabled = false
	cfg.Paths.LogsDir = filepath.Join(dir, "logs")
	cfg.SetDataDir(filepath.Join(dir, "data"))
	return cfg
}

// TempPaths resolves cfg's paths and creates the directories.
func TempPaths(t testing.TB, cfg *config.Config) *config.Paths {
	t.Helper()
	paths, err := cfg.ResolvePaths()
	require.NoError(t, err)
	require.NoError(t, paths.EnsureDirectories())
	return paths
}

// NewJSONStore opens a JSON-file store in a temporary data directory.
func NewJSONStore(t testing.TB, logger *slog.Logger) *jsonstore.Store {
	t.Helper()
	store, err := jsonstore.Open(TempPaths(t, TestConfig(t)), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// SeedLicenses stores one unactivated record per key.
func SeedLicenses(t testing.TB, store storage.LicenseStore, keys ...string) {
	t.Helper()
	for _, key := range keys {
		require.NoError(t, store.PutLicense(context.Background(), storage.LicenseRecord{Key: key}))
	}
}

// WritePackageFolder creates a package source folder under parent holding
// files (relative path -> content) and returns its path.
func WritePackageFolder(t testing.TB, parent, name string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(parent, name)
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}
