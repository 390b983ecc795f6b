package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePaths(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Paths.DataDir = filepath.Join(root, "data")
	cfg.Paths.LogsDir = filepath.Join(root, "logs")
	cfg.applyPathDefaults()

	paths, err := cfg.ResolvePaths()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "data", "artifacts"), paths.ArtifactsDir)
	assert.Equal(t, filepath.Join(root, "data", LicensesFileName), paths.LicensesFile)
	assert.Equal(t, filepath.Join(root, "data", ActivationsFileName), paths.ActivationsFile)

	require.NoError(t, paths.EnsureDirectories())
	for _, dir := range []string{paths.DataDir, paths.ArtifactsDir, paths.LogsDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, FileExists(dir))
	assert.False(t, FileExists(filepath.Join(dir, "missing")))
}
