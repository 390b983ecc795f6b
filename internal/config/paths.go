package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Paths contains the resolved directories and files used at runtime.
type Paths struct {
	DataDir         string
	ArtifactsDir    string
	LogsDir         string
	LicensesFile    string
	PackagesFile    string
	GrantsFile      string
	ActivationsFile string
	SQLiteFile      string
}

// ResolvePaths turns the configured (possibly relative) directories into
// absolute paths.
func (c *Config) ResolvePaths() (*Paths, error) {
	dataDir, err := filepath.Abs(c.Paths.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}
	artifactsDir, err := filepath.Abs(c.Paths.ArtifactsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifacts dir: %w", err)
	}
	logsDir, err := filepath.Abs(c.Paths.LogsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve logs dir: %w", err)
	}
	sqliteFile, err := filepath.Abs(c.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sqlite path: %w", err)
	}

	return &Paths{
		DataDir:         dataDir,
		ArtifactsDir:    artifactsDir,
		LogsDir:         logsDir,
		LicensesFile:    filepath.Join(dataDir, LicensesFileName),
		PackagesFile:    filepath.Join(dataDir, PackagesFileName),
		GrantsFile:      filepath.Join(dataDir, GrantsFileName),
		ActivationsFile: filepath.Join(dataDir, ActivationsFileName),
		SQLiteFile:      sqliteFile,
	}, nil
}

// EnsureDirectories creates all required directories if they don't exist
func (p *Paths) EnsureDirectories() error {
	directories := []string{
		p.DataDir,
		p.ArtifactsDir,
		p.LogsDir,
		filepath.Dir(p.SQLiteFile),
	}

	for _, dir := range directories {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// LogPathResolution logs the resolved paths at debug level.
func (p *Paths) LogPathResolution(logger *slog.Logger) {
	logger.Debug("Resolved paths",
		slog.String("data_dir", p.DataDir),
		slog.String("artifacts_dir", p.ArtifactsDir),
		slog.String("logs_dir", p.LogsDir),
		slog.String("sqlite_file", p.SQLiteFile))
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
