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

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Presence.GraceInterval)
	assert.Equal(t, 3*time.Second, cfg.Presence.ResyncInterval)
	assert.Equal(t, 6*time.Hour, cfg.Delivery.DefaultGrantTTL)
	assert.Equal(t, StorageDriverJSON, cfg.Storage.Driver)
	assert.False(t, cfg.Audit.SheetsEnabled())
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		yaml        string
		env         map[string]string
		wantErr     bool
		validateCfg func(*testing.T, *Config)
	}{
		{
			name: "defaults without file or env",
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, filepath.Join("data", "artifacts"), cfg.Paths.ArtifactsDir)
				assert.Equal(t, filepath.Join("data", "devicehub.db"), cfg.Storage.SQLitePath)
			},
		},
		{
			name: "file overrides defaults and keeps absent keys",
			yaml: "server:\n  port: 9090\npresence:\n  grace_interval: 2s\n",
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, 2*time.Second, cfg.Presence.GraceInterval)
				assert.Equal(t, 3*time.Second, cfg.Presence.ResyncInterval)
			},
		},
		{
			name: "env overrides file",
			yaml: "server:\n  port: 9090\n",
			env: map[string]string{
				"DEVICEHUB_SERVER_PORT":    "7070",
				"DEVICEHUB_STORAGE_DRIVER": "sqlite",
			},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 7070, cfg.Server.Port)
				assert.Equal(t, StorageDriverSQLite, cfg.Storage.Driver)
			},
		},
		{
			name:    "unknown storage driver",
			env:     map[string]string{"DEVICEHUB_STORAGE_DRIVER": "redis"},
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			yaml:    "server: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := ""
			if tt.yaml != "" {
				path = filepath.Join(t.TempDir(), "devicehub.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0644))
			}

			cfg, err := Load(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.validateCfg != nil {
				tt.validateCfg(t, cfg)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"zero grace interval", func(c *Config) { c.Presence.GraceInterval = 0 }},
		{"negative resync", func(c *Config) { c.Presence.ResyncInterval = -time.Second }},
		{"zero grant ttl", func(c *Config) { c.Delivery.DefaultGrantTTL = 0 }},
		{"bad log output", func(c *Config) { c.Logging.Output = "syslog" }},
		{"rate limit without rps", func(c *Config) { c.Security.RateLimit.RPS = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestAuditSheetsEnabled(t *testing.T) {
	a := AuditConfig{SheetsSpreadsheetID: "sheet"}
	assert.False(t, a.SheetsEnabled())

	a.CredentialsFile = "creds.json"
	assert.True(t, a.SheetsEnabled())
}

func TestSetDataDir(t *testing.T) {
	cfg := Default()
	cfg.applyPathDefaults()
	cfg.SetDataDir("/srv/devicehub")

	assert.Equal(t, "/srv/devicehub", cfg.Paths.DataDir)
	assert.Equal(t, filepath.Join("/srv/devicehub", "artifacts"), cfg.Paths.ArtifactsDir)
	assert.Equal(t, filepath.Join("/srv/devicehub", "devicehub.db"), cfg.Storage.SQLitePath)

	cfg = Default()
	cfg.Paths.ArtifactsDir = "/mnt/artifacts"
	cfg.applyPathDefaults()
	cfg.SetDataDir("/srv/devicehub")

	assert.Equal(t, "/mnt/artifacts", cfg.Paths.ArtifactsDir)
	assert.Equal(t, filepath.Join("/srv/devicehub", "devicehub.db"), cfg.Storage.SQLitePath)
}
