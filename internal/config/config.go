package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the namespace for environment overrides (DEVICEHUB_SERVER_PORT, ...).
const EnvPrefix = "DEVICEHUB"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Paths     PathsConfig     `yaml:"paths" envconfig:"PATHS"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
	Presence  PresenceConfig  `yaml:"presence" envconfig:"PRESENCE"`
	Delivery  DeliveryConfig  `yaml:"delivery" envconfig:"DELIVERY"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	Audit     AuditConfig     `yaml:"audit" envconfig:"AUDIT"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// Addr returns the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	OperatorKey    string          `yaml:"operator_key" envconfig:"OPERATOR_KEY"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration for device-facing endpoints
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// PathsConfig contains file system paths configuration
type PathsConfig struct {
	DataDir      string `yaml:"data_dir" envconfig:"DATA_DIR"`
	ArtifactsDir string `yaml:"artifacts_dir" envconfig:"ARTIFACTS_DIR"`
	LogsDir      string `yaml:"logs_dir" envconfig:"LOGS_DIR"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	MaxMessageSize  int64         `yaml:"max_message_size" envconfig:"MAX_MESSAGE_SIZE"`
	SendBuffer      int           `yaml:"send_buffer" envconfig:"SEND_BUFFER"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
	WriteWait       time.Duration `yaml:"write_wait" envconfig:"WRITE_WAIT"`
}

// PresenceConfig controls device presence reconciliation.
type PresenceConfig struct {
	GraceInterval  time.Duration `yaml:"grace_interval" envconfig:"GRACE_INTERVAL"`
	ResyncInterval time.Duration `yaml:"resync_interval" envconfig:"RESYNC_INTERVAL"`
}

// DeliveryConfig controls package delivery and download grants.
type DeliveryConfig struct {
	DefaultGrantTTL    time.Duration `yaml:"default_grant_ttl" envconfig:"DEFAULT_GRANT_TTL"`
	PruneInterval      time.Duration `yaml:"prune_interval" envconfig:"PRUNE_INTERVAL"`
	TombstoneRetention time.Duration `yaml:"tombstone_retention" envconfig:"TOMBSTONE_RETENTION"`
	// PublicBaseURL prefixes download links. When empty, links use the
	// scheme and host of the request that issued them.
	PublicBaseURL      string        `yaml:"public_base_url" envconfig:"PUBLIC_BASE_URL"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver     string `yaml:"driver" envconfig:"DRIVER"`
	SQLitePath string `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`
}

// AuditConfig configures where license activations are recorded.
// The local JSON-lines log is always written; Sheets is optional.
type AuditConfig struct {
	SheetsSpreadsheetID string `yaml:"sheets_spreadsheet_id" envconfig:"SHEETS_SPREADSHEET_ID"`
	SheetsRange         string `yaml:"sheets_range" envconfig:"SHEETS_RANGE"`
	CredentialsFile     string `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
}

// SheetsEnabled reports whether activations are mirrored to Google Sheets.
func (a AuditConfig) SheetsEnabled() bool {
	return a.SheetsSpreadsheetID != "" && a.CredentialsFile != ""
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" envconfig:"SERVICE_NAME"`
	TraceExporter  string `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	MetricsEnabled bool   `yaml:"metrics_enabled" envconfig:"METRICS_ENABLED"`
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence. An empty path falls back to
// the well-known locations.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = getConfigFilePath()
	}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	cfg.applyPathDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays the YAML file onto cfg; keys absent from the file keep their value.
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyPathDefaults anchors relative directories under the data directory.
func (c *Config) applyPathDefaults() {
	if c.Paths.ArtifactsDir == "" {
		c.Paths.ArtifactsDir = filepath.Join(c.Paths.DataDir, "artifacts")
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.Paths.DataDir, "devicehub.db")
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = filepath.Join(c.Paths.LogsDir, "devicehub.log")
	}
}

// SetDataDir moves the data directory. Paths derived from the previous data
// directory follow it; explicitly configured ones are kept.
func (c *Config) SetDataDir(dir string) {
	old := c.Paths.DataDir
	if c.Paths.ArtifactsDir == filepath.Join(old, "artifacts") {
		c.Paths.ArtifactsDir = ""
	}
	if c.Storage.SQLitePath == filepath.Join(old, "devicehub.db") {
		c.Storage.SQLitePath = ""
	}
	c.Paths.DataDir = dir
	c.applyPathDefaults()
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if c.Presence.GraceInterval <= 0 {
		return fmt.Errorf("presence grace interval must be positive")
	}

	if c.Presence.ResyncInterval <= 0 {
		return fmt.Errorf("presence resync interval must be positive")
	}

	if c.Delivery.DefaultGrantTTL <= 0 {
		return fmt.Errorf("default grant ttl must be positive")
	}

	if c.Delivery.PruneInterval <= 0 {
		return fmt.Errorf("prune interval must be positive")
	}

	switch c.Storage.Driver {
	case StorageDriverJSON, StorageDriverSQLite:
	default:
		return fmt.Errorf("unknown storage driver: %q", c.Storage.Driver)
	}

	if c.Security.RateLimit.Enabled && c.Security.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate limit rps must be positive when enabled")
	}

	switch c.Logging.Output {
	case "stdout", "file", "both":
	default:
		return fmt.Errorf("invalid logging output: %q", c.Logging.Output)
	}

	if c.Paths.DataDir == "" {
		return fmt.Errorf("data directory must be set")
	}

	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	locations := []string{
		"devicehub.yaml",
		"config.yaml",
		"configs/devicehub.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    10 * time.Minute,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  60 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     10,
				Burst:   20,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Paths: PathsConfig{
			DataDir: "data",
			LogsDir: "logs",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			MaxMessageSize:  64 << 10,
			SendBuffer:      256,
			PingPeriod:      54 * time.Second,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
		},
		Presence: PresenceConfig{
			GraceInterval:  DefaultGraceInterval,
			ResyncInterval: DefaultResyncInterval,
		},
		Delivery: DeliveryConfig{
			DefaultGrantTTL:    DefaultGrantTTL,
			PruneInterval:      10 * time.Minute,
			TombstoneRetention: 24 * time.Hour,
		},
		Storage: StorageConfig{
			Driver: StorageDriverJSON,
		},
		Audit: AuditConfig{
			SheetsRange: "Activations!A:E",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    AppName,
			TraceExporter:  "none",
			MetricsEnabled: true,
		},
	}
}
