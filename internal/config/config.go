// Package config provides centralized configuration for the bar ingestion
// service. Configuration is loaded from a JSON file and overridden by
// environment variables, with validated defaults for everything else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"log/slog"
)

// AppConfig is the complete application configuration.
type AppConfig struct {
	AppName string `json:"app_name" env:"APP_NAME"`

	// Alpaca holds remote API credentials and endpoints.
	Alpaca AlpacaConfig `json:"alpaca"`

	// Ingest configures the pipeline.
	Ingest IngestConfig `json:"ingest"`

	// Storage configures the embedded bar store.
	Storage StorageConfig `json:"storage"`

	// Logging configures structured logging.
	Logging LoggingConfig `json:"logging"`
}

// AlpacaConfig configures the remote market data and trading API client.
type AlpacaConfig struct {
	APIKey     string `json:"api_key" env:"APCA_API_KEY_ID"`
	APISecret  string `json:"api_secret" env:"APCA_API_SECRET_KEY"`
	DataURL    string `json:"data_url" env:"APCA_DATA_URL"`       // empty uses production
	TradingURL string `json:"trading_url" env:"APCA_TRADING_URL"` // empty uses production
	Timeout    string `json:"timeout" env:"HTTP_TIMEOUT"`         // HTTP request timeout
}

// IngestConfig configures the ingestion pipeline.
type IngestConfig struct {
	Timeframe      string   `json:"timeframe" env:"TIMEFRAME"`             // bar granularity, e.g. "1Min"
	Exchange       string   `json:"exchange" env:"EXCHANGE"`               // universe exchange filter
	Symbols        []string `json:"symbols" env:"SYMBOLS"`                 // static universe override
	LookbackDays   int      `json:"lookback_days" env:"LOOKBACK_DAYS"`     // backfill window length
	FreshnessDays  int      `json:"freshness_days" env:"FRESHNESS_DAYS"`   // skip symbols fresher than this
	RateLimitDelay string   `json:"rate_limit_delay" env:"RATE_DELAY"`     // minimum inter-request delay
	FlushThreshold int      `json:"flush_threshold" env:"FLUSH_THRESHOLD"` // rows per bulk upsert
	Workers        int      `json:"workers" env:"WORKERS"`                 // concurrent symbol workers
}

// StorageConfig configures the embedded store.
type StorageConfig struct {
	Path string `json:"path" env:"STORAGE_PATH"` // database file path
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`             // debug, info, warn, error
	Format     string `json:"format" env:"LOG_FORMAT"`           // json, text
	Output     string `json:"output" env:"LOG_OUTPUT"`           // stdout, stderr, file
	FilePath   string `json:"file_path" env:"LOG_FILE_PATH"`     // log file path when output is file
	MaxSize    int    `json:"max_size" env:"LOG_MAX_SIZE"`       // file size limit in MB
	MaxBackups int    `json:"max_backups" env:"LOG_MAX_BACKUPS"` // rotated files to keep
	MaxAge     int    `json:"max_age" env:"LOG_MAX_AGE"`         // rotated file age limit in days
	Compress   bool   `json:"compress" env:"LOG_COMPRESS"`       // gzip rotated files
}

// ConfigError reports an invalid or incomplete configuration.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Manager handles configuration loading and validation.
type Manager struct {
	config     *AppConfig
	configPath string
	logger     *slog.Logger
}

// NewManager creates a configuration manager. configPath may be empty to run
// on defaults plus environment.
func NewManager(configPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{configPath: configPath, logger: logger}
}

// Load builds the configuration with priority order:
// 1. Environment variables (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
func (m *Manager) Load() (*AppConfig, error) {
	config := DefaultConfig()

	if m.configPath != "" {
		if err := m.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	m.loadFromEnv(config)

	if err := m.validate(config); err != nil {
		return nil, err
	}

	m.config = config
	m.logger.Info("configuration loaded",
		"config_path", m.configPath,
		"timeframe", config.Ingest.Timeframe,
		"storage_path", config.Storage.Path,
		"log_level", config.Logging.Level)
	return config, nil
}

// loadFromFile merges a JSON config file into config. A missing file is not
// an error; defaults apply.
func (m *Manager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		m.logger.Debug("config file does not exist, using defaults", "path", m.configPath)
		return nil
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", m.configPath, err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", m.configPath, err)
	}
	return nil
}

// loadFromEnv merges environment variables into config.
func (m *Manager) loadFromEnv(config *AppConfig) {
	if val := os.Getenv("APP_NAME"); val != "" {
		config.AppName = val
	}

	if val := os.Getenv("APCA_API_KEY_ID"); val != "" {
		config.Alpaca.APIKey = val
	}
	if val := os.Getenv("APCA_API_SECRET_KEY"); val != "" {
		config.Alpaca.APISecret = val
	}
	if val := os.Getenv("APCA_DATA_URL"); val != "" {
		config.Alpaca.DataURL = val
	}
	if val := os.Getenv("APCA_TRADING_URL"); val != "" {
		config.Alpaca.TradingURL = val
	}
	if val := os.Getenv("HTTP_TIMEOUT"); val != "" {
		config.Alpaca.Timeout = val
	}

	if val := os.Getenv("TIMEFRAME"); val != "" {
		config.Ingest.Timeframe = val
	}
	if val := os.Getenv("EXCHANGE"); val != "" {
		config.Ingest.Exchange = val
	}
	if val := os.Getenv("SYMBOLS"); val != "" {
		config.Ingest.Symbols = strings.Split(val, ",")
	}
	if val := os.Getenv("LOOKBACK_DAYS"); val != "" {
		if days, err := strconv.Atoi(val); err == nil {
			config.Ingest.LookbackDays = days
		}
	}
	if val := os.Getenv("FRESHNESS_DAYS"); val != "" {
		if days, err := strconv.Atoi(val); err == nil {
			config.Ingest.FreshnessDays = days
		}
	}
	if val := os.Getenv("RATE_DELAY"); val != "" {
		config.Ingest.RateLimitDelay = val
	}
	if val := os.Getenv("FLUSH_THRESHOLD"); val != "" {
		if threshold, err := strconv.Atoi(val); err == nil {
			config.Ingest.FlushThreshold = threshold
		}
	}
	if val := os.Getenv("WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil {
			config.Ingest.Workers = workers
		}
	}

	if val := os.Getenv("STORAGE_PATH"); val != "" {
		config.Storage.Path = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		config.Logging.Output = val
	}
	if val := os.Getenv("LOG_FILE_PATH"); val != "" {
		config.Logging.FilePath = val
	}
}

// validate checks consistency and required fields. Credentials are checked
// separately because store-only modes run without them.
func (m *Manager) validate(config *AppConfig) error {
	if config.Storage.Path == "" {
		return &ConfigError{Field: "storage.path", Message: "is required"}
	}
	if config.Ingest.Timeframe == "" {
		return &ConfigError{Field: "ingest.timeframe", Message: "is required"}
	}
	if config.Ingest.LookbackDays <= 0 {
		return &ConfigError{Field: "ingest.lookback_days", Message: "must be greater than 0"}
	}
	if config.Ingest.FreshnessDays < 0 {
		return &ConfigError{Field: "ingest.freshness_days", Message: "cannot be negative"}
	}
	if config.Ingest.FlushThreshold <= 0 {
		return &ConfigError{Field: "ingest.flush_threshold", Message: "must be greater than 0"}
	}
	if config.Ingest.Workers <= 0 {
		return &ConfigError{Field: "ingest.workers", Message: "must be greater than 0"}
	}
	if _, err := time.ParseDuration(config.Ingest.RateLimitDelay); err != nil {
		return &ConfigError{Field: "ingest.rate_limit_delay", Message: fmt.Sprintf("invalid duration: %v", err)}
	}
	if config.Alpaca.Timeout != "" {
		if _, err := time.ParseDuration(config.Alpaca.Timeout); err != nil {
			return &ConfigError{Field: "alpaca.timeout", Message: fmt.Sprintf("invalid duration: %v", err)}
		}
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return &ConfigError{Field: "logging.level", Message: "must be one of: debug, info, warn, error"}
	}
	switch config.Logging.Format {
	case "json", "text":
	default:
		return &ConfigError{Field: "logging.format", Message: "must be one of: json, text"}
	}
	return nil
}

// RequireCredentials checks that remote API credentials are present. Modes
// that talk to the API call this at startup and fail fast.
func (c *AppConfig) RequireCredentials() error {
	if c.Alpaca.APIKey == "" {
		return &ConfigError{Field: "alpaca.api_key", Message: "is required for API modes"}
	}
	if c.Alpaca.APISecret == "" {
		return &ConfigError{Field: "alpaca.api_secret", Message: "is required for API modes"}
	}
	return nil
}

// RateDelay returns the parsed minimum inter-request delay.
func (c *AppConfig) RateDelay() time.Duration {
	d, err := time.ParseDuration(c.Ingest.RateLimitDelay)
	if err != nil {
		return 200 * time.Millisecond
	}
	return d
}

// HTTPTimeout returns the parsed HTTP client timeout.
func (c *AppConfig) HTTPTimeout() time.Duration {
	d, err := time.ParseDuration(c.Alpaca.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Lookback returns the backfill window length.
func (c *AppConfig) Lookback() time.Duration {
	return time.Duration(c.Ingest.LookbackDays) * 24 * time.Hour
}

// Freshness returns the freshness window for universe resolution.
func (c *AppConfig) Freshness() time.Duration {
	return time.Duration(c.Ingest.FreshnessDays) * 24 * time.Hour
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "barhoard",
		Alpaca: AlpacaConfig{
			Timeout: "30s",
		},
		Ingest: IngestConfig{
			Timeframe:      "1Min",
			Exchange:       "NYSE",
			LookbackDays:   30,
			FreshnessDays:  7,
			RateLimitDelay: "200ms",
			FlushThreshold: 10000,
			Workers:        1,
		},
		Storage: StorageConfig{
			Path: "./data/bars.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// String renders the configuration with credentials redacted.
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Alpaca.APIKey != "" {
		sanitized.Alpaca.APIKey = "[REDACTED]"
	}
	if sanitized.Alpaca.APISecret != "" {
		sanitized.Alpaca.APISecret = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
