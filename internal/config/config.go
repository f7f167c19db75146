package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the agent configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Backend   BackendConfig
	Capture   CaptureConfig
	Retention RetentionConfig
	Sync      SyncConfig
	Logging   LoggingConfig
}

// ServerConfig represents the local HTTP surface of the agent
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig represents the local store configuration
type DatabaseConfig struct {
	Type string // sqlite or postgres
	DSN  string
}

// BackendConfig represents the remote sync endpoint
type BackendConfig struct {
	BaseURL     string
	BearerToken string
	Timeout     time.Duration
}

// CaptureConfig represents event capture tuning
type CaptureConfig struct {
	DebounceWindow time.Duration
	IdleThreshold  time.Duration
}

// RetentionConfig represents local retention horizons and quota
type RetentionConfig struct {
	RawEventHorizon time.Duration
	SessionHorizon  time.Duration
	MaxRawEvents    int64
}

// SyncConfig represents sync scheduler tuning
type SyncConfig struct {
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	MaxAttempts     int
	QueueBatchSize  int
	CyclePeriod     time.Duration
	AggregatePeriod time.Duration
	CleanupPeriod   time.Duration
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		var file fileConfig
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if err := file.apply(cfg); err != nil {
			return nil, fmt.Errorf("invalid config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a configuration with default values
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8710,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			DSN:  "activity-agent.db",
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:8000/api/v1/extension",
			Timeout: 30 * time.Second,
		},
		Capture: CaptureConfig{
			DebounceWindow: 750 * time.Millisecond,
			IdleThreshold:  5 * time.Minute,
		},
		Retention: RetentionConfig{
			RawEventHorizon: 24 * time.Hour,
			SessionHorizon:  7 * 24 * time.Hour,
			MaxRawEvents:    10000,
		},
		Sync: SyncConfig{
			InitialDelay:    30 * time.Second,
			MaxDelay:        time.Hour,
			MaxAttempts:     10,
			QueueBatchSize:  5,
			CyclePeriod:     15 * time.Minute,
			AggregatePeriod: time.Hour,
			CleanupPeriod:   6 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// fileConfig is the YAML shape of the config file. Durations are strings in
// time.ParseDuration form; zero values leave the default untouched.
type fileConfig struct {
	Server struct {
		Host         string `yaml:"host"`
		Port         int    `yaml:"port"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
	} `yaml:"server"`
	Database struct {
		Type string `yaml:"type"`
		DSN  string `yaml:"dsn"`
	} `yaml:"database"`
	Backend struct {
		BaseURL     string `yaml:"base_url"`
		BearerToken string `yaml:"bearer_token"`
		Timeout     string `yaml:"timeout"`
	} `yaml:"backend"`
	Capture struct {
		DebounceWindow string `yaml:"debounce_window"`
		IdleThreshold  string `yaml:"idle_threshold"`
	} `yaml:"capture"`
	Retention struct {
		RawEventHorizon string `yaml:"raw_event_horizon"`
		SessionHorizon  string `yaml:"session_horizon"`
		MaxRawEvents    int64  `yaml:"max_raw_events"`
	} `yaml:"retention"`
	Sync struct {
		InitialDelay    string `yaml:"initial_delay"`
		MaxDelay        string `yaml:"max_delay"`
		MaxAttempts     int    `yaml:"max_attempts"`
		QueueBatchSize  int    `yaml:"queue_batch_size"`
		CyclePeriod     string `yaml:"cycle_period"`
		AggregatePeriod string `yaml:"aggregate_period"`
		CleanupPeriod   string `yaml:"cleanup_period"`
	} `yaml:"sync"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// apply overlays the file values onto cfg
func (f *fileConfig) apply(cfg *Config) error {
	setString(&cfg.Server.Host, f.Server.Host)
	if f.Server.Port != 0 {
		cfg.Server.Port = f.Server.Port
	}
	if err := setDuration(&cfg.Server.ReadTimeout, f.Server.ReadTimeout); err != nil {
		return err
	}
	if err := setDuration(&cfg.Server.WriteTimeout, f.Server.WriteTimeout); err != nil {
		return err
	}

	setString(&cfg.Database.Type, f.Database.Type)
	setString(&cfg.Database.DSN, f.Database.DSN)

	setString(&cfg.Backend.BaseURL, f.Backend.BaseURL)
	setString(&cfg.Backend.BearerToken, f.Backend.BearerToken)
	if err := setDuration(&cfg.Backend.Timeout, f.Backend.Timeout); err != nil {
		return err
	}

	if err := setDuration(&cfg.Capture.DebounceWindow, f.Capture.DebounceWindow); err != nil {
		return err
	}
	if err := setDuration(&cfg.Capture.IdleThreshold, f.Capture.IdleThreshold); err != nil {
		return err
	}

	if err := setDuration(&cfg.Retention.RawEventHorizon, f.Retention.RawEventHorizon); err != nil {
		return err
	}
	if err := setDuration(&cfg.Retention.SessionHorizon, f.Retention.SessionHorizon); err != nil {
		return err
	}
	if f.Retention.MaxRawEvents != 0 {
		cfg.Retention.MaxRawEvents = f.Retention.MaxRawEvents
	}

	if err := setDuration(&cfg.Sync.InitialDelay, f.Sync.InitialDelay); err != nil {
		return err
	}
	if err := setDuration(&cfg.Sync.MaxDelay, f.Sync.MaxDelay); err != nil {
		return err
	}
	if f.Sync.MaxAttempts != 0 {
		cfg.Sync.MaxAttempts = f.Sync.MaxAttempts
	}
	if f.Sync.QueueBatchSize != 0 {
		cfg.Sync.QueueBatchSize = f.Sync.QueueBatchSize
	}
	if err := setDuration(&cfg.Sync.CyclePeriod, f.Sync.CyclePeriod); err != nil {
		return err
	}
	if err := setDuration(&cfg.Sync.AggregatePeriod, f.Sync.AggregatePeriod); err != nil {
		return err
	}
	if err := setDuration(&cfg.Sync.CleanupPeriod, f.Sync.CleanupPeriod); err != nil {
		return err
	}

	setString(&cfg.Logging.Level, f.Logging.Level)
	setString(&cfg.Logging.Format, f.Logging.Format)
	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setDuration(dst *time.Duration, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", value, err)
	}
	*dst = d
	return nil
}

// getConfigPath returns the configuration file path
func getConfigPath() string {
	if path := os.Getenv("AGENT_CONFIG"); path != "" {
		return path
	}

	return "config.yaml"
}

// applyEnv overrides configuration with environment variables
func (c *Config) applyEnv() {
	if host := os.Getenv("AGENT_SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("AGENT_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	if dbType := os.Getenv("AGENT_DATABASE_TYPE"); dbType != "" {
		c.Database.Type = dbType
	}
	if dsn := os.Getenv("AGENT_DATABASE_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}

	if baseURL := os.Getenv("AGENT_BACKEND_BASE_URL"); baseURL != "" {
		c.Backend.BaseURL = baseURL
	}
	if token := os.Getenv("AGENT_BACKEND_BEARER_TOKEN"); token != "" {
		c.Backend.BearerToken = token
	}
	if timeout := os.Getenv("AGENT_BACKEND_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.Backend.Timeout = d
		}
	}

	if window := os.Getenv("AGENT_CAPTURE_DEBOUNCE_WINDOW"); window != "" {
		if d, err := time.ParseDuration(window); err == nil {
			c.Capture.DebounceWindow = d
		}
	}

	if horizon := os.Getenv("AGENT_RETENTION_RAW_EVENT_HORIZON"); horizon != "" {
		if d, err := time.ParseDuration(horizon); err == nil {
			c.Retention.RawEventHorizon = d
		}
	}
	if horizon := os.Getenv("AGENT_RETENTION_SESSION_HORIZON"); horizon != "" {
		if d, err := time.ParseDuration(horizon); err == nil {
			c.Retention.SessionHorizon = d
		}
	}
	if max := os.Getenv("AGENT_RETENTION_MAX_RAW_EVENTS"); max != "" {
		if m, err := strconv.ParseInt(max, 10, 64); err == nil {
			c.Retention.MaxRawEvents = m
		}
	}

	if delay := os.Getenv("AGENT_SYNC_INITIAL_DELAY"); delay != "" {
		if d, err := time.ParseDuration(delay); err == nil {
			c.Sync.InitialDelay = d
		}
	}
	if delay := os.Getenv("AGENT_SYNC_MAX_DELAY"); delay != "" {
		if d, err := time.ParseDuration(delay); err == nil {
			c.Sync.MaxDelay = d
		}
	}
	if attempts := os.Getenv("AGENT_SYNC_MAX_ATTEMPTS"); attempts != "" {
		if a, err := strconv.Atoi(attempts); err == nil {
			c.Sync.MaxAttempts = a
		}
	}

	if level := os.Getenv("AGENT_LOGGING_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("AGENT_LOGGING_FORMAT"); format != "" {
		c.Logging.Format = format
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Type != "sqlite" && c.Database.Type != "postgres" {
		return fmt.Errorf("invalid database type: %s", c.Database.Type)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must not be empty")
	}

	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base URL must not be empty")
	}

	if c.Retention.RawEventHorizon <= 0 {
		return fmt.Errorf("raw event horizon must be positive")
	}
	if c.Retention.SessionHorizon <= c.Retention.RawEventHorizon {
		return fmt.Errorf("session horizon must exceed raw event horizon")
	}
	if c.Retention.MaxRawEvents <= 0 {
		return fmt.Errorf("max raw events must be positive")
	}

	if c.Sync.InitialDelay <= 0 {
		return fmt.Errorf("sync initial delay must be positive")
	}
	if c.Sync.MaxDelay < c.Sync.InitialDelay {
		return fmt.Errorf("sync max delay must not be below the initial delay")
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync max attempts must be positive")
	}
	if c.Sync.QueueBatchSize <= 0 {
		return fmt.Errorf("sync queue batch size must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}
