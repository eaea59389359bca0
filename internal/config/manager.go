package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("EFI")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// Config file is optional; defaults plus env vars are a valid setup.
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// File not found via viper, use defaults
		} else if os.IsNotExist(err) {
			// File not found via os, use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})
	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.applyEnvOverrides()
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.tls_enabled", defaults.Server.TLSEnabled)
	m.viper.SetDefault("server.tls_cert_path", defaults.Server.TLSCertPath)
	m.viper.SetDefault("server.tls_key_path", defaults.Server.TLSKeyPath)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)

	// Database defaults
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)

	// Rating defaults
	m.viper.SetDefault("rating.api_key", defaults.Rating.APIKey)
	m.viper.SetDefault("rating.model", defaults.Rating.Model)
	m.viper.SetDefault("rating.base_url", defaults.Rating.BaseURL)
	m.viper.SetDefault("rating.timeout_seconds", defaults.Rating.TimeoutSeconds)

	// Ticket reader defaults
	m.viper.SetDefault("tickets.base_url", defaults.Tickets.BaseURL)
	m.viper.SetDefault("tickets.api_key", defaults.Tickets.APIKey)
	m.viper.SetDefault("tickets.timeout_seconds", defaults.Tickets.TimeoutSeconds)

	// Similarity defaults
	m.viper.SetDefault("similarity.candidate_ceiling", defaults.Similarity.CandidateCeiling)
	m.viper.SetDefault("similarity.default_limit", defaults.Similarity.DefaultLimit)
	m.viper.SetDefault("similarity.default_threshold", defaults.Similarity.DefaultThreshold)

	// Learning defaults
	m.viper.SetDefault("learning.batch_size", defaults.Learning.BatchSize)

	// Pattern defaults
	m.viper.SetDefault("pattern.recurrence_threshold", defaults.Pattern.RecurrenceThreshold)
	m.viper.SetDefault("pattern.window_days", defaults.Pattern.WindowDays)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.audit_file", defaults.Logging.AuditFile)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.TLSEnabled = m.viper.GetBool("server.tls_enabled")
	cfg.Server.TLSCertPath = m.viper.GetString("server.tls_cert_path")
	cfg.Server.TLSKeyPath = m.viper.GetString("server.tls_key_path")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")

	// Database
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	// Rating
	cfg.Rating.APIKey = m.viper.GetString("rating.api_key")
	cfg.Rating.Model = m.viper.GetString("rating.model")
	cfg.Rating.BaseURL = m.viper.GetString("rating.base_url")
	cfg.Rating.TimeoutSeconds = m.viper.GetInt("rating.timeout_seconds")

	// Tickets
	cfg.Tickets.BaseURL = m.viper.GetString("tickets.base_url")
	cfg.Tickets.APIKey = m.viper.GetString("tickets.api_key")
	cfg.Tickets.TimeoutSeconds = m.viper.GetInt("tickets.timeout_seconds")

	// Similarity
	cfg.Similarity.CandidateCeiling = m.viper.GetInt("similarity.candidate_ceiling")
	cfg.Similarity.DefaultLimit = m.viper.GetInt("similarity.default_limit")
	cfg.Similarity.DefaultThreshold = m.viper.GetFloat64("similarity.default_threshold")

	// Learning
	cfg.Learning.BatchSize = m.viper.GetInt("learning.batch_size")

	// Pattern
	cfg.Pattern.RecurrenceThreshold = m.viper.GetInt("pattern.recurrence_threshold")
	cfg.Pattern.WindowDays = m.viper.GetInt("pattern.window_days")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.AuditFile = m.viper.GetString("logging.audit_file")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variable overrides for sensitive data.
func (m *viperConfigManager) applyEnvOverrides() {
	// Rating API key from the conventional variable
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		m.config.Rating.APIKey = apiKey
	}
	if apiKey := os.Getenv("EFI_RATING_API_KEY"); apiKey != "" {
		m.config.Rating.APIKey = apiKey
	}

	// Ticket reader credentials
	if baseURL := os.Getenv("EFI_TICKETS_BASE_URL"); baseURL != "" {
		m.config.Tickets.BaseURL = baseURL
	}
	if apiKey := os.Getenv("EFI_TICKETS_API_KEY"); apiKey != "" {
		m.config.Tickets.APIKey = apiKey
	}

	// Port from environment - only override if explicitly set
	if portEnv := os.Getenv("EFI_PORT"); portEnv != "" {
		m.config.Server.Port = m.viper.GetInt("port")
	}

	// SQLite path from environment
	if path := os.Getenv("EFI_DATABASE_SQLITE_PATH"); path != "" {
		m.config.Database.SQLitePath = path
	}
}
