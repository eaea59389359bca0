package config

import "context"

// Package config provides configuration management for efi-brain.
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (EFI_* prefix)
//   2. YAML config file (default: /etc/efi-brain/config.yaml)
//   3. Built-in defaults
//
// Main Configuration Sections:
//
//   1. Server
//      - port: Listen port (default 8090)
//      - tls_enabled / tls_cert_path / tls_key_path
//      - allowed_origins: WebSocket origin allow-list
//
//   2. Database
//      - sqlite_path: Path to the SQLite corpus file
//
//   3. Rating (external text-rating capability)
//      - api_key / model / base_url / timeout_seconds
//
//   4. Tickets (ERP core ticket reader, optional)
//      - base_url / api_key / timeout_seconds
//
//   5. Similarity
//      - candidate_ceiling: Corpus fetch cap for the linear scan
//      - default_limit / default_threshold
//
//   6. Learning
//      - batch_size: Pending events pulled per batch run
//
//   7. Pattern
//      - recurrence_threshold: Closures within the window that raise an alert
//      - window_days: Trailing detection window
//
//   8. Logging
//      - level: "debug" | "info" | "warn" | "error"
//      - format: "json" | "text"
//      - file / max_size_mb / max_backups / max_age_days (rotation)
//      - audit_file: Separate append-only audit trail (empty disables)

// Config contains all configuration fields.
type Config struct {
	// Server configuration
	Server struct {
		Port        int
		TLSEnabled  bool
		TLSCertPath string
		TLSKeyPath  string
		// AllowedOrigins is a list of origins permitted to open WebSocket
		// connections. Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
	}

	// Database configuration
	Database struct {
		SQLitePath string
	}

	// Rating capability configuration
	Rating struct {
		APIKey         string
		Model          string
		BaseURL        string
		TimeoutSeconds int
	}

	// Ticket reader configuration (ERP core; optional)
	Tickets struct {
		BaseURL        string
		APIKey         string
		TimeoutSeconds int
	}

	// Similarity search configuration
	Similarity struct {
		CandidateCeiling int
		DefaultLimit     int
		DefaultThreshold float64
	}

	// Learning loop configuration
	Learning struct {
		BatchSize int
	}

	// Pattern detection configuration
	Pattern struct {
		RecurrenceThreshold int
		WindowDays          int
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		// AuditFile enables the append-only audit trail when set.
		AuditFile string
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/efi-brain/config.yaml")
}
