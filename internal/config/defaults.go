package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8090
	cfg.Server.TLSEnabled = false
	cfg.Server.TLSCertPath = ""
	cfg.Server.TLSKeyPath = ""

	// Database defaults
	cfg.Database.SQLitePath = "/var/lib/efi-brain/efi.db"

	// Rating defaults
	cfg.Rating.APIKey = ""
	cfg.Rating.Model = "gpt-4o-mini"
	cfg.Rating.BaseURL = "https://api.openai.com/v1"
	cfg.Rating.TimeoutSeconds = 10

	// Ticket reader defaults (empty base URL disables the reader)
	cfg.Tickets.BaseURL = ""
	cfg.Tickets.APIKey = ""
	cfg.Tickets.TimeoutSeconds = 10

	// Similarity defaults
	cfg.Similarity.CandidateCeiling = 500
	cfg.Similarity.DefaultLimit = 10
	cfg.Similarity.DefaultThreshold = 0.1

	// Learning defaults
	cfg.Learning.BatchSize = 50

	// Pattern defaults
	cfg.Pattern.RecurrenceThreshold = 3
	cfg.Pattern.WindowDays = 30

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.AuditFile = ""

	return cfg
}
