package config

import (
	"fmt"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Server.TLSEnabled {
		if c.Server.TLSCertPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: "tls_cert_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSCertPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: fmt.Sprintf("certificate file does not exist: %s", c.Server.TLSCertPath),
			})
		}

		if c.Server.TLSKeyPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: "tls_key_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSKeyPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: fmt.Sprintf("key file does not exist: %s", c.Server.TLSKeyPath),
			})
		}
	}

	// Validate database configuration
	if c.Database.SQLitePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.sqlite_path",
			Message: "sqlite_path is required",
		})
	}

	// Validate rating configuration
	if c.Rating.TimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "rating.timeout_seconds",
			Message: fmt.Sprintf("timeout must be at least 1 second, got %d", c.Rating.TimeoutSeconds),
		})
	}
	if c.Rating.BaseURL != "" && !strings.HasPrefix(c.Rating.BaseURL, "http") {
		errs = append(errs, &ValidationError{
			Field:   "rating.base_url",
			Message: fmt.Sprintf("base_url must be an http(s) URL, got %q", c.Rating.BaseURL),
		})
	}

	// Validate ticket reader configuration
	if c.Tickets.BaseURL != "" && !strings.HasPrefix(c.Tickets.BaseURL, "http") {
		errs = append(errs, &ValidationError{
			Field:   "tickets.base_url",
			Message: fmt.Sprintf("base_url must be an http(s) URL, got %q", c.Tickets.BaseURL),
		})
	}
	if c.Tickets.TimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "tickets.timeout_seconds",
			Message: fmt.Sprintf("timeout must be at least 1 second, got %d", c.Tickets.TimeoutSeconds),
		})
	}

	// Validate similarity configuration
	if c.Similarity.CandidateCeiling < 1 {
		errs = append(errs, &ValidationError{
			Field:   "similarity.candidate_ceiling",
			Message: fmt.Sprintf("candidate_ceiling must be positive, got %d", c.Similarity.CandidateCeiling),
		})
	}
	if c.Similarity.DefaultLimit < 1 {
		errs = append(errs, &ValidationError{
			Field:   "similarity.default_limit",
			Message: fmt.Sprintf("default_limit must be positive, got %d", c.Similarity.DefaultLimit),
		})
	}
	if c.Similarity.DefaultThreshold < -1 || c.Similarity.DefaultThreshold > 1 {
		errs = append(errs, &ValidationError{
			Field:   "similarity.default_threshold",
			Message: fmt.Sprintf("default_threshold must be within [-1, 1], got %v", c.Similarity.DefaultThreshold),
		})
	}

	// Validate learning configuration
	if c.Learning.BatchSize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "learning.batch_size",
			Message: fmt.Sprintf("batch_size must be positive, got %d", c.Learning.BatchSize),
		})
	}

	// Validate pattern configuration
	if c.Pattern.RecurrenceThreshold < 1 {
		errs = append(errs, &ValidationError{
			Field:   "pattern.recurrence_threshold",
			Message: fmt.Sprintf("recurrence_threshold must be positive, got %d", c.Pattern.RecurrenceThreshold),
		})
	}
	if c.Pattern.WindowDays < 1 {
		errs = append(errs, &ValidationError{
			Field:   "pattern.window_days",
			Message: fmt.Sprintf("window_days must be positive, got %d", c.Pattern.WindowDays),
		})
	}

	// Validate logging configuration
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("level must be one of debug/info/warn/error, got %q", c.Logging.Level),
		})
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("format must be json or text, got %q", c.Logging.Format),
		})
	}

	return errs
}
