package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Package audit writes an append-only trail of corpus-changing and
// alert-lifecycle actions to a rotated JSON log, separate from the
// application log. The trail answers "who changed the corpus, and when"
// after the fact.

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// LogCardImport logs an administrative card-document import
	LogCardImport(ctx context.Context, imported, failed int, sourceIP string) error

	// LogCorpusReembed logs a bulk re-embedding run
	LogCorpusReembed(ctx context.Context, total, success, failed int, duration time.Duration) error

	// LogAlertStatusChange logs a human alert status transition
	LogAlertStatusChange(ctx context.Context, alertID, status, sourceIP string) error

	// LogAlertRaised logs a newly created or updated risk alert
	LogAlertRaised(ctx context.Context, alertID, vehicleModel, subsystem string, occurrences int) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	sink        *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
}

// NewLogger creates a new audit logger
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	rotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	// Audit entries are always written; level filtering happens in the
	// application log, never here.
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		sink:        zap.New(core),
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	// Flush if buffer is full
	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			continue
		}
		l.sink.Info(string(eventJSON),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogCardImport logs an administrative card-document import
func (l *auditLogger) LogCardImport(ctx context.Context, imported, failed int, sourceIP string) error {
	event := NewEvent(EventCardImported).
		WithSourceIP(sourceIP).
		WithMetadata("imported", imported).
		WithMetadata("failed", failed).
		WithDescription(fmt.Sprintf("Imported %d card documents (%d failed)", imported, failed))
	if failed > 0 && imported == 0 {
		event.WithResult(ResultFailure)
	}

	return l.Log(ctx, event)
}

// LogCorpusReembed logs a bulk re-embedding run
func (l *auditLogger) LogCorpusReembed(ctx context.Context, total, success, failed int, duration time.Duration) error {
	event := NewEvent(EventCorpusReembedded).
		WithDuration(duration).
		WithMetadata("total", total).
		WithMetadata("success", success).
		WithMetadata("failed", failed).
		WithDescription(fmt.Sprintf("Re-embedded corpus: %d/%d cards succeeded", success, total))

	return l.Log(ctx, event)
}

// LogAlertStatusChange logs a human alert status transition
func (l *auditLogger) LogAlertStatusChange(ctx context.Context, alertID, status, sourceIP string) error {
	event := NewEvent(EventAlertStatusChanged).
		WithResource(alertID, "model_risk_alert").
		WithSourceIP(sourceIP).
		WithMetadata("status", status).
		WithDescription(fmt.Sprintf("Alert %s moved to %s", alertID, status))

	return l.Log(ctx, event)
}

// LogAlertRaised logs a newly created or updated risk alert
func (l *auditLogger) LogAlertRaised(ctx context.Context, alertID, vehicleModel, subsystem string, occurrences int) error {
	event := NewEvent(EventAlertRaised).
		WithResource(alertID, "model_risk_alert").
		WithMetadata("vehicle_model", vehicleModel).
		WithMetadata("subsystem", subsystem).
		WithMetadata("occurrence_count", occurrences).
		WithDescription(fmt.Sprintf("Risk alert for %s/%s at %d occurrences", vehicleModel, subsystem, occurrences))

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	return l.sink.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	close(l.stopCh)
	l.flushTicker.Stop()

	return l.Sync()
}
