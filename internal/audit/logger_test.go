package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLogger(t *testing.T) (Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(&Config{
		AuditLogPath: path,
		MaxSize:      10,
		MaxBackups:   3,
		MaxAge:       7,
		Compress:     false,
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	return logger, path
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	return string(data)
}

func TestLogCardImport(t *testing.T) {
	logger, path := newTestLogger(t)
	defer logger.Close()

	if err := logger.LogCardImport(context.Background(), 5, 1, "10.0.0.1"); err != nil {
		t.Fatalf("LogCardImport: %v", err)
	}
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	content := readLog(t, path)
	if !strings.Contains(content, string(EventCardImported)) {
		t.Errorf("Expected %s in audit log, got: %s", EventCardImported, content)
	}
	if !strings.Contains(content, "10.0.0.1") {
		t.Errorf("Expected source IP in audit log, got: %s", content)
	}
}

func TestLogAlertStatusChange(t *testing.T) {
	logger, path := newTestLogger(t)
	defer logger.Close()

	if err := logger.LogAlertStatusChange(context.Background(), "al-1", "reviewed", "10.0.0.2"); err != nil {
		t.Fatalf("LogAlertStatusChange: %v", err)
	}
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	content := readLog(t, path)
	if !strings.Contains(content, string(EventAlertStatusChanged)) {
		t.Errorf("Expected %s in audit log, got: %s", EventAlertStatusChanged, content)
	}
	if !strings.Contains(content, "al-1") || !strings.Contains(content, "reviewed") {
		t.Errorf("Expected alert id and status in audit log, got: %s", content)
	}
}

func TestAutoFlush(t *testing.T) {
	logger, path := newTestLogger(t)
	defer logger.Close()

	if err := logger.LogCorpusReembed(context.Background(), 10, 9, 1, 2*time.Second); err != nil {
		t.Fatalf("LogCorpusReembed: %v", err)
	}

	// The auto-flush ticker fires every second; no explicit Sync.
	deadline := time.Now().Add(3 * time.Second)
	for {
		data, _ := os.ReadFile(path)
		if strings.Contains(string(data), string(EventCorpusReembedded)) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit event never flushed, log: %s", string(data))
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestEventBuilder(t *testing.T) {
	event := NewEvent(EventAlertRaised).
		WithResource("al-2", "model_risk_alert").
		WithMetadata("occurrence_count", 3).
		WithDescription("Risk alert raised")

	if event.Result != ResultSuccess {
		t.Errorf("Expected default result success, got %s", event.Result)
	}
	if event.Resource != "al-2" || event.ResourceType != "model_risk_alert" {
		t.Errorf("Unexpected resource fields: %+v", event)
	}
	if event.Metadata["occurrence_count"] != 3 {
		t.Errorf("Expected metadata occurrence_count 3, got %v", event.Metadata)
	}
	if event.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
}
