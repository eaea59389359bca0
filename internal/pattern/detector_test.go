package pattern

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/voltgarage/efi-brain/internal/db"
	"github.com/voltgarage/efi-brain/internal/models"
)

type captureNotifier struct {
	alerts []*models.ModelRiskAlert
}

func (n *captureNotifier) NotifyAlert(a *models.ModelRiskAlert) {
	n.alerts = append(n.alerts, a)
}

func newTestDetector(t *testing.T) (*Detector, db.Store, *captureNotifier) {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	notifier := &captureNotifier{}
	return NewDetector(store, 0, 0, notifier, nil), store, notifier
}

func seedClosure(t *testing.T, store db.Store, id, ticketID string, age time.Duration) *models.LearningEvent {
	t.Helper()
	ev := &models.LearningEvent{
		EventID:      id,
		EventType:    models.EventTypeTicketClosure,
		TicketID:     ticketID,
		VehicleModel: "volt-x2",
		Subsystem:    "battery",
		Status:       models.EventStatusPending,
		CreatedAt:    time.Now().UTC().Add(-age),
	}
	if err := store.SaveLearningEvent(context.Background(), ev); err != nil {
		t.Fatalf("SaveLearningEvent %s: %v", id, err)
	}
	return ev
}

func TestCheckBelowThreshold(t *testing.T) {
	d, store, notifier := newTestDetector(t)
	ctx := context.Background()

	seedClosure(t, store, "ev-1", "tkt-1", time.Hour)
	ev := seedClosure(t, store, "ev-2", "tkt-2", 0)

	alertID, err := d.Check(ctx, ev)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if alertID != "" {
		t.Errorf("expected no alert below threshold, got %s", alertID)
	}
	if len(notifier.alerts) != 0 {
		t.Errorf("expected no notifications, got %d", len(notifier.alerts))
	}
}

func TestCheckCreatesAlertAtThreshold(t *testing.T) {
	d, store, notifier := newTestDetector(t)
	ctx := context.Background()

	seedClosure(t, store, "ev-1", "tkt-1", 48*time.Hour)
	seedClosure(t, store, "ev-2", "tkt-2", 24*time.Hour)
	ev := seedClosure(t, store, "ev-3", "tkt-3", 0)

	alertID, err := d.Check(ctx, ev)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if alertID == "" {
		t.Fatal("expected an alert at threshold")
	}

	alert, err := store.GetActiveAlert(ctx, "volt-x2", "battery")
	if err != nil {
		t.Fatalf("GetActiveAlert: %v", err)
	}
	if alert.OccurrenceCount != 3 {
		t.Errorf("occurrence_count = %d, want 3", alert.OccurrenceCount)
	}
	if len(alert.AffectedTicketIDs) != 3 {
		t.Errorf("affected tickets = %v, want all 3", alert.AffectedTicketIDs)
	}
	if alert.Status != models.AlertStatusActive {
		t.Errorf("status = %s, want active", alert.Status)
	}
	if !alert.FirstOccurrence.Before(alert.LastOccurrence) {
		t.Error("first_occurrence should precede last_occurrence")
	}
	if len(notifier.alerts) != 1 {
		t.Errorf("expected 1 notification, got %d", len(notifier.alerts))
	}
}

func TestCheckUpdatesExistingActiveAlert(t *testing.T) {
	d, store, _ := newTestDetector(t)
	ctx := context.Background()

	seedClosure(t, store, "ev-1", "tkt-1", 48*time.Hour)
	seedClosure(t, store, "ev-2", "tkt-2", 24*time.Hour)
	ev3 := seedClosure(t, store, "ev-3", "tkt-3", time.Hour)
	if _, err := d.Check(ctx, ev3); err != nil {
		t.Fatalf("Check: %v", err)
	}

	ev4 := seedClosure(t, store, "ev-4", "tkt-4", 0)
	alertID, err := d.Check(ctx, ev4)
	if err != nil {
		t.Fatalf("Check update: %v", err)
	}
	if alertID == "" {
		t.Fatal("expected the existing alert id")
	}

	alerts, err := store.ListRiskAlerts(ctx, models.AlertStatusActive, 10)
	if err != nil {
		t.Fatalf("ListRiskAlerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected exactly one active alert, got %d", len(alerts))
	}
	if alerts[0].OccurrenceCount != 4 {
		t.Errorf("occurrence_count = %d, want 4", alerts[0].OccurrenceCount)
	}
	if len(alerts[0].AffectedTicketIDs) != 4 {
		t.Errorf("affected tickets = %d, want 4", len(alerts[0].AffectedTicketIDs))
	}
}

func TestCheckDoesNotDuplicateTicketIDs(t *testing.T) {
	d, store, _ := newTestDetector(t)
	ctx := context.Background()

	seedClosure(t, store, "ev-1", "tkt-1", 48*time.Hour)
	seedClosure(t, store, "ev-2", "tkt-2", 24*time.Hour)
	ev3 := seedClosure(t, store, "ev-3", "tkt-3", time.Hour)
	if _, err := d.Check(ctx, ev3); err != nil {
		t.Fatalf("Check: %v", err)
	}
	// The same event re-checked (idempotent re-processing path) must not
	// grow the ticket list.
	if _, err := d.Check(ctx, ev3); err != nil {
		t.Fatalf("Check repeat: %v", err)
	}

	alert, err := store.GetActiveAlert(ctx, "volt-x2", "battery")
	if err != nil {
		t.Fatalf("GetActiveAlert: %v", err)
	}
	if len(alert.AffectedTicketIDs) != 3 {
		t.Errorf("affected tickets = %v, want 3 unique", alert.AffectedTicketIDs)
	}
}

func TestCheckSkipsIncompleteEvents(t *testing.T) {
	d, _, _ := newTestDetector(t)
	ctx := context.Background()

	for _, ev := range []*models.LearningEvent{
		{EventID: "ev-a", TicketID: "tkt-a", Subsystem: "battery"},
		{EventID: "ev-b", TicketID: "tkt-b", VehicleModel: "volt-x2"},
	} {
		alertID, err := d.Check(ctx, ev)
		if err != nil {
			t.Fatalf("Check %s: %v", ev.EventID, err)
		}
		if alertID != "" {
			t.Errorf("event %s: expected skip, got alert %s", ev.EventID, alertID)
		}
	}
}

func TestCheckIgnoresClosuresOutsideWindow(t *testing.T) {
	d, store, _ := newTestDetector(t)
	ctx := context.Background()

	seedClosure(t, store, "ev-old-1", "tkt-old-1", 40*24*time.Hour)
	seedClosure(t, store, "ev-old-2", "tkt-old-2", 35*24*time.Hour)
	ev := seedClosure(t, store, "ev-new", "tkt-new", 0)

	alertID, err := d.Check(ctx, ev)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if alertID != "" {
		t.Error("stale closures outside the window must not trigger an alert")
	}
}

func TestCheckSeedsAtMostTwentyTickets(t *testing.T) {
	d, store, _ := newTestDetector(t)
	ctx := context.Background()

	var last *models.LearningEvent
	for i := 0; i < 25; i++ {
		last = seedClosure(t, store,
			fmt.Sprintf("ev-%02d", i), fmt.Sprintf("tkt-%02d", i),
			time.Duration(25-i)*time.Hour)
	}

	if _, err := d.Check(ctx, last); err != nil {
		t.Fatalf("Check: %v", err)
	}
	alert, err := store.GetActiveAlert(ctx, "volt-x2", "battery")
	if err != nil {
		t.Fatalf("GetActiveAlert: %v", err)
	}
	if alert.OccurrenceCount != 25 {
		t.Errorf("occurrence_count = %d, want 25", alert.OccurrenceCount)
	}
	if len(alert.AffectedTicketIDs) > maxSeedTickets {
		t.Errorf("seeded tickets = %d, want at most %d", len(alert.AffectedTicketIDs), maxSeedTickets)
	}
}
