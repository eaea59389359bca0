package learning

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/voltgarage/efi-brain/internal/db"
	"github.com/voltgarage/efi-brain/internal/embedding"
	"github.com/voltgarage/efi-brain/internal/models"
	"github.com/voltgarage/efi-brain/internal/pattern"
	"github.com/voltgarage/efi-brain/internal/similarity"
)

type stubTicketReader struct {
	snapshot *TicketSnapshot
	err      error
	calls    int
}

func (r *stubTicketReader) GetTicket(context.Context, string, string) (*TicketSnapshot, error) {
	r.calls++
	return r.snapshot, r.err
}

func newTestService(t *testing.T, tickets TicketReader) (*Service, db.Store) {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	engine := similarity.NewEngine(store, embedding.NewHashProvider(0), 0, nil)
	detector := pattern.NewDetector(store, 0, 0, nil, nil)
	return NewService(store, engine, detector, tickets, nil), store
}

// ─── Capture ─────────────────────────────────────────────────────────────────

func TestCaptureTicketClosure(t *testing.T) {
	s, store := newTestService(t, nil)
	ctx := context.Background()

	eventID, err := s.CaptureTicketClosure(ctx, "tkt-1", "org-1", &ClosurePayload{
		VehicleModel:    "ModelX",
		Subsystem:       "battery",
		Symptoms:        []string{"range drop"},
		ActualRootCause: "cell imbalance",
	})
	if err != nil {
		t.Fatalf("CaptureTicketClosure: %v", err)
	}

	event, err := store.GetLearningEvent(ctx, eventID)
	if err != nil {
		t.Fatalf("GetLearningEvent: %v", err)
	}
	if event.Status != models.EventStatusPending {
		t.Errorf("status = %s, want pending (no immediate trigger)", event.Status)
	}
	if event.TicketID != "tkt-1" || event.OrganizationID != "org-1" {
		t.Errorf("identity fields wrong: %+v", event)
	}
	if event.ActualRootCause != "cell imbalance" {
		t.Errorf("root cause = %q", event.ActualRootCause)
	}
}

func TestCaptureRequiresTicketID(t *testing.T) {
	s, _ := newTestService(t, nil)
	if _, err := s.CaptureTicketClosure(context.Background(), "", "", nil); err == nil {
		t.Error("expected error for missing ticket_id")
	}
}

func TestCaptureResolutionFallsBackToResolutionField(t *testing.T) {
	s, store := newTestService(t, nil)
	ctx := context.Background()

	eventID, err := s.CaptureTicketClosure(ctx, "tkt-res", "", &ClosurePayload{
		Resolution: "replaced charging port",
	})
	if err != nil {
		t.Fatalf("CaptureTicketClosure: %v", err)
	}
	event, _ := store.GetLearningEvent(ctx, eventID)
	if event.ActualRootCause != "replaced charging port" {
		t.Errorf("root cause = %q, want resolution fallback", event.ActualRootCause)
	}
}

func TestCaptureMergesTicketSnapshot(t *testing.T) {
	reader := &stubTicketReader{snapshot: &TicketSnapshot{
		TicketID:       "tkt-2",
		VehicleModel:   "ModelX",
		Subsystem:      "motor",
		Symptoms:       []string{"whine"},
		AIGuidanceUsed: true,
		CreatedAt:      "2026-08-20T10:00:00Z",
	}}
	s, store := newTestService(t, reader)
	ctx := context.Background()

	eventID, err := s.CaptureTicketClosure(ctx, "tkt-2", "", &ClosurePayload{
		ClosedAt: "2026-08-20T12:30:00Z",
	})
	if err != nil {
		t.Fatalf("CaptureTicketClosure: %v", err)
	}
	if reader.calls != 1 {
		t.Errorf("reader calls = %d, want 1", reader.calls)
	}

	event, _ := store.GetLearningEvent(ctx, eventID)
	if event.VehicleModel != "ModelX" || event.Subsystem != "motor" {
		t.Errorf("snapshot not merged: %+v", event)
	}
	if !event.AIGuidanceUsed {
		t.Error("ai_guidance_used not merged from snapshot")
	}
	if event.ResolutionTimeMinutes == nil || *event.ResolutionTimeMinutes != 150 {
		t.Errorf("resolution minutes = %v, want 150", event.ResolutionTimeMinutes)
	}
}

func TestCaptureSurvivesReaderFailure(t *testing.T) {
	reader := &stubTicketReader{err: fmt.Errorf("erp down")}
	s, store := newTestService(t, reader)

	eventID, err := s.CaptureTicketClosure(context.Background(), "tkt-3", "", &ClosurePayload{
		Subsystem: "battery",
	})
	if err != nil {
		t.Fatalf("CaptureTicketClosure must not fail on reader error: %v", err)
	}
	if _, err := store.GetLearningEvent(context.Background(), eventID); err != nil {
		t.Fatalf("event not persisted: %v", err)
	}
}

func TestCaptureUnparseableTimestampsLeaveMinutesUnset(t *testing.T) {
	reader := &stubTicketReader{snapshot: &TicketSnapshot{CreatedAt: "not-a-date"}}
	s, store := newTestService(t, reader)

	eventID, err := s.CaptureTicketClosure(context.Background(), "tkt-4", "", &ClosurePayload{
		ClosedAt: "2026-08-20T12:00:00Z",
	})
	if err != nil {
		t.Fatalf("CaptureTicketClosure: %v", err)
	}
	event, _ := store.GetLearningEvent(context.Background(), eventID)
	if event.ResolutionTimeMinutes != nil {
		t.Errorf("resolution minutes = %v, want unset", *event.ResolutionTimeMinutes)
	}
}

func TestCaptureClassifiesSubsystemFromSymptoms(t *testing.T) {
	s, store := newTestService(t, nil)

	eventID, err := s.CaptureTicketClosure(context.Background(), "tkt-5", "", &ClosurePayload{
		Symptoms: []string{"battery drains overnight", "range dropped"},
	})
	if err != nil {
		t.Fatalf("CaptureTicketClosure: %v", err)
	}
	event, _ := store.GetLearningEvent(context.Background(), eventID)
	if event.Subsystem != "battery" {
		t.Errorf("subsystem = %q, want battery from classifier", event.Subsystem)
	}
}

func TestCaptureImmediateProcessingOnUnsafeIncident(t *testing.T) {
	s, store := newTestService(t, nil)
	ctx := context.Background()

	eventID, err := s.CaptureTicketClosure(ctx, "tkt-6", "", &ClosurePayload{
		VehicleModel:    "ModelX",
		Subsystem:       "battery",
		ActualRootCause: "thermal runaway near connector",
		UnsafeIncident:  true,
	})
	if err != nil {
		t.Fatalf("CaptureTicketClosure: %v", err)
	}
	event, _ := store.GetLearningEvent(ctx, eventID)
	if event.Status != models.EventStatusProcessed {
		t.Errorf("status = %s, want processed immediately", event.Status)
	}
}

func TestCaptureImmediateProcessingOnWrongGuidance(t *testing.T) {
	s, store := newTestService(t, nil)
	wrong := false

	eventID, err := s.CaptureTicketClosure(context.Background(), "tkt-7", "", &ClosurePayload{
		AIGuidanceUsed:  true,
		AIWasCorrect:    &wrong,
		ActualRootCause: "loose phase wire",
	})
	if err != nil {
		t.Fatalf("CaptureTicketClosure: %v", err)
	}
	event, _ := store.GetLearningEvent(context.Background(), eventID)
	if event.Status != models.EventStatusProcessed {
		t.Errorf("status = %s, want processed immediately", event.Status)
	}
}

// ─── Processing ──────────────────────────────────────────────────────────────

func seedPendingEvent(t *testing.T, store db.Store, id, ticketID string, mutate func(*models.LearningEvent)) *models.LearningEvent {
	t.Helper()
	ev := &models.LearningEvent{
		EventID:      id,
		EventType:    models.EventTypeTicketClosure,
		TicketID:     ticketID,
		VehicleModel: "ModelX",
		Subsystem:    "battery",
		Status:       models.EventStatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	if mutate != nil {
		mutate(ev)
	}
	if err := store.SaveLearningEvent(context.Background(), ev); err != nil {
		t.Fatalf("SaveLearningEvent: %v", err)
	}
	return ev
}

func TestProcessCreatesDraftCard(t *testing.T) {
	// Event with a root cause and no matching card creates exactly one
	// draft with seeded counters.
	s, store := newTestService(t, nil)
	ctx := context.Background()

	seedPendingEvent(t, store, "ev-1", "tkt-1", func(ev *models.LearningEvent) {
		ev.ActualRootCause = "cell imbalance"
	})

	result, err := s.ProcessLearningEvent(ctx, "ev-1")
	if err != nil {
		t.Fatalf("ProcessLearningEvent: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("processing error: %s", result.Error)
	}
	if result.CreatedCardID == "" {
		t.Fatal("expected a created card id")
	}

	card, err := store.GetFailureCard(ctx, result.CreatedCardID)
	if err != nil {
		t.Fatalf("GetFailureCard: %v", err)
	}
	if card.Status != models.CardStatusDraft {
		t.Errorf("status = %s, want draft", card.Status)
	}
	if card.UsageCount != 1 || card.RecurrenceCounter != 1 {
		t.Errorf("counters = usage %d recurrence %d, want 1/1",
			card.UsageCount, card.RecurrenceCounter)
	}
	if card.HistoricalSuccessRate != 0.5 {
		t.Errorf("rate = %v, want 0.5", card.HistoricalSuccessRate)
	}
	if card.SourceTicketID != "tkt-1" {
		t.Errorf("source ticket = %q", card.SourceTicketID)
	}
	if len(card.EmbeddingVector) == 0 {
		t.Error("draft card was not embedded")
	}
}

func TestProcessMatchesExistingCard(t *testing.T) {
	s, store := newTestService(t, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	card := &models.FailureCard{
		CardID:                "fc-1",
		VehicleModel:          "ModelX",
		Subsystem:             "battery",
		Title:                 "Cell imbalance",
		Description:           "Known cell imbalance failure",
		SymptomCluster:        []string{"range drop"},
		DTCCodes:              []string{"P0B24"},
		HistoricalSuccessRate: 2.0 / 3.0,
		PositiveFeedbackCount: 2,
		NegativeFeedbackCount: 1,
		Status:                models.CardStatusApproved,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := store.SaveFailureCard(ctx, card); err != nil {
		t.Fatalf("SaveFailureCard: %v", err)
	}

	correct := true
	seedPendingEvent(t, store, "ev-2", "tkt-2", func(ev *models.LearningEvent) {
		ev.DTCCodes = []string{"P0B24"}
		ev.AIWasCorrect = &correct
	})

	result, err := s.ProcessLearningEvent(ctx, "ev-2")
	if err != nil {
		t.Fatalf("ProcessLearningEvent: %v", err)
	}
	if result.MatchedCardID != "fc-1" {
		t.Fatalf("matched = %q, want fc-1", result.MatchedCardID)
	}

	got, _ := store.GetFailureCard(ctx, "fc-1")
	if got.UsageCount != 1 || got.RecurrenceCounter != 1 {
		t.Errorf("counters = %d/%d, want 1/1", got.UsageCount, got.RecurrenceCounter)
	}
	// positive 2→3, negative 1 ⇒ rate 3/4.
	if got.PositiveFeedbackCount != 3 {
		t.Errorf("positive = %d, want 3", got.PositiveFeedbackCount)
	}
	if got.HistoricalSuccessRate != 0.75 {
		t.Errorf("rate = %v, want 0.75", got.HistoricalSuccessRate)
	}
	if got.LastUsedAt == nil {
		t.Error("last_used_at not refreshed")
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	s, store := newTestService(t, nil)
	ctx := context.Background()

	seedPendingEvent(t, store, "ev-3", "tkt-3", func(ev *models.LearningEvent) {
		ev.ActualRootCause = "corroded connector"
	})

	first, err := s.ProcessLearningEvent(ctx, "ev-3")
	if err != nil {
		t.Fatalf("first ProcessLearningEvent: %v", err)
	}
	cardAfterFirst, err := store.GetFailureCard(ctx, first.CreatedCardID)
	if err != nil {
		t.Fatalf("GetFailureCard: %v", err)
	}

	second, err := s.ProcessLearningEvent(ctx, "ev-3")
	if err != nil {
		t.Fatalf("second ProcessLearningEvent: %v", err)
	}
	if !second.AlreadyProcessed {
		t.Error("expected already_processed on second call")
	}

	cardAfterSecond, _ := store.GetFailureCard(ctx, first.CreatedCardID)
	if cardAfterSecond.UsageCount != cardAfterFirst.UsageCount ||
		cardAfterSecond.RecurrenceCounter != cardAfterFirst.RecurrenceCounter {
		t.Error("second call mutated card state")
	}
}

func TestProcessUnknownEvent(t *testing.T) {
	s, _ := newTestService(t, nil)
	if _, err := s.ProcessLearningEvent(context.Background(), "nope"); err == nil {
		t.Error("expected hard error for unknown event id")
	}
}

func TestProcessNoMatchNoRootCause(t *testing.T) {
	s, store := newTestService(t, nil)
	ctx := context.Background()

	seedPendingEvent(t, store, "ev-4", "tkt-4", nil)

	result, err := s.ProcessLearningEvent(ctx, "ev-4")
	if err != nil {
		t.Fatalf("ProcessLearningEvent: %v", err)
	}
	if result.MatchedCardID != "" || result.CreatedCardID != "" {
		t.Errorf("expected no card activity: %+v", result)
	}
	event, _ := store.GetLearningEvent(ctx, "ev-4")
	if event.Status != models.EventStatusProcessed {
		t.Errorf("status = %s, want processed", event.Status)
	}
}

func TestProcessRunsPatternDetection(t *testing.T) {
	// Scenario: three closures for (ModelX, battery) within 30 days raise an
	// alert carrying all three ticket ids.
	s, store := newTestService(t, nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		seedPendingEvent(t, store, fmt.Sprintf("ev-p%d", i), fmt.Sprintf("tkt-p%d", i), nil)
	}
	var lastResult *models.ProcessingResult
	for i := 1; i <= 3; i++ {
		result, err := s.ProcessLearningEvent(ctx, fmt.Sprintf("ev-p%d", i))
		if err != nil {
			t.Fatalf("ProcessLearningEvent %d: %v", i, err)
		}
		lastResult = result
	}
	if lastResult.AlertID == "" {
		t.Fatal("expected the third event to raise an alert")
	}

	alert, err := store.GetActiveAlert(ctx, "ModelX", "battery")
	if err != nil {
		t.Fatalf("GetActiveAlert: %v", err)
	}
	if alert.OccurrenceCount != 3 {
		t.Errorf("occurrence_count = %d, want 3", alert.OccurrenceCount)
	}
	if len(alert.AffectedTicketIDs) != 3 {
		t.Errorf("affected tickets = %v, want 3", alert.AffectedTicketIDs)
	}
}

func TestProcessPendingEventsFailureIsolated(t *testing.T) {
	s, store := newTestService(t, nil)
	ctx := context.Background()

	// A draft upsert without a ticket id fails inside processing. Seeded
	// oldest so it runs before any card exists and cannot accidentally match.
	seedPendingEvent(t, store, "ev-bad", "", func(ev *models.LearningEvent) {
		ev.ActualRootCause = "mystery"
		ev.VehicleModel = ""
		ev.Subsystem = ""
		ev.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
	})
	seedPendingEvent(t, store, "ev-ok1", "tkt-ok1", func(ev *models.LearningEvent) {
		ev.ActualRootCause = "worn brake pads"
		ev.Subsystem = "brakes"
		ev.CreatedAt = time.Now().UTC().Add(-time.Minute)
	})
	seedPendingEvent(t, store, "ev-ok2", "tkt-ok2", func(ev *models.LearningEvent) {
		ev.ActualRootCause = "loose axle nut"
		ev.Subsystem = "suspension"
	})

	report, err := s.ProcessPendingEvents(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessPendingEvents: %v", err)
	}
	if report.Processed != 2 || report.Errors != 1 {
		t.Errorf("report = %+v, want 2 processed / 1 error", report)
	}
	if len(report.EventIDs) != 3 {
		t.Errorf("touched ids = %v", report.EventIDs)
	}

	bad, _ := store.GetLearningEvent(ctx, "ev-bad")
	if bad.Status != models.EventStatusError {
		t.Errorf("bad event status = %s, want error", bad.Status)
	}
	if bad.ProcessingResult == nil || bad.ProcessingResult.Error == "" {
		t.Error("expected error message recorded on bad event")
	}
}

func TestGetLearningStats(t *testing.T) {
	s, store := newTestService(t, nil)
	ctx := context.Background()

	seedPendingEvent(t, store, "ev-s1", "tkt-s1", func(ev *models.LearningEvent) {
		ev.ActualRootCause = "cell imbalance"
	})
	if _, err := s.ProcessLearningEvent(ctx, "ev-s1"); err != nil {
		t.Fatalf("ProcessLearningEvent: %v", err)
	}
	seedPendingEvent(t, store, "ev-s2", "tkt-s2", nil)

	stats, err := s.GetLearningStats(ctx, "")
	if err != nil {
		t.Fatalf("GetLearningStats: %v", err)
	}
	if stats.LearningEventsByStatus[models.EventStatusProcessed] != 1 {
		t.Errorf("processed = %d, want 1", stats.LearningEventsByStatus[models.EventStatusProcessed])
	}
	if stats.LearningEventsByStatus[models.EventStatusPending] != 1 {
		t.Errorf("pending = %d, want 1", stats.LearningEventsByStatus[models.EventStatusPending])
	}
	if stats.FailureCardsByStatus[models.CardStatusDraft] != 1 {
		t.Errorf("draft cards = %d, want 1", stats.FailureCardsByStatus[models.CardStatusDraft])
	}
}
