package learning

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltgarage/efi-brain/internal/classifier"
	"github.com/voltgarage/efi-brain/internal/db"
	"github.com/voltgarage/efi-brain/internal/metrics"
	"github.com/voltgarage/efi-brain/internal/models"
	"github.com/voltgarage/efi-brain/internal/pattern"
	"github.com/voltgarage/efi-brain/internal/similarity"
)

// Package learning implements the continuous-learning loop: ticket closures
// become queued learning events, events match or draft failure cards, and
// every processed event feeds pattern detection.

// ClosurePayload is the closure data carried by the ticket-closure trigger.
type ClosurePayload struct {
	VehicleMake    string   `json:"vehicle_make,omitempty"`
	VehicleModel   string   `json:"vehicle_model,omitempty"`
	VehicleVariant string   `json:"vehicle_variant,omitempty"`
	Subsystem      string   `json:"subsystem,omitempty"`
	Symptoms       []string `json:"symptoms,omitempty"`
	DTCCodes       []string `json:"dtc_codes,omitempty"`

	ActualRootCause string   `json:"actual_root_cause,omitempty"`
	Resolution      string   `json:"resolution,omitempty"`
	PartsReplaced   []string `json:"parts_replaced,omitempty"`
	RepairActions   []string `json:"repair_actions,omitempty"`

	AIGuidanceUsed bool   `json:"ai_guidance_used,omitempty"`
	AIWasCorrect   *bool  `json:"ai_was_correct,omitempty"`
	UnsafeIncident bool   `json:"unsafe_incident,omitempty"`
	ClosedAt       string `json:"closed_at,omitempty"`
}

// BatchReport summarizes one ProcessPendingEvents run.
type BatchReport struct {
	Processed int      `json:"processed"`
	Errors    int      `json:"errors"`
	EventIDs  []string `json:"event_ids"`
}

// Stats is the supervisor dashboard summary.
type Stats struct {
	LearningEventsByStatus map[string]int `json:"learning_events_by_status"`
	ActiveRiskAlerts       int            `json:"active_risk_alerts"`
	FailureCardsByStatus   map[string]int `json:"failure_cards_by_status"`
}

// Service owns learning capture and event processing.
type Service struct {
	store    db.Store
	engine   *similarity.Engine
	detector *pattern.Detector
	tickets  TicketReader
	logger   *zap.Logger
}

// NewService wires the learning loop. tickets may be nil (typed nil readers
// must be passed as nil interface).
func NewService(store db.Store, engine *similarity.Engine, detector *pattern.Detector, tickets TicketReader, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		engine:   engine,
		detector: detector,
		tickets:  tickets,
		logger:   logger,
	}
}

// ─── Capture ─────────────────────────────────────────────────────────────────

// CaptureTicketClosure builds and persists a pending LearningEvent for a
// closed ticket. High-value events (prior AI guidance wrong, unsafe incident)
// are processed synchronously; everything else waits for the batch. The
// event id is always returned once the event persists, even when immediate
// processing fails afterwards.
func (s *Service) CaptureTicketClosure(ctx context.Context, ticketID, organizationID string, payload *ClosurePayload) (string, error) {
	if ticketID == "" {
		return "", fmt.Errorf("ticket_id is required")
	}
	if payload == nil {
		payload = &ClosurePayload{}
	}

	event := &models.LearningEvent{
		EventID:        uuid.NewString(),
		EventType:      models.EventTypeTicketClosure,
		TicketID:       ticketID,
		OrganizationID: organizationID,
		VehicleMake:    payload.VehicleMake,
		VehicleModel:   payload.VehicleModel,
		VehicleVariant: payload.VehicleVariant,
		Subsystem:      payload.Subsystem,
		Symptoms:       payload.Symptoms,
		DTCCodes:       payload.DTCCodes,
		ActualRootCause: firstNonEmpty(
			payload.ActualRootCause, payload.Resolution),
		PartsReplaced:  payload.PartsReplaced,
		RepairActions:  payload.RepairActions,
		AIGuidanceUsed: payload.AIGuidanceUsed,
		AIWasCorrect:   payload.AIWasCorrect,
		UnsafeIncident: payload.UnsafeIncident,
		Status:         models.EventStatusPending,
		CreatedAt:      time.Now().UTC(),
	}

	var ticketCreatedAt string
	if s.tickets != nil {
		snapshot, err := s.tickets.GetTicket(ctx, ticketID, organizationID)
		if err != nil {
			// The reader is enrichment only; a failed fetch never blocks
			// capture.
			s.logger.Warn("ticket snapshot fetch failed",
				zap.String("ticket_id", ticketID),
				zap.Error(err))
		} else {
			mergeSnapshot(event, snapshot)
			ticketCreatedAt = snapshot.CreatedAt
		}
	}
	if event.Subsystem == "" && len(event.Symptoms) > 0 {
		event.Subsystem = classifier.Classify(joinTexts(event.Symptoms))
	}
	event.ResolutionTimeMinutes = resolutionMinutes(ticketCreatedAt, payload.ClosedAt)

	if err := s.store.SaveLearningEvent(ctx, event); err != nil {
		return "", fmt.Errorf("persist learning event: %w", err)
	}
	metrics.LearningEventsCaptured.WithLabelValues(
		fmt.Sprintf("%t", event.NeedsImmediateProcessing())).Inc()
	s.logger.Info("learning event captured",
		zap.String("event_id", event.EventID),
		zap.String("ticket_id", ticketID),
		zap.Bool("immediate", event.NeedsImmediateProcessing()))

	if event.NeedsImmediateProcessing() {
		if _, err := s.ProcessLearningEvent(ctx, event.EventID); err != nil {
			s.logger.Error("immediate processing failed",
				zap.String("event_id", event.EventID),
				zap.Error(err))
		}
	}
	return event.EventID, nil
}

// mergeSnapshot fills event fields the payload left empty from the ticket.
func mergeSnapshot(event *models.LearningEvent, snapshot *TicketSnapshot) {
	if event.VehicleMake == "" {
		event.VehicleMake = snapshot.VehicleMake
	}
	if event.VehicleModel == "" {
		event.VehicleModel = snapshot.VehicleModel
	}
	if event.VehicleVariant == "" {
		event.VehicleVariant = snapshot.VehicleVariant
	}
	if event.Subsystem == "" {
		event.Subsystem = snapshot.Subsystem
	}
	if len(event.Symptoms) == 0 {
		event.Symptoms = snapshot.Symptoms
	}
	if len(event.DTCCodes) == 0 {
		event.DTCCodes = snapshot.DTCCodes
	}
	if snapshot.AIGuidanceUsed {
		event.AIGuidanceUsed = true
	}
}

// resolutionMinutes computes close minus creation when both timestamps parse;
// otherwise nil, without raising.
func resolutionMinutes(createdAt, closedAt string) *int {
	created, err := parseTimestamp(createdAt)
	if err != nil {
		return nil
	}
	closed, err := parseTimestamp(closedAt)
	if err != nil {
		return nil
	}
	delta := closed.Sub(created)
	if delta < 0 {
		return nil
	}
	minutes := int(delta.Minutes())
	return &minutes
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp %q", s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func joinTexts(texts []string) string {
	out := ""
	for i, t := range texts {
		if i > 0 {
			out += " "
		}
		out += t
	}
	return out
}

// ─── Processing ──────────────────────────────────────────────────────────────

// ProcessLearningEvent runs the learning pipeline for one event. Idempotent:
// an already-processed event returns its stored result with
// already_processed set and performs no writes. Operational failures inside
// the pipeline move the event to error and are not returned as errors; only
// an unknown event id is a hard failure.
func (s *Service) ProcessLearningEvent(ctx context.Context, eventID string) (*models.ProcessingResult, error) {
	event, err := s.store.GetLearningEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.Status == models.EventStatusProcessed {
		result := event.ProcessingResult
		if result == nil {
			result = &models.ProcessingResult{}
		}
		result.AlreadyProcessed = true
		metrics.LearningEventsProcessed.WithLabelValues("already_processed").Inc()
		return result, nil
	}

	result := &models.ProcessingResult{ActionsTaken: []string{}}
	now := time.Now().UTC()
	timer := time.Now()
	defer func() {
		metrics.LearningEventDuration.Observe(time.Since(timer).Seconds())
	}()

	if err := s.applyEvent(ctx, event, result, now); err != nil {
		s.logger.Error("learning event processing failed",
			zap.String("event_id", eventID),
			zap.Error(err))
		if markErr := s.store.MarkEventError(ctx, eventID, err.Error(), now); markErr != nil {
			s.logger.Error("failed to mark event error",
				zap.String("event_id", eventID),
				zap.Error(markErr))
		}
		result.Error = err.Error()
		metrics.LearningEventsProcessed.WithLabelValues("error").Inc()
		return result, nil
	}

	if err := s.store.MarkEventProcessed(ctx, eventID, result, now); err != nil {
		return nil, fmt.Errorf("mark event processed: %w", err)
	}
	metrics.LearningEventsProcessed.WithLabelValues("processed").Inc()
	s.logger.Info("learning event processed",
		zap.String("event_id", eventID),
		zap.Strings("actions", result.ActionsTaken))
	return result, nil
}

// applyEvent performs match-or-draft plus pattern detection.
func (s *Service) applyEvent(ctx context.Context, event *models.LearningEvent, result *models.ProcessingResult, now time.Time) error {
	matched, err := s.matchCard(ctx, event)
	if err != nil {
		return fmt.Errorf("matching heuristic: %w", err)
	}

	switch {
	case matched != nil:
		if _, err := s.store.IncrementCardUsage(ctx, matched.ID(), event.AIWasCorrect, now); err != nil {
			return fmt.Errorf("update matched card: %w", err)
		}
		result.MatchedCardID = matched.ID()
		result.ActionsTaken = append(result.ActionsTaken, "updated_card_stats")
		metrics.CardsMatched.Inc()

	case event.ActualRootCause != "":
		card, created, err := s.draftCard(ctx, event, now)
		if err != nil {
			return fmt.Errorf("draft card: %w", err)
		}
		result.CreatedCardID = card.ID()
		metrics.CardsDrafted.WithLabelValues(fmt.Sprintf("%t", created)).Inc()
		if created {
			result.ActionsTaken = append(result.ActionsTaken, "created_draft_card")
		} else {
			result.ActionsTaken = append(result.ActionsTaken, "updated_draft_card")
		}
		// Embedding is regenerable out of band, so a failure here is logged
		// rather than failing the already-persisted draft.
		if err := s.engine.EmbedFailureCard(ctx, card.ID()); err != nil {
			s.logger.Warn("draft card embedding failed",
				zap.String("card_id", card.ID()),
				zap.Error(err))
		} else {
			result.ActionsTaken = append(result.ActionsTaken, "embedded_card")
		}

	default:
		result.ActionsTaken = append(result.ActionsTaken, "no_match_no_root_cause")
	}

	alertID, err := s.detector.Check(ctx, event)
	if err != nil {
		return fmt.Errorf("pattern detection: %w", err)
	}
	if alertID != "" {
		result.AlertID = alertID
		result.ActionsTaken = append(result.ActionsTaken, "pattern_alert")
	}
	return nil
}

// draftCard upserts a draft failure card for an unmatched event carrying a
// root cause. Keyed by (ticket_id, organization_id) so reprocessing and
// concurrent paths cannot duplicate it.
func (s *Service) draftCard(ctx context.Context, event *models.LearningEvent, now time.Time) (*models.FailureCard, bool, error) {
	title := event.ActualRootCause
	if len(title) > 80 {
		title = title[:80]
	}
	card := &models.FailureCard{
		CardID:                uuid.NewString(),
		VehicleMake:           event.VehicleMake,
		VehicleModel:          event.VehicleModel,
		VehicleVariant:        event.VehicleVariant,
		Subsystem:             event.Subsystem,
		Title:                 title,
		Description:           event.ActualRootCause,
		SymptomCluster:        event.Symptoms,
		DTCCodes:              event.DTCCodes,
		RootCause:             event.ActualRootCause,
		VerifiedFix:           joinTexts(event.RepairActions),
		PartsRequired:         event.PartsReplaced,
		HistoricalSuccessRate: 0.5,
		UsageCount:            1,
		RecurrenceCounter:     1,
		Status:                models.CardStatusDraft,
		OrganizationID:        event.OrganizationID,
		SourceTicketID:        event.TicketID,
		CreatedAt:             now,
		UpdatedAt:             now,
		LastUsedAt:            &now,
	}
	return s.store.UpsertDraftCard(ctx, card)
}

// ProcessPendingEvents pulls oldest-first pending events and processes each
// independently; one event's failure never blocks the rest.
func (s *Service) ProcessPendingEvents(ctx context.Context, batchSize int) (*BatchReport, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	events, err := s.store.ListPendingEvents(ctx, batchSize)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}

	report := &BatchReport{}
	for _, event := range events {
		report.EventIDs = append(report.EventIDs, event.EventID)
		result, err := s.ProcessLearningEvent(ctx, event.EventID)
		if err != nil || result.Error != "" {
			report.Errors++
			continue
		}
		report.Processed++
	}
	return report, nil
}

// GetLearningStats returns the supervisor dashboard counters.
func (s *Service) GetLearningStats(ctx context.Context, organizationID string) (*Stats, error) {
	events, err := s.store.CountEventsByStatus(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	alerts, err := s.store.CountActiveAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count alerts: %w", err)
	}
	cards, err := s.store.CountCardsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count cards: %w", err)
	}
	return &Stats{
		LearningEventsByStatus: events,
		ActiveRiskAlerts:       alerts,
		FailureCardsByStatus:   cards,
	}, nil
}
