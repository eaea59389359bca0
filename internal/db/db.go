package db

import (
	"context"
	"errors"
	"time"

	"github.com/voltgarage/efi-brain/internal/models"
)

// Store is the persistence interface for the EFI brain. The corpus is a
// shared, cross-tenant knowledge store: failure cards carry an optional
// organization id but queries are deliberately not tenant-scoped.
type Store interface {
	FailureCardStore
	LearningEventStore
	RiskAlertStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ErrNotFound is returned when a card, event, or alert id is unknown.
var ErrNotFound = errors.New("not found")

// ─── Failure cards ────────────────────────────────────────────────────────────

// CardMatchQuery filters the matching-heuristic candidate pool. Each predicate
// is omitted, not defaulted, when its input is absent.
type CardMatchQuery struct {
	// Subsystem, when non-empty, must equal one of the card's subsystem
	// field aliases.
	Subsystem string

	// VehicleModel, when HasVehicleModel, must equal the card's model or the
	// card must be global (empty model).
	VehicleModel    string
	HasVehicleModel bool

	Limit int
}

// FailureCardStore persists the failure card corpus. Cards are never
// hard-deleted by this core; retirement is a status change.
type FailureCardStore interface {
	// SaveFailureCard creates or fully overwrites a card by card_id.
	SaveFailureCard(ctx context.Context, card *models.FailureCard) error

	// GetFailureCard retrieves a card by its canonical id or either legacy
	// alias id. Returns ErrNotFound for unknown ids.
	GetFailureCard(ctx context.Context, id string) (*models.FailureCard, error)

	// ListCandidateCards returns similarity-search candidates, excluding
	// cards flagged excluded_from_efi. An empty subsystem returns the whole
	// corpus up to limit (the documented full-scan ceiling).
	ListCandidateCards(ctx context.Context, subsystem string, limit int) ([]*models.FailureCard, error)

	// ListCards pages through the whole corpus for bulk jobs.
	ListCards(ctx context.Context, limit, offset int) ([]*models.FailureCard, error)

	// MatchCandidates returns the matching-heuristic candidate pool, ordered
	// by historical_success_rate descending.
	MatchCandidates(ctx context.Context, q CardMatchQuery) ([]*models.FailureCard, error)

	// UpsertDraftCard inserts a draft card keyed by (source_ticket_id,
	// organization_id). On conflict the existing card's usage and recurrence
	// counters are incremented instead. Returns the stored card and whether
	// a new row was created.
	UpsertDraftCard(ctx context.Context, card *models.FailureCard) (*models.FailureCard, bool, error)

	// IncrementCardUsage bumps usage_count and recurrence_counter for a
	// matched card, applies an optional feedback signal to the feedback
	// counters, and recomputes historical_success_rate = positive /
	// (positive+negative) rounded to 3 decimals. The increments are single
	// statements so concurrent writers stay correct.
	IncrementCardUsage(ctx context.Context, cardID string, feedback *bool, now time.Time) (*models.FailureCard, error)

	// UpdateCardEmbedding writes a regenerated embedding onto a card.
	UpdateCardEmbedding(ctx context.Context, cardID string, vector []float64, model string, at time.Time) error

	// CountCardsByStatus returns corpus size grouped by card status.
	CountCardsByStatus(ctx context.Context) (map[string]int, error)
}

// ─── Learning events ──────────────────────────────────────────────────────────

// LearningEventStore persists the learning queue.
type LearningEventStore interface {
	// SaveLearningEvent inserts a new event.
	SaveLearningEvent(ctx context.Context, ev *models.LearningEvent) error

	// GetLearningEvent retrieves an event by id. Returns ErrNotFound.
	GetLearningEvent(ctx context.Context, id string) (*models.LearningEvent, error)

	// ListPendingEvents returns pending events oldest-first.
	ListPendingEvents(ctx context.Context, limit int) ([]*models.LearningEvent, error)

	// MarkEventProcessed transitions an event to processed with its result.
	// A no-op for events already processed.
	MarkEventProcessed(ctx context.Context, id string, result *models.ProcessingResult, at time.Time) error

	// MarkEventError transitions an event to error with the failure message.
	MarkEventError(ctx context.Context, id string, msg string, at time.Time) error

	// CountEventsByStatus returns event counts grouped by status, optionally
	// scoped to one organization.
	CountEventsByStatus(ctx context.Context, organizationID string) (map[string]int, error)

	// CountRecentClosures counts ticket-closure events for a (vehicle_model,
	// subsystem) pair created at or after since.
	CountRecentClosures(ctx context.Context, vehicleModel, subsystem string, since time.Time) (int, error)

	// RecentClosureTicketIDs returns ticket ids for the same window,
	// oldest-first, capped at limit.
	RecentClosureTicketIDs(ctx context.Context, vehicleModel, subsystem string, since time.Time, limit int) ([]string, error)

	// OldestClosureTime returns the created_at of the oldest closure in the
	// same window, or ErrNotFound when none exist.
	OldestClosureTime(ctx context.Context, vehicleModel, subsystem string, since time.Time) (time.Time, error)
}

// ─── Risk alerts ──────────────────────────────────────────────────────────────

// RiskAlertStore persists model risk alerts.
type RiskAlertStore interface {
	// SaveRiskAlert creates or updates an alert by alert_id.
	SaveRiskAlert(ctx context.Context, alert *models.ModelRiskAlert) error

	// GetActiveAlert returns the active alert for a (vehicle_model,
	// subsystem) pair, or ErrNotFound.
	GetActiveAlert(ctx context.Context, vehicleModel, subsystem string) (*models.ModelRiskAlert, error)

	// ListRiskAlerts returns alerts newest-first, optionally filtered by
	// status.
	ListRiskAlerts(ctx context.Context, status string, limit int) ([]*models.ModelRiskAlert, error)

	// UpdateAlertStatus moves an alert to a new status. Closure is a human
	// action; this core never calls it.
	UpdateAlertStatus(ctx context.Context, alertID, status string) error

	// CountActiveAlerts returns the number of active alerts.
	CountActiveAlerts(ctx context.Context) (int, error)
}
