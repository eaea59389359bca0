package pattern

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltgarage/efi-brain/internal/db"
	"github.com/voltgarage/efi-brain/internal/metrics"
	"github.com/voltgarage/efi-brain/internal/models"
)

// Package pattern watches the learning-event stream for the same failure
// recurring across a vehicle model and raises ModelRiskAlerts for human
// review. Alerts are never auto-closed here.

const (
	// DefaultRecurrenceThreshold is the closure count within the window that
	// triggers an alert for a (vehicle_model, subsystem) pair.
	DefaultRecurrenceThreshold = 3

	// DefaultWindow is the trailing window counted.
	DefaultWindow = 30 * 24 * time.Hour

	// maxSeedTickets caps the ticket ids seeded onto a brand-new alert.
	maxSeedTickets = 20
)

// Notifier receives alerts as they are created or updated. The server wires
// this to the websocket broadcast; a nil Notifier disables pushes.
type Notifier interface {
	NotifyAlert(alert *models.ModelRiskAlert)
}

// Detector runs recurrence detection after each processed learning event.
type Detector struct {
	store     db.Store
	threshold int
	window    time.Duration
	notifier  Notifier
	logger    *zap.Logger
}

// NewDetector creates a detector. Non-positive threshold or window fall back
// to the defaults.
func NewDetector(store db.Store, threshold int, window time.Duration, notifier Notifier, logger *zap.Logger) *Detector {
	if threshold <= 0 {
		threshold = DefaultRecurrenceThreshold
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		store:     store,
		threshold: threshold,
		window:    window,
		notifier:  notifier,
		logger:    logger,
	}
}

// Check counts recent closures for the event's (vehicle_model, subsystem)
// pair and creates or updates an active alert when the threshold is reached.
// The event must already be persisted so the count includes it. Returns the
// touched alert id, or "" when no alert applies.
//
// The count and the alert upsert are not one transaction: two events racing
// at the threshold boundary can each create an alert. Accepted and logged;
// duplicates are resolved by human review.
func (d *Detector) Check(ctx context.Context, event *models.LearningEvent) (string, error) {
	if event.VehicleModel == "" || event.Subsystem == "" {
		return "", nil
	}

	now := time.Now().UTC()
	since := now.Add(-d.window)

	count, err := d.store.CountRecentClosures(ctx, event.VehicleModel, event.Subsystem, since)
	if err != nil {
		return "", fmt.Errorf("count recent closures: %w", err)
	}
	if count < d.threshold {
		return "", nil
	}

	alert, err := d.store.GetActiveAlert(ctx, event.VehicleModel, event.Subsystem)
	switch {
	case err == nil:
		alert.OccurrenceCount++
		alert.LastOccurrence = now
		alert.AppendTicketID(event.TicketID)
		alert.UpdatedAt = now
		if err := d.store.SaveRiskAlert(ctx, alert); err != nil {
			return "", fmt.Errorf("update risk alert: %w", err)
		}
		metrics.RiskAlertsRaised.WithLabelValues("updated").Inc()
		d.logger.Info("risk alert updated",
			zap.String("alert_id", alert.AlertID),
			zap.String("vehicle_model", alert.VehicleModel),
			zap.String("subsystem", alert.Subsystem),
			zap.Int("occurrence_count", alert.OccurrenceCount))

	case errors.Is(err, db.ErrNotFound):
		tickets, err := d.store.RecentClosureTicketIDs(ctx, event.VehicleModel, event.Subsystem, since, maxSeedTickets)
		if err != nil {
			return "", fmt.Errorf("seed ticket ids: %w", err)
		}
		first, err := d.store.OldestClosureTime(ctx, event.VehicleModel, event.Subsystem, since)
		if err != nil {
			first = now
		}
		alert = &models.ModelRiskAlert{
			AlertID:         uuid.NewString(),
			VehicleModel:    event.VehicleModel,
			Subsystem:       event.Subsystem,
			OccurrenceCount: count,
			FirstOccurrence: first,
			LastOccurrence:  now,
			Status:          models.AlertStatusActive,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		for _, id := range tickets {
			alert.AppendTicketID(id)
		}
		if len(alert.AffectedTicketIDs) < maxSeedTickets {
			alert.AppendTicketID(event.TicketID)
		}
		if err := d.store.SaveRiskAlert(ctx, alert); err != nil {
			return "", fmt.Errorf("create risk alert: %w", err)
		}
		metrics.RiskAlertsRaised.WithLabelValues("created").Inc()
		d.logger.Info("risk alert created",
			zap.String("alert_id", alert.AlertID),
			zap.String("vehicle_model", alert.VehicleModel),
			zap.String("subsystem", alert.Subsystem),
			zap.Int("occurrence_count", alert.OccurrenceCount))

	default:
		return "", fmt.Errorf("lookup active alert: %w", err)
	}

	if active, err := d.store.CountActiveAlerts(ctx); err == nil {
		metrics.ActiveRiskAlerts.Set(float64(active))
	}

	if d.notifier != nil {
		d.notifier.NotifyAlert(alert)
	}
	return alert.AlertID, nil
}
