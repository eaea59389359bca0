package models

import "time"

// ModelRiskAlert status values. Alerts are never auto-closed; status moves
// past "active" only through an explicit human action.
const (
	AlertStatusActive    = "active"
	AlertStatusReviewed  = "reviewed"
	AlertStatusDismissed = "dismissed"
	AlertStatusActioned  = "actioned"
)

// ModelRiskAlert is a supervisor-facing alert raised when the same failure
// recurs across a vehicle model beyond a threshold.
type ModelRiskAlert struct {
	AlertID           string    `json:"alert_id"`
	VehicleModel      string    `json:"vehicle_model"`
	Subsystem         string    `json:"subsystem"`
	OccurrenceCount   int       `json:"occurrence_count"`
	FirstOccurrence   time.Time `json:"first_occurrence"`
	LastOccurrence    time.Time `json:"last_occurrence"`
	AffectedTicketIDs []string  `json:"affected_ticket_ids"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ValidAlertStatus reports whether s is a recognized alert status.
func ValidAlertStatus(s string) bool {
	switch s {
	case AlertStatusActive, AlertStatusReviewed, AlertStatusDismissed, AlertStatusActioned:
		return true
	}
	return false
}

// AppendTicketID appends a ticket id to the affected list, de-duplicating.
func (a *ModelRiskAlert) AppendTicketID(ticketID string) {
	if ticketID == "" {
		return
	}
	for _, id := range a.AffectedTicketIDs {
		if id == ticketID {
			return
		}
	}
	a.AffectedTicketIDs = append(a.AffectedTicketIDs, ticketID)
}
