package models

import "time"

// LearningEvent status values. Events move pending → processed|error exactly
// once; re-processing a processed event is a no-op.
const (
	EventStatusPending   = "pending"
	EventStatusProcessed = "processed"
	EventStatusError     = "error"
)

// EventTypeTicketClosure is currently the only learning event type.
const EventTypeTicketClosure = "ticket_closure"

// LearningEvent is a queued unit of work capturing one ticket closure's
// resolution data for the learning loop.
type LearningEvent struct {
	EventID        string `json:"event_id"`
	EventType      string `json:"event_type"`
	TicketID       string `json:"ticket_id"`
	OrganizationID string `json:"organization_id,omitempty"`

	VehicleMake    string `json:"vehicle_make,omitempty"`
	VehicleModel   string `json:"vehicle_model,omitempty"`
	VehicleVariant string `json:"vehicle_variant,omitempty"`

	Subsystem string   `json:"subsystem,omitempty"`
	Symptoms  []string `json:"symptoms,omitempty"`
	DTCCodes  []string `json:"dtc_codes,omitempty"`

	ActualRootCause       string   `json:"actual_root_cause,omitempty"`
	PartsReplaced         []string `json:"parts_replaced,omitempty"`
	RepairActions         []string `json:"repair_actions,omitempty"`
	ResolutionTimeMinutes *int     `json:"resolution_time_minutes,omitempty"`

	AIGuidanceUsed bool  `json:"ai_guidance_used"`
	AIWasCorrect   *bool `json:"ai_was_correct,omitempty"`
	UnsafeIncident bool  `json:"unsafe_incident,omitempty"`

	Status           string            `json:"status"`
	ProcessingResult *ProcessingResult `json:"processing_result,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// ProcessingResult records what the processor did with an event.
type ProcessingResult struct {
	AlreadyProcessed bool     `json:"already_processed,omitempty"`
	ActionsTaken     []string `json:"actions_taken"`
	MatchedCardID    string   `json:"matched_card_id,omitempty"`
	CreatedCardID    string   `json:"created_card_id,omitempty"`
	AlertID          string   `json:"alert_id,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// NeedsImmediateProcessing reports whether the event should be processed
// synchronously at capture time instead of waiting for the batch: prior AI
// guidance was wrong, or an unsafe incident occurred.
func (e *LearningEvent) NeedsImmediateProcessing() bool {
	if e.UnsafeIncident {
		return true
	}
	return e.AIWasCorrect != nil && !*e.AIWasCorrect
}
