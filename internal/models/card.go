package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Package models defines the core data types of the EFI brain: failure cards,
// learning events, and model risk alerts.

// FailureCard status values.
const (
	CardStatusDraft      = "draft"
	CardStatusApproved   = "approved"
	CardStatusDeprecated = "deprecated"
)

// FailureCard is a structured record of a known vehicle failure mode, its
// symptoms, root cause, and outcome statistics. Cards are shared across
// organizations unless OrganizationID is set.
type FailureCard struct {
	CardID string `json:"card_id"`

	// Legacy identifiers kept from imported card documents. Lookups by any
	// of the three ids resolve to the same record.
	FailureID     string `json:"failure_id,omitempty"`
	FailureCardID string `json:"failure_card_id,omitempty"`

	// Vehicle scope. Empty fields mean the card applies fleet-wide.
	VehicleMake     string `json:"vehicle_make,omitempty"`
	VehicleModel    string `json:"vehicle_model,omitempty"`
	VehicleVariant  string `json:"vehicle_variant,omitempty"`
	VehicleCategory string `json:"vehicle_category,omitempty"`

	// Subsystem and its legacy aliases. SubsystemValue() resolves them.
	Subsystem         string `json:"subsystem,omitempty"`
	FaultCategory     string `json:"fault_category,omitempty"`
	SubsystemCategory string `json:"subsystem_category,omitempty"`

	Title          string   `json:"title,omitempty"`
	Description    string   `json:"description,omitempty"`
	SymptomCluster []string `json:"symptom_cluster,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`

	// DTC codes and their legacy aliases. AllDTCCodes() resolves them.
	DTCCodes   []string `json:"dtc_codes,omitempty"`
	DTCCode    string   `json:"dtc_code,omitempty"`
	ErrorCodes []string `json:"error_codes,omitempty"`

	RootCause     string   `json:"root_cause,omitempty"`
	VerifiedFix   string   `json:"verified_fix,omitempty"`
	PartsRequired []string `json:"parts_required,omitempty"`

	HistoricalSuccessRate float64 `json:"historical_success_rate"`
	ConfidenceScore       float64 `json:"confidence_score"`
	UsageCount            int     `json:"usage_count"`
	RecurrenceCounter     int     `json:"recurrence_counter"`
	PositiveFeedbackCount int     `json:"positive_feedback_count"`
	NegativeFeedbackCount int     `json:"negative_feedback_count"`

	Status          string `json:"status"`
	ExcludedFromEFI bool   `json:"excluded_from_efi,omitempty"`

	EmbeddingVector    []float64  `json:"embedding_vector,omitempty"`
	EmbeddingModel     string     `json:"embedding_model,omitempty"`
	EmbeddingUpdatedAt *time.Time `json:"embedding_updated_at,omitempty"`

	// Empty means the card belongs to the shared cross-tenant corpus.
	OrganizationID string `json:"organization_id,omitempty"`

	// SourceTicketID is set on cards drafted by the learning loop; together
	// with OrganizationID it is the draft upsert key.
	SourceTicketID string `json:"source_ticket_id,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// ID returns the canonical card id, falling back to the legacy aliases for
// records imported before the id rename.
func (c *FailureCard) ID() string {
	if c.CardID != "" {
		return c.CardID
	}
	if c.FailureID != "" {
		return c.FailureID
	}
	return c.FailureCardID
}

// SubsystemValue returns the first non-empty subsystem field.
func (c *FailureCard) SubsystemValue() string {
	if c.Subsystem != "" {
		return c.Subsystem
	}
	if c.FaultCategory != "" {
		return c.FaultCategory
	}
	return c.SubsystemCategory
}

// AllDTCCodes merges the canonical dtc_codes list with the legacy single-code
// and error_codes aliases, de-duplicated, upper-cased.
func (c *FailureCard) AllDTCCodes() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(code string) {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" || seen[code] {
			return
		}
		seen[code] = true
		out = append(out, code)
	}
	for _, code := range c.DTCCodes {
		add(code)
	}
	add(c.DTCCode)
	for _, code := range c.ErrorCodes {
		add(code)
	}
	return out
}

// HasDTCOverlap reports whether any of the given codes appears in the card's
// DTC codes under any of the legacy field aliases.
func (c *FailureCard) HasDTCOverlap(codes []string) bool {
	if len(codes) == 0 {
		return false
	}
	have := make(map[string]bool)
	for _, code := range c.AllDTCCodes() {
		have[code] = true
	}
	for _, code := range codes {
		if have[strings.ToUpper(strings.TrimSpace(code))] {
			return true
		}
	}
	return false
}

// HasSymptomOverlap reports whether any of the given symptoms appears in the
// card's symptom cluster (case-insensitive).
func (c *FailureCard) HasSymptomOverlap(symptoms []string) bool {
	if len(symptoms) == 0 || len(c.SymptomCluster) == 0 {
		return false
	}
	have := make(map[string]bool, len(c.SymptomCluster))
	for _, s := range c.SymptomCluster {
		have[strings.ToLower(strings.TrimSpace(s))] = true
	}
	for _, s := range symptoms {
		if have[strings.ToLower(strings.TrimSpace(s))] {
			return true
		}
	}
	return false
}

// ParseCardDocument decodes a card document in its persisted JSON form,
// resolving the legacy field aliases onto the canonical fields. Used by the
// administrative import path.
func ParseCardDocument(data []byte) (*FailureCard, error) {
	var card FailureCard
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, err
	}
	if card.CardID == "" {
		card.CardID = card.ID()
	}
	if card.Subsystem == "" {
		card.Subsystem = card.SubsystemValue()
	}
	if len(card.DTCCodes) == 0 {
		card.DTCCodes = card.AllDTCCodes()
	}
	if card.Status == "" {
		card.Status = CardStatusDraft
	}
	return &card, nil
}
