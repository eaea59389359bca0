package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/voltgarage/efi-brain/internal/db"
	"github.com/voltgarage/efi-brain/internal/models"
)

// CardEmbedRequest selects a card for re-embedding. Any of the legacy id
// aliases resolves.
type CardEmbedRequest struct {
	CardID string `json:"card_id"`
}

// handleCardEmbed handles single-card re-embed requests
func (s *Server) handleCardEmbed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CardEmbedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.CardID == "" {
		http.Error(w, "card_id is required", http.StatusBadRequest)
		return
	}

	if err := s.engine.EmbedFailureCard(r.Context(), req.CardID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "card not found: "+req.CardID, http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Embed error: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"card_id":   req.CardID,
		"status":    "embedded",
		"timestamp": time.Now(),
	})
}

// handleCardEmbedAll handles bulk re-embed requests
func (s *Server) handleCardEmbedAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	report, err := s.engine.EmbedAllCards(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Bulk embed error: %v", err), http.StatusInternalServerError)
		return
	}

	if s.audit != nil {
		_ = s.audit.LogCorpusReembed(r.Context(),
			report.Total, report.Success, report.Failed, time.Since(start))
	}

	writeJSON(w, http.StatusOK, report)
}

// CardImportResponse summarizes a legacy card-document import.
type CardImportResponse struct {
	Imported int      `json:"imported"`
	Failed   int      `json:"failed"`
	CardIDs  []string `json:"card_ids"`
	Errors   []string `json:"errors,omitempty"`
}

// handleCardImport handles legacy card-document import requests. The body is
// a JSON array of card documents in their persisted form; legacy field
// aliases are resolved per document.
func (s *Server) handleCardImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var documents []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&documents); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if len(documents) == 0 {
		http.Error(w, "no card documents in request", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	resp := CardImportResponse{}
	for i, doc := range documents {
		card, err := models.ParseCardDocument(doc)
		if err != nil {
			resp.Failed++
			resp.Errors = append(resp.Errors, fmt.Sprintf("document %d: %v", i, err))
			continue
		}
		if card.ID() == "" {
			resp.Failed++
			resp.Errors = append(resp.Errors, fmt.Sprintf("document %d: missing card id", i))
			continue
		}
		if card.CreatedAt.IsZero() {
			card.CreatedAt = now
		}
		card.UpdatedAt = now
		if err := s.store.SaveFailureCard(r.Context(), card); err != nil {
			resp.Failed++
			resp.Errors = append(resp.Errors, fmt.Sprintf("document %d: %v", i, err))
			continue
		}
		resp.Imported++
		resp.CardIDs = append(resp.CardIDs, card.ID())
	}

	if s.audit != nil {
		_ = s.audit.LogCardImport(r.Context(), resp.Imported, resp.Failed, r.RemoteAddr)
	}

	writeJSON(w, http.StatusOK, resp)
}

// AlertStatusRequest is a human status transition for a risk alert.
type AlertStatusRequest struct {
	AlertID string `json:"alert_id"`
	Status  string `json:"status"`
}

// handleAlertsList handles alert listing requests
func (s *Server) handleAlertsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := r.URL.Query().Get("status")
	if status != "" && !models.ValidAlertStatus(status) {
		http.Error(w, "invalid status: "+status, http.StatusBadRequest)
		return
	}

	alerts, err := s.store.ListRiskAlerts(r.Context(), status, 100)
	if err != nil {
		http.Error(w, fmt.Sprintf("Alert listing error: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// handleAlertStatus handles alert status transition requests. Moving an alert
// past active is a human action; the learning loop never calls this.
func (s *Server) handleAlertStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AlertStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.AlertID == "" {
		http.Error(w, "alert_id is required", http.StatusBadRequest)
		return
	}
	if !models.ValidAlertStatus(req.Status) {
		http.Error(w, "invalid status: "+req.Status, http.StatusBadRequest)
		return
	}

	if err := s.store.UpdateAlertStatus(r.Context(), req.AlertID, req.Status); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "alert not found: "+req.AlertID, http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Alert update error: %v", err), http.StatusInternalServerError)
		return
	}

	if s.audit != nil {
		_ = s.audit.LogAlertStatusChange(r.Context(), req.AlertID, req.Status, r.RemoteAddr)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alert_id":  req.AlertID,
		"status":    req.Status,
		"timestamp": time.Now(),
	})
}
