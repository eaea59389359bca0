package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voltgarage/efi-brain/internal/models"
)

func TestHandleCardImportResolvesAliases(t *testing.T) {
	srv := newTestServer(t)

	// Legacy document shape: failure_id, fault_category, single dtc_code.
	docs := []map[string]interface{}{
		{
			"failure_id":     "legacy-1",
			"fault_category": "battery",
			"title":          "Cell imbalance after deep discharge",
			"dtc_code":       "p0a80",
		},
	}
	w := postJSON(t, srv.handleCardImport, "/api/v1/efi/admin/cards/import", docs)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp CardImportResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Imported != 1 || resp.Failed != 0 {
		t.Fatalf("Expected 1 imported / 0 failed, got %d/%d", resp.Imported, resp.Failed)
	}

	card, err := srv.store.GetFailureCard(context.Background(), "legacy-1")
	if err != nil {
		t.Fatalf("GetFailureCard: %v", err)
	}
	if card.CardID != "legacy-1" {
		t.Errorf("Expected canonical card_id resolved from failure_id, got %q", card.CardID)
	}
	if card.Subsystem != "battery" {
		t.Errorf("Expected subsystem resolved from fault_category, got %q", card.Subsystem)
	}
	if len(card.DTCCodes) != 1 || card.DTCCodes[0] != "P0A80" {
		t.Errorf("Expected dtc_codes [P0A80], got %v", card.DTCCodes)
	}
	if card.Status != models.CardStatusDraft {
		t.Errorf("Expected imported card to default to draft, got %q", card.Status)
	}
}

func TestHandleCardImportPartialFailure(t *testing.T) {
	srv := newTestServer(t)

	docs := []map[string]interface{}{
		{"card_id": "ok-1", "title": "Valid card"},
		{"title": "No id at all"},
	}
	w := postJSON(t, srv.handleCardImport, "/api/v1/efi/admin/cards/import", docs)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp CardImportResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Imported != 1 || resp.Failed != 1 {
		t.Errorf("Expected 1 imported / 1 failed, got %d/%d", resp.Imported, resp.Failed)
	}
	if len(resp.Errors) != 1 {
		t.Errorf("Expected 1 error entry, got %v", resp.Errors)
	}
}

func TestHandleCardEmbed(t *testing.T) {
	srv := newTestServer(t)

	docs := []map[string]interface{}{
		{"card_id": "fc-embed", "title": "Throttle cutoff at speed", "subsystem": "controller"},
	}
	postJSON(t, srv.handleCardImport, "/api/v1/efi/admin/cards/import", docs)

	w := postJSON(t, srv.handleCardEmbed, "/api/v1/efi/admin/cards/embed", CardEmbedRequest{CardID: "fc-embed"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	card, err := srv.store.GetFailureCard(context.Background(), "fc-embed")
	if err != nil {
		t.Fatalf("GetFailureCard: %v", err)
	}
	if len(card.EmbeddingVector) != 256 {
		t.Errorf("Expected 256-dim embedding, got %d", len(card.EmbeddingVector))
	}
	if card.EmbeddingModel != "efi-hash-v1" {
		t.Errorf("Expected bulk provider model efi-hash-v1, got %q", card.EmbeddingModel)
	}
}

func TestHandleCardEmbedUnknownCard(t *testing.T) {
	srv := newTestServer(t)

	w := postJSON(t, srv.handleCardEmbed, "/api/v1/efi/admin/cards/embed", CardEmbedRequest{CardID: "nope"})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func seedAlert(t *testing.T, srv *Server, id, status string) {
	t.Helper()
	now := time.Now().UTC()
	err := srv.store.SaveRiskAlert(context.Background(), &models.ModelRiskAlert{
		AlertID:         id,
		VehicleModel:    "ZX-500",
		Subsystem:       "battery",
		OccurrenceCount: 3,
		FirstOccurrence: now.Add(-72 * time.Hour),
		LastOccurrence:  now,
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		t.Fatalf("SaveRiskAlert: %v", err)
	}
}

func TestHandleAlertsList(t *testing.T) {
	srv := newTestServer(t)
	seedAlert(t, srv, "al-1", models.AlertStatusActive)
	seedAlert(t, srv, "al-2", models.AlertStatusReviewed)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/efi/alerts?status=active", nil)
	w := httptest.NewRecorder()
	srv.handleAlertsList(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp struct {
		Alerts []models.ModelRiskAlert `json:"alerts"`
		Count  int                     `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 || resp.Alerts[0].AlertID != "al-1" {
		t.Errorf("Expected only al-1, got %+v", resp.Alerts)
	}
}

func TestHandleAlertsListInvalidStatus(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/efi/alerts?status=bogus", nil)
	w := httptest.NewRecorder()
	srv.handleAlertsList(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandleAlertStatus(t *testing.T) {
	srv := newTestServer(t)
	seedAlert(t, srv, "al-3", models.AlertStatusActive)

	w := postJSON(t, srv.handleAlertStatus, "/api/v1/efi/alerts/status", AlertStatusRequest{
		AlertID: "al-3",
		Status:  models.AlertStatusReviewed,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	alerts, err := srv.store.ListRiskAlerts(context.Background(), models.AlertStatusReviewed, 10)
	if err != nil {
		t.Fatalf("ListRiskAlerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].AlertID != "al-3" {
		t.Errorf("Expected al-3 reviewed, got %+v", alerts)
	}
}

func TestHandleAlertStatusValidation(t *testing.T) {
	srv := newTestServer(t)

	w := postJSON(t, srv.handleAlertStatus, "/api/v1/efi/alerts/status", AlertStatusRequest{
		AlertID: "al-x",
		Status:  "closed",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unknown status, got %d", w.Code)
	}

	w = postJSON(t, srv.handleAlertStatus, "/api/v1/efi/alerts/status", AlertStatusRequest{
		AlertID: "missing",
		Status:  models.AlertStatusDismissed,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown alert, got %d", w.Code)
	}
}
