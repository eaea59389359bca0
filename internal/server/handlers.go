package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"time"

	"github.com/voltgarage/efi-brain/internal/classifier"
	"github.com/voltgarage/efi-brain/internal/db"
	"github.com/voltgarage/efi-brain/internal/learning"
)

// complaintEmbeddingTTL bounds how long an identical complaint text reuses a
// previous rating-backed embedding.
const complaintEmbeddingTTL = time.Hour

// complaintCacheKey derives a fixed-size cache key from complaint text.
func complaintCacheKey(text string) string {
	h := fnv.New64a()
	h.Write([]byte(text))
	return fmt.Sprintf("complaint:%x", h.Sum64())
}

// LearningCaptureRequest is the ticket-closure trigger payload.
type LearningCaptureRequest struct {
	TicketID       string `json:"ticket_id"`
	OrganizationID string `json:"organization_id,omitempty"`

	learning.ClosurePayload
}

// LearningCaptureResponse acknowledges a captured closure.
type LearningCaptureResponse struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
}

// handleLearningCapture handles ticket-closure capture requests
func (s *Server) handleLearningCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req LearningCaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.TicketID == "" {
		http.Error(w, "ticket_id is required", http.StatusBadRequest)
		return
	}

	eventID, err := s.learning.CaptureTicketClosure(r.Context(), req.TicketID, req.OrganizationID, &req.ClosurePayload)
	if err != nil {
		http.Error(w, fmt.Sprintf("Capture error: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, LearningCaptureResponse{
		EventID:   eventID,
		Timestamp: time.Now(),
	})
}

// LearningProcessRequest selects what the batch run processes. With an
// event_id set only that event is processed; otherwise pending events are
// pulled oldest-first up to batch_size.
type LearningProcessRequest struct {
	EventID   string `json:"event_id,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

// handleLearningProcess handles batch and single-event processing requests
func (s *Server) handleLearningProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// An empty body means "run the default batch".
	var req LearningProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if req.EventID != "" {
		result, err := s.learning.ProcessLearningEvent(r.Context(), req.EventID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				http.Error(w, "event not found: "+req.EventID, http.StatusNotFound)
				return
			}
			http.Error(w, fmt.Sprintf("Processing error: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = s.config.Learning.BatchSize
	}
	report, err := s.learning.ProcessPendingEvents(r.Context(), batchSize)
	if err != nil {
		http.Error(w, fmt.Sprintf("Processing error: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleLearningStats handles supervisor dashboard requests
func (s *Server) handleLearningStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := s.learning.GetLearningStats(r.Context(), r.URL.Query().Get("organization_id"))
	if err != nil {
		http.Error(w, fmt.Sprintf("Stats error: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ComplaintEmbeddingRequest is the complaint intake payload.
type ComplaintEmbeddingRequest struct {
	Text string `json:"text"`
}

// ComplaintEmbeddingResponse carries the embedding plus the keyword-classified
// subsystem the caller can use as a similarity filter.
type ComplaintEmbeddingResponse struct {
	Embedding           []float64 `json:"embedding"`
	ClassifiedSubsystem string    `json:"classified_subsystem"`
	Model               string    `json:"model"`
	Dimensions          int       `json:"dimensions"`
}

// handleComplaintEmbedding handles complaint intake requests
func (s *Server) handleComplaintEmbedding(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ComplaintEmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	// Duplicate submissions reuse the previous embedding instead of paying
	// for another rating call.
	key := complaintCacheKey(req.Text)
	if cached, ok := s.embedCache.Get(r.Context(), key); ok {
		if resp, ok := cached.(ComplaintEmbeddingResponse); ok {
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	result, err := s.embedder.EmbedText(r.Context(), req.Text)
	if err != nil {
		http.Error(w, fmt.Sprintf("Embedding error: %v", err), http.StatusInternalServerError)
		return
	}

	resp := ComplaintEmbeddingResponse{
		Embedding:           result.Vector,
		ClassifiedSubsystem: classifier.Classify(req.Text),
		Model:               result.ModelName,
		Dimensions:          result.Dimensions,
	}
	s.embedCache.Set(r.Context(), key, resp, complaintEmbeddingTTL)

	writeJSON(w, http.StatusOK, resp)
}

// CardsSimilarRequest is a similarity search. The caller may send raw
// complaint text or a previously generated embedding; text wins when both are
// present. DecisionTreeCardIDs is the guided-diagnostics layer's current set
// of tree-linked cards, used for boosting.
type CardsSimilarRequest struct {
	Text      string    `json:"text,omitempty"`
	Embedding []float64 `json:"embedding,omitempty"`

	Subsystem string   `json:"subsystem,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`

	DecisionTreeCardIDs []string `json:"decision_tree_card_ids,omitempty"`
}

// handleCardsSimilar handles similarity search requests
func (s *Server) handleCardsSimilar(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CardsSimilarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	queryVec := req.Embedding
	subsystem := req.Subsystem
	if req.Text != "" {
		result, err := s.embedder.EmbedText(r.Context(), req.Text)
		if err != nil {
			http.Error(w, fmt.Sprintf("Embedding error: %v", err), http.StatusInternalServerError)
			return
		}
		queryVec = result.Vector
		if subsystem == "" {
			if classified := classifier.Classify(req.Text); classified != classifier.Unknown {
				subsystem = classified
			}
		}
	}
	if len(queryVec) == 0 {
		http.Error(w, "text or embedding is required", http.StatusBadRequest)
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.config.Similarity.DefaultLimit
	}
	threshold := s.config.Similarity.DefaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	treeCardIDs := make(map[string]bool, len(req.DecisionTreeCardIDs))
	for _, id := range req.DecisionTreeCardIDs {
		treeCardIDs[id] = true
	}

	matches, err := s.engine.FindSimilar(r.Context(), queryVec, subsystem, limit, threshold, treeCardIDs)
	if err != nil {
		http.Error(w, fmt.Sprintf("Similarity search error: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"matches": matches,
		"count":   len(matches),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
