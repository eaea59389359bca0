package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TicketSnapshot is what the ERP core knows about a ticket at closure time.
// Fields the upstream omits stay zero; capture works with whatever arrived.
type TicketSnapshot struct {
	TicketID       string   `json:"ticket_id"`
	VehicleMake    string   `json:"vehicle_make,omitempty"`
	VehicleModel   string   `json:"vehicle_model,omitempty"`
	VehicleVariant string   `json:"vehicle_variant,omitempty"`
	Subsystem      string   `json:"subsystem,omitempty"`
	Symptoms       []string `json:"symptoms,omitempty"`
	DTCCodes       []string `json:"dtc_codes,omitempty"`

	// AIGuidanceUsed reflects whether a prior guidance snapshot exists.
	AIGuidanceUsed bool `json:"ai_guidance_used,omitempty"`

	CreatedAt string `json:"created_at,omitempty"`
	ClosedAt  string `json:"closed_at,omitempty"`
}

// TicketReader loads ticket snapshots from the ERP core. Optional: capture
// proceeds with the closure payload alone when no reader is configured.
type TicketReader interface {
	GetTicket(ctx context.Context, ticketID, organizationID string) (*TicketSnapshot, error)
}

// HTTPTicketReader fetches tickets over the ERP core's REST API.
type HTTPTicketReader struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPTicketReader creates a reader against baseURL. Returns nil when
// baseURL is empty so callers can treat the reader as unconfigured.
func NewHTTPTicketReader(baseURL, apiKey string, timeout time.Duration) *HTTPTicketReader {
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTicketReader{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (r *HTTPTicketReader) GetTicket(ctx context.Context, ticketID, organizationID string) (*TicketSnapshot, error) {
	url := fmt.Sprintf("%s/api/v1/tickets/%s", r.baseURL, ticketID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	if organizationID != "" {
		req.Header.Set("X-Organization-ID", organizationID)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ticket fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ticket API error (status %d): %s", resp.StatusCode, string(body))
	}

	var snapshot TicketSnapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to parse ticket: %w", err)
	}
	return &snapshot, nil
}
