package rating

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voltgarage/efi-brain/internal/metrics"
)

// Package rating provides the external text-rating capability used by the
// hybrid embedding strategy. The rater scores a complaint on a fixed set of
// domain dimensions as floats in [-1, 1] through an OpenAI-compatible chat
// completions endpoint.

// Dimensions is the fixed rating dimension set, in vector order. The hybrid
// embedding's semantic region has exactly one slot per dimension.
var Dimensions = []string{
	"battery",
	"motor",
	"controller",
	"electrical",
	"charging",
	"severity",
	"urgency",
	"safety_risk",
}

const (
	DefaultBaseURL   = "https://api.openai.com/v1"
	DefaultModel     = "gpt-4o-mini"
	DefaultMaxTokens = 256
	DefaultTimeout   = 10 * time.Second
)

// Rater scores text on the fixed dimension set. Implementations must be safe
// for concurrent use.
type Rater interface {
	// RateText returns one score in [-1, 1] per entry in Dimensions, in
	// order. Errors are expected operational events; callers degrade
	// gracefully rather than fail.
	RateText(ctx context.Context, text string) ([]float64, error)

	// IsAvailable reports whether the rater is configured.
	IsAvailable() bool
}

// Client calls an OpenAI-compatible chat completions API to rate text.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// NewClient creates a rating client. An empty apiKey yields a client that
// reports unavailable; RateText then fails fast and the embedding provider
// runs degraded.
func NewClient(apiKey, model, baseURL string, timeout time.Duration) *Client {
	if model == "" {
		model = DefaultModel
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// IsAvailable reports whether an API key is configured.
func (c *Client) IsAvailable() bool { return c.apiKey != "" }

// RateText asks the model for one score per dimension and clamps each to
// [-1, 1]. The call is bounded by the client timeout so a slow upstream can
// never stall an embedding request indefinitely.
func (c *Client) RateText(ctx context.Context, text string) ([]float64, error) {
	if !c.IsAvailable() {
		return nil, fmt.Errorf("text rater is not configured")
	}

	request := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt()},
			{Role: "user", Content: text},
		},
		MaxTokens:   DefaultMaxTokens,
		Temperature: 0,
	}

	start := time.Now()
	response, err := c.makeRequest(ctx, "/chat/completions", request)
	metrics.RatingRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RatingRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("rating request failed: %w", err)
	}
	metrics.RatingRequests.WithLabelValues("ok").Inc()

	var chat chatResponse
	if err := json.Unmarshal(response, &chat); err != nil {
		return nil, fmt.Errorf("failed to parse rating response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("no choices in rating response")
	}

	return parseScores(chat.Choices[0].Message.Content)
}

func systemPrompt() string {
	return "You rate electric vehicle service complaints. Respond with a JSON object " +
		"mapping each dimension name to a score between -1.0 and 1.0, nothing else. " +
		"Dimensions: " + strings.Join(Dimensions, ", ") + "."
}

// parseScores extracts the per-dimension scores from the model reply. Missing
// dimensions score zero; out-of-range values are clamped.
func parseScores(content string) ([]float64, error) {
	// Models occasionally wrap the JSON in a code fence.
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in rating reply")
	}

	var raw map[string]float64
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse rating scores: %w", err)
	}

	scores := make([]float64, len(Dimensions))
	for i, dim := range Dimensions {
		scores[i] = clamp(raw[dim], -1, 1)
	}
	return scores, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (c *Client) makeRequest(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rating API error (status %d): %s", resp.StatusCode, string(responseBody))
	}
	return responseBody, nil
}

// SetBaseURL overrides the API base URL.  Used in tests.
func (c *Client) SetBaseURL(url string) { c.baseURL = url }
