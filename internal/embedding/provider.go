package embedding

import "context"

// Package embedding turns complaint and failure-card text into fixed-length
// numeric vectors. Two strategies exist: the hybrid provider mixes externally
// rated semantic scores with deterministic hashed text features, and the hash
// provider is a fully offline fallback for bulk re-embedding jobs.

// Result is one embedded text.
type Result struct {
	Vector     []float64 `json:"vector"`
	ModelName  string    `json:"model_name"`
	Dimensions int       `json:"dimensions"`
}

// Provider is the embedding contract. Implementations must be deterministic
// in their hashed regions and safe for concurrent use.
type Provider interface {
	// IsAvailable reports whether the provider can produce full-fidelity
	// embeddings. A hybrid provider without a configured rater is still
	// usable, only degraded.
	IsAvailable() bool

	// Dimensions returns the fixed output vector length.
	Dimensions() int

	// EmbedText embeds a single text. Must succeed whenever the text is
	// non-empty, degrading rather than failing when externals are down.
	EmbedText(ctx context.Context, text string) (*Result, error)

	// EmbedBatch embeds texts in order, one result per input.
	EmbedBatch(ctx context.Context, texts []string) ([]*Result, error)
}
