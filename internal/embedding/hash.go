package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/voltgarage/efi-brain/internal/metrics"
)

// HashModelName identifies vectors produced by the pure hash strategy.
const HashModelName = "efi-hash-v1"

// HashProvider is the offline fallback strategy for bulk re-embedding: every
// word is spread across the full vector by two independent hash functions, so
// corpus-wide jobs run without any external calls or rate limits.
type HashProvider struct {
	dimensions int
}

// NewHashProvider creates a hash provider with the given vector length. A
// non-positive length uses the hybrid provider's dimensions so both
// strategies stay interchangeable in the corpus.
func NewHashProvider(dimensions int) *HashProvider {
	if dimensions <= 0 {
		dimensions = HybridDimensions
	}
	return &HashProvider{dimensions: dimensions}
}

func (p *HashProvider) IsAvailable() bool { return true }

func (p *HashProvider) Dimensions() int { return p.dimensions }

func (p *HashProvider) EmbedText(_ context.Context, text string) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}

	vec := make([]float64, p.dimensions)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		vec[fnv32aBucket(word, p.dimensions)]++
		vec[fnv32Bucket(word, p.dimensions)]++
	}
	L2Normalize(vec)

	metrics.EmbeddingsGenerated.WithLabelValues(HashModelName).Inc()
	return &Result{
		Vector:     vec,
		ModelName:  HashModelName,
		Dimensions: p.dimensions,
	}, nil
}

func (p *HashProvider) EmbedBatch(ctx context.Context, texts []string) ([]*Result, error) {
	results := make([]*Result, len(texts))
	for i, text := range texts {
		r, err := p.EmbedText(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		results[i] = r
	}
	return results, nil
}

func fnv32aBucket(s string, buckets int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(buckets))
}

// fnv32Bucket uses plain FNV-1 so the two spreads are independent.
func fnv32Bucket(s string, buckets int) int {
	h := fnv.New32()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(buckets))
}
