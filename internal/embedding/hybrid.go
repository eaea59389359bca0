package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"go.uber.org/zap"

	"github.com/voltgarage/efi-brain/internal/metrics"
	"github.com/voltgarage/efi-brain/internal/rating"
)

// Hybrid vector layout. The semantic region holds one externally rated score
// per rating dimension; the rest is deterministic hashed text features.
const (
	HybridModelName    = "efi-hybrid-v1"
	DegradedSuffix     = "-degraded"
	HybridDimensions   = 256
	semanticDimensions = 8
	trigramBuckets     = 160
	wordBuckets        = 88

	// semanticWeight scales the rated scores so the semantic region
	// dominates cosine similarity over the hashed features.
	semanticWeight = 3.0
)

// HybridProvider produces embeddings with an externally rated semantic region
// and a deterministic hashed-feature region. When the rater is unavailable or
// fails, the semantic region is zero-filled and the model name carries the
// degraded suffix; embedding never fails on rater trouble.
type HybridProvider struct {
	rater  rating.Rater
	logger *zap.Logger
}

// NewHybridProvider creates a hybrid provider. A nil rater yields permanently
// degraded embeddings.
func NewHybridProvider(rater rating.Rater, logger *zap.Logger) *HybridProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HybridProvider{rater: rater, logger: logger}
}

func (p *HybridProvider) IsAvailable() bool {
	return p.rater != nil && p.rater.IsAvailable()
}

func (p *HybridProvider) Dimensions() int { return HybridDimensions }

func (p *HybridProvider) EmbedText(ctx context.Context, text string) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}

	vec := make([]float64, HybridDimensions)
	model := HybridModelName

	if p.IsAvailable() {
		scores, err := p.rater.RateText(ctx, text)
		if err != nil {
			p.logger.Warn("text rating failed, embedding degraded",
				zap.Error(err))
			model += DegradedSuffix
		} else {
			for i := 0; i < semanticDimensions && i < len(scores); i++ {
				vec[i] = scores[i] * semanticWeight
			}
		}
	} else {
		model += DegradedSuffix
	}

	hashFeatures(text, vec[semanticDimensions:])
	L2Normalize(vec)

	metrics.EmbeddingsGenerated.WithLabelValues(model).Inc()
	return &Result{
		Vector:     vec,
		ModelName:  model,
		Dimensions: HybridDimensions,
	}, nil
}

func (p *HybridProvider) EmbedBatch(ctx context.Context, texts []string) ([]*Result, error) {
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

// hashFeatures fills region with character-trigram counts followed by word
// counts, each hashed into its fixed bucket range. Bit-reproducible for
// identical input text.
func hashFeatures(text string, region []float64) {
	lower := strings.ToLower(text)

	trigrams := region[:trigramBuckets]
	runes := []rune(lower)
	for i := 0; i+3 <= len(runes); i++ {
		bucket := fnvBucket(string(runes[i:i+3]), trigramBuckets)
		trigrams[bucket]++
	}

	words := region[trigramBuckets : trigramBuckets+wordBuckets]
	for _, word := range strings.Fields(lower) {
		bucket := fnvBucket(word, wordBuckets)
		words[bucket]++
	}
}

func fnvBucket(s string, buckets int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(buckets))
}
