package similarity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voltgarage/efi-brain/internal/db"
	"github.com/voltgarage/efi-brain/internal/embedding"
	"github.com/voltgarage/efi-brain/internal/metrics"
	"github.com/voltgarage/efi-brain/internal/models"
)

// Package similarity ranks failure cards against a complaint embedding by
// cosine similarity, with a boost for cards the guided-diagnostics layer has
// a decision tree for.

const (
	// DefaultCandidateCeiling caps the corpus fetch. The search is a linear
	// scan over stored vectors; this ceiling is the documented scale limit.
	DefaultCandidateCeiling = 500

	// DecisionTreeBoost multiplies the cosine score for cards with an
	// associated guided-diagnostics decision tree.
	DecisionTreeBoost = 1.5

	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"

	highTierFloor   = 0.5
	mediumTierFloor = 0.25
)

// Match is one ranked similarity result.
type Match struct {
	Card            *models.FailureCard `json:"card"`
	SimilarityScore float64             `json:"similarity_score"`
	ConfidenceLevel string              `json:"confidence_level"`
	HasDecisionTree bool                `json:"has_decision_tree"`
}

// EmbedReport summarizes a bulk re-embedding run.
type EmbedReport struct {
	Total   int          `json:"total"`
	Success int          `json:"success"`
	Failed  int          `json:"failed"`
	Errors  []EmbedError `json:"errors,omitempty"`
}

// EmbedError is one card's failure inside a bulk run.
type EmbedError struct {
	CardID string `json:"card_id"`
	Error  string `json:"error"`
}

// Engine performs similarity search and card embedding maintenance.
type Engine struct {
	store            db.FailureCardStore
	bulkProvider     embedding.Provider
	candidateCeiling int
	logger           *zap.Logger
}

// NewEngine creates a similarity engine. bulkProvider is used for card
// embedding jobs and should be the offline hash strategy so corpus-wide runs
// never touch the rating capability.
func NewEngine(store db.FailureCardStore, bulkProvider embedding.Provider, candidateCeiling int, logger *zap.Logger) *Engine {
	if candidateCeiling <= 0 {
		candidateCeiling = DefaultCandidateCeiling
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:            store,
		bulkProvider:     bulkProvider,
		candidateCeiling: candidateCeiling,
		logger:           logger,
	}
}

// FindSimilar ranks corpus cards against the query embedding. treeCardIDs is
// the set of card ids that currently have a decision tree, supplied by the
// guided-diagnostics layer at query time. Results scoring below threshold are
// discarded; tree-linked cards sort ahead of unlinked ones.
func (e *Engine) FindSimilar(ctx context.Context, queryVec []float64, subsystemFilter string, limit int, threshold float64, treeCardIDs map[string]bool) ([]*Match, error) {
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("query embedding is empty")
	}
	if limit <= 0 {
		limit = 10
	}

	start := time.Now()
	fallback := false
	defer func() {
		metrics.SimilaritySearches.WithLabelValues(fmt.Sprintf("%t", fallback)).Inc()
		metrics.SimilaritySearchDuration.Observe(time.Since(start).Seconds())
	}()

	candidates, err := e.store.ListCandidateCards(ctx, subsystemFilter, e.candidateCeiling)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	// A narrow filter must never itself produce an empty result.
	if len(candidates) == 0 && subsystemFilter != "" {
		fallback = true
		candidates, err = e.store.ListCandidateCards(ctx, "", e.candidateCeiling)
		if err != nil {
			return nil, fmt.Errorf("load fallback candidates: %w", err)
		}
	}

	var matches []*Match
	for _, card := range candidates {
		if len(card.EmbeddingVector) != len(queryVec) {
			continue
		}
		score := embedding.Cosine(queryVec, card.EmbeddingVector)
		hasTree := treeCardIDs[card.ID()]
		if hasTree {
			score *= DecisionTreeBoost
		}
		if score < threshold {
			continue
		}
		matches = append(matches, &Match{
			Card:            card,
			SimilarityScore: score,
			ConfidenceLevel: confidenceTier(score),
			HasDecisionTree: hasTree,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].HasDecisionTree != matches[j].HasDecisionTree {
			return matches[i].HasDecisionTree
		}
		return matches[i].SimilarityScore > matches[j].SimilarityScore
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func confidenceTier(score float64) string {
	switch {
	case score >= highTierFloor:
		return ConfidenceHigh
	case score >= mediumTierFloor:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// EmbedFailureCard regenerates one card's embedding from its composite text
// using the bulk provider and writes it back.
func (e *Engine) EmbedFailureCard(ctx context.Context, cardID string) error {
	card, err := e.store.GetFailureCard(ctx, cardID)
	if err != nil {
		return err
	}
	return e.embedCard(ctx, card)
}

func (e *Engine) embedCard(ctx context.Context, card *models.FailureCard) error {
	text := CompositeText(card)
	if text == "" {
		return fmt.Errorf("card %s has no embeddable text", card.ID())
	}
	result, err := e.bulkProvider.EmbedText(ctx, text)
	if err != nil {
		return fmt.Errorf("embed card %s: %w", card.ID(), err)
	}
	return e.store.UpdateCardEmbedding(ctx, card.ID(), result.Vector, result.ModelName, time.Now().UTC())
}

// EmbedAllCards re-embeds the entire corpus. One card's failure lands in the
// report's error list without aborting the run; re-running is always safe.
func (e *Engine) EmbedAllCards(ctx context.Context) (*EmbedReport, error) {
	report := &EmbedReport{}
	const pageSize = 200

	for offset := 0; ; offset += pageSize {
		cards, err := e.store.ListCards(ctx, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list cards: %w", err)
		}
		if len(cards) == 0 {
			break
		}
		for _, card := range cards {
			report.Total++
			if err := e.embedCard(ctx, card); err != nil {
				report.Failed++
				report.Errors = append(report.Errors, EmbedError{
					CardID: card.ID(),
					Error:  err.Error(),
				})
				e.logger.Warn("card embedding failed",
					zap.String("card_id", card.ID()),
					zap.Error(err))
				continue
			}
			report.Success++
		}
		if len(cards) < pageSize {
			break
		}
	}
	return report, nil
}

// CompositeText assembles the card text fed to the embedding provider.
func CompositeText(card *models.FailureCard) string {
	parts := []string{card.Title, card.Description}
	parts = append(parts, card.SymptomCluster...)
	parts = append(parts, card.Keywords...)

	var nonEmpty []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}
