package learning

import (
	"context"
	"time"

	"github.com/voltgarage/efi-brain/internal/db"
	"github.com/voltgarage/efi-brain/internal/models"
)

// Matching heuristic weights. The pool is the top candidates by historical
// success rate; each is scored against the event and the highest wins.
const (
	matchPoolSize = 5

	scoreVehicleModel   = 30.0
	scoreDTCOverlap     = 25.0
	scoreSymptomOverlap = 20.0
	scoreRateWeight     = 15.0
	scoreRecentUse7d    = 10.0
	scoreRecentUse30d   = 5.0
)

// matchCard finds the best existing failure card for an event, or nil when
// the pool is empty. Pool predicates are omitted, not defaulted, when the
// event lacks the corresponding field.
func (s *Service) matchCard(ctx context.Context, event *models.LearningEvent) (*models.FailureCard, error) {
	candidates, err := s.store.MatchCandidates(ctx, db.CardMatchQuery{
		Subsystem:       event.Subsystem,
		VehicleModel:    event.VehicleModel,
		HasVehicleModel: event.VehicleModel != "",
	})
	if err != nil {
		return nil, err
	}

	// DTC overlap spans all legacy aliases, which live in JSON columns, so
	// the predicate is applied here rather than in SQL.
	if len(event.DTCCodes) > 0 {
		filtered := candidates[:0]
		for _, card := range candidates {
			if card.HasDTCOverlap(event.DTCCodes) {
				filtered = append(filtered, card)
			}
		}
		candidates = filtered
	}
	if len(candidates) > matchPoolSize {
		candidates = candidates[:matchPoolSize]
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	var best *models.FailureCard
	bestScore := -1.0
	for _, card := range candidates {
		// Strictly greater, so the first-seen candidate wins ties.
		if score := scoreCard(card, event, now); score > bestScore {
			best = card
			bestScore = score
		}
	}
	return best, nil
}

func scoreCard(card *models.FailureCard, event *models.LearningEvent, now time.Time) float64 {
	score := 0.0
	if event.VehicleModel != "" && card.VehicleModel == event.VehicleModel {
		score += scoreVehicleModel
	}
	if card.HasDTCOverlap(event.DTCCodes) {
		score += scoreDTCOverlap
	}
	if card.HasSymptomOverlap(event.Symptoms) {
		score += scoreSymptomOverlap
	}
	score += card.HistoricalSuccessRate * scoreRateWeight
	if card.LastUsedAt != nil {
		switch age := now.Sub(*card.LastUsedAt); {
		case age <= 7*24*time.Hour:
			score += scoreRecentUse7d
		case age <= 30*24*time.Hour:
			score += scoreRecentUse30d
		}
	}
	return score
}
