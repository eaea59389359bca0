package similarity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/voltgarage/efi-brain/internal/db"
	"github.com/voltgarage/efi-brain/internal/embedding"
	"github.com/voltgarage/efi-brain/internal/models"
)

func newTestEngine(t *testing.T) (*Engine, db.Store) {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewEngine(store, embedding.NewHashProvider(0), 0, nil), store
}

func seedCard(t *testing.T, store db.Store, id, subsystem string, vec []float64) *models.FailureCard {
	t.Helper()
	now := time.Now().UTC()
	card := &models.FailureCard{
		CardID:          id,
		Subsystem:       subsystem,
		Title:           "Failure " + id,
		Description:     "Observed failure for " + id,
		SymptomCluster:  []string{"symptom " + id},
		EmbeddingVector: vec,
		EmbeddingModel:  embedding.HashModelName,
		Status:          models.CardStatusApproved,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := store.SaveFailureCard(context.Background(), card); err != nil {
		t.Fatalf("SaveFailureCard %s: %v", id, err)
	}
	return card
}

func TestFindSimilarRanksByScore(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	query := []float64{1, 0, 0}
	seedCard(t, store, "fc-close", "battery", []float64{0.9, 0.1, 0})
	seedCard(t, store, "fc-far", "battery", []float64{0.1, 0.9, 0})
	seedCard(t, store, "fc-below", "battery", []float64{-1, 0, 0})

	matches, err := e.FindSimilar(ctx, query, "battery", 10, 0.05, nil)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches above threshold, got %d", len(matches))
	}
	if matches[0].Card.CardID != "fc-close" {
		t.Errorf("top match = %s, want fc-close", matches[0].Card.CardID)
	}
	if matches[0].SimilarityScore <= matches[1].SimilarityScore {
		t.Error("matches not sorted by score")
	}
	// Nothing below threshold escapes.
	for _, m := range matches {
		if m.SimilarityScore < 0.05 {
			t.Errorf("match %s scored %v below threshold", m.Card.CardID, m.SimilarityScore)
		}
	}
}

func TestFindSimilarDecisionTreeBoost(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	query := []float64{1, 0, 0}
	// Identical vectors so only the boost separates them.
	seedCard(t, store, "fc-plain", "battery", []float64{0.8, 0.2, 0})
	seedCard(t, store, "fc-tree", "battery", []float64{0.8, 0.2, 0})

	matches, err := e.FindSimilar(ctx, query, "battery", 10, 0.05,
		map[string]bool{"fc-tree": true})
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Card.CardID != "fc-tree" || !matches[0].HasDecisionTree {
		t.Errorf("tree-linked card must rank first, got %s", matches[0].Card.CardID)
	}
	if matches[0].SimilarityScore <= matches[1].SimilarityScore {
		t.Error("boost did not raise the linked card's score")
	}
}

func TestFindSimilarConfidenceTiers(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	query := []float64{1, 0}
	seedCard(t, store, "fc-high", "battery", []float64{1, 0})
	seedCard(t, store, "fc-med", "battery", []float64{0.3, 0.954})
	seedCard(t, store, "fc-low", "battery", []float64{0.1, 0.995})

	matches, err := e.FindSimilar(ctx, query, "battery", 10, 0.01, nil)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	tiers := map[string]string{}
	for _, m := range matches {
		tiers[m.Card.CardID] = m.ConfidenceLevel
	}
	if tiers["fc-high"] != ConfidenceHigh {
		t.Errorf("fc-high tier = %s", tiers["fc-high"])
	}
	if tiers["fc-med"] != ConfidenceMedium {
		t.Errorf("fc-med tier = %s", tiers["fc-med"])
	}
	if tiers["fc-low"] != ConfidenceLow {
		t.Errorf("fc-low tier = %s", tiers["fc-low"])
	}
}

func TestFindSimilarFallsBackToFullCorpus(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	seedCard(t, store, "fc-bat", "battery", []float64{1, 0, 0})

	// No "unknown"-subsystem cards exist; the filter must fall back rather
	// than return an empty list.
	matches, err := e.FindSimilar(ctx, []float64{1, 0, 0}, "unknown", 10, 0.05, nil)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(matches) != 1 || matches[0].Card.CardID != "fc-bat" {
		t.Fatalf("expected fallback match fc-bat, got %d matches", len(matches))
	}
}

func TestFindSimilarSkipsMismatchedVectors(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	seedCard(t, store, "fc-ok", "battery", []float64{1, 0, 0})
	seedCard(t, store, "fc-short", "battery", []float64{1, 0})
	seedCard(t, store, "fc-none", "battery", nil)

	matches, err := e.FindSimilar(ctx, []float64{1, 0, 0}, "battery", 10, 0.05, nil)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(matches) != 1 || matches[0].Card.CardID != "fc-ok" {
		t.Fatalf("expected only fc-ok, got %d matches", len(matches))
	}
}

func TestEmbedFailureCard(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	card := seedCard(t, store, "fc-emb", "battery", nil)
	if err := e.EmbedFailureCard(ctx, card.CardID); err != nil {
		t.Fatalf("EmbedFailureCard: %v", err)
	}

	got, err := store.GetFailureCard(ctx, "fc-emb")
	if err != nil {
		t.Fatalf("GetFailureCard: %v", err)
	}
	if len(got.EmbeddingVector) != embedding.HybridDimensions {
		t.Errorf("vector len = %d, want %d", len(got.EmbeddingVector), embedding.HybridDimensions)
	}
	if got.EmbeddingModel != embedding.HashModelName {
		t.Errorf("model = %s, want %s", got.EmbeddingModel, embedding.HashModelName)
	}
	if got.EmbeddingUpdatedAt == nil {
		t.Error("embedding_updated_at not set")
	}
}

func TestEmbedAllCardsIsolatesFailures(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seedCard(t, store, fmt.Sprintf("fc-%d", i), "battery", nil)
	}
	// A card with no embeddable text fails during text assembly.
	now := time.Now().UTC()
	blank := &models.FailureCard{
		CardID:    "fc-blank",
		Subsystem: "battery",
		Status:    models.CardStatusApproved,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.SaveFailureCard(ctx, blank); err != nil {
		t.Fatalf("SaveFailureCard: %v", err)
	}

	report, err := e.EmbedAllCards(ctx)
	if err != nil {
		t.Fatalf("EmbedAllCards: %v", err)
	}
	if report.Total != 6 || report.Success != 5 || report.Failed != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(report.Errors) != 1 || report.Errors[0].CardID != "fc-blank" {
		t.Errorf("unexpected error list: %+v", report.Errors)
	}

	// Re-running is safe and re-attempts the failed card.
	report2, err := e.EmbedAllCards(ctx)
	if err != nil {
		t.Fatalf("EmbedAllCards rerun: %v", err)
	}
	if report2.Total != 6 || report2.Failed != 1 {
		t.Errorf("rerun report = %+v", report2)
	}
}

func TestCompositeText(t *testing.T) {
	card := &models.FailureCard{
		Title:          "BMS imbalance",
		Description:    "Voltage sag",
		SymptomCluster: []string{"range drop", ""},
		Keywords:       []string{"bms"},
	}
	got := CompositeText(card)
	want := "BMS imbalance Voltage sag range drop bms"
	if got != want {
		t.Errorf("CompositeText = %q, want %q", got, want)
	}
	if CompositeText(&models.FailureCard{}) != "" {
		t.Error("empty card should produce empty text")
	}
}
