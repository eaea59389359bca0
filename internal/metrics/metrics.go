package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EFI brain metrics for production monitoring
var (
	// Learning loop metrics
	LearningEventsCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efi_learning_events_captured_total",
			Help: "Total number of learning events captured from ticket closures",
		},
		[]string{"immediate"}, // immediate: true/false
	)

	LearningEventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efi_learning_events_processed_total",
			Help: "Total number of learning events processed",
		},
		[]string{"outcome"}, // outcome: processed/error/already_processed
	)

	LearningEventDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "efi_learning_event_duration_seconds",
			Help:    "Learning event processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
	)

	// Failure card metrics
	CardsMatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "efi_cards_matched_total",
			Help: "Total number of learning events matched to an existing failure card",
		},
	)

	CardsDrafted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efi_cards_drafted_total",
			Help: "Total number of draft failure cards created or updated by the learning loop",
		},
		[]string{"created"}, // created: true/false
	)

	// Embedding metrics
	EmbeddingsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efi_embeddings_generated_total",
			Help: "Total number of embeddings generated",
		},
		[]string{"model"}, // model: efi-hybrid-v1 / efi-hybrid-v1-degraded / efi-hash-v1
	)

	RatingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efi_rating_requests_total",
			Help: "Total number of text-rating API requests",
		},
		[]string{"status"}, // status: ok/error
	)

	RatingRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "efi_rating_request_duration_seconds",
			Help:    "Text-rating request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
	)

	// Similarity search metrics
	SimilaritySearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efi_similarity_searches_total",
			Help: "Total number of similarity searches",
		},
		[]string{"fallback"}, // fallback: true when the subsystem filter was dropped
	)

	SimilaritySearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "efi_similarity_search_duration_seconds",
			Help:    "Similarity search duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	// Pattern detection metrics
	RiskAlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efi_risk_alerts_total",
			Help: "Total number of model risk alerts created or updated",
		},
		[]string{"action"}, // action: created/updated
	)

	ActiveRiskAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "efi_risk_alerts_active",
			Help: "Current number of active model risk alerts",
		},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "efi_websocket_connections",
			Help: "Current number of active WebSocket alert subscribers",
		},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efi_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: inbound/outbound
	)
)
