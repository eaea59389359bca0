package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/voltgarage/efi-brain/internal/audit"
	"github.com/voltgarage/efi-brain/internal/cache"
	"github.com/voltgarage/efi-brain/internal/config"
	"github.com/voltgarage/efi-brain/internal/db"
	"github.com/voltgarage/efi-brain/internal/embedding"
	"github.com/voltgarage/efi-brain/internal/learning"
	"github.com/voltgarage/efi-brain/internal/middleware"
	"github.com/voltgarage/efi-brain/internal/pattern"
	"github.com/voltgarage/efi-brain/internal/rating"
	"github.com/voltgarage/efi-brain/internal/similarity"
)

// Server is the EFI brain HTTP server.
type Server struct {
	config *config.Config
	logger *zap.Logger

	// Core components
	store    db.Store
	embedder embedding.Provider
	engine   *similarity.Engine
	learning *learning.Service
	hub      *AlertHub

	// Complaint embedding cache, keyed by text hash
	embedCache cache.Cache

	// Audit trail for corpus and alert administration (nil when disabled)
	audit audit.Logger

	// Rate limiter for the expensive admin endpoints
	limiter *middleware.RateLimiter

	// HTTP server
	httpServer *http.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates an EFI brain server with all components wired together.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		config:  cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		running: false,
	}

	if err := srv.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return srv, nil
}

// initializeComponents initializes all server components
func (s *Server) initializeComponents() error {
	// 1. Corpus store
	store, err := db.NewSQLiteStore(s.config.Database.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open corpus store: %w", err)
	}
	s.store = store

	// 2. Rating client + embedding providers. An unconfigured rater is fine;
	// complaint embeddings then run degraded.
	rater := rating.NewClient(
		s.config.Rating.APIKey,
		s.config.Rating.Model,
		s.config.Rating.BaseURL,
		time.Duration(s.config.Rating.TimeoutSeconds)*time.Second,
	)
	s.embedder = embedding.NewHybridProvider(rater, s.logger)
	s.embedCache = cache.NewCache()

	// 3. Similarity engine. Bulk jobs use the offline hash strategy so
	// corpus-wide re-embedding never touches the rating API.
	s.engine = similarity.NewEngine(
		s.store,
		embedding.NewHashProvider(embedding.HybridDimensions),
		s.config.Similarity.CandidateCeiling,
		s.logger,
	)

	// 4. Alert broadcast + pattern detection
	s.hub = NewAlertHub(s.config.Server.AllowedOrigins, s.logger)
	detector := pattern.NewDetector(
		s.store,
		s.config.Pattern.RecurrenceThreshold,
		time.Duration(s.config.Pattern.WindowDays)*24*time.Hour,
		s.hub,
		s.logger,
	)

	// 5. Learning loop
	var tickets learning.TicketReader
	if reader := learning.NewHTTPTicketReader(
		s.config.Tickets.BaseURL,
		s.config.Tickets.APIKey,
		time.Duration(s.config.Tickets.TimeoutSeconds)*time.Second,
	); reader != nil {
		tickets = reader
	}
	s.learning = learning.NewService(s.store, s.engine, detector, tickets, s.logger)

	// 6. Audit trail, only when a path is configured
	if s.config.Logging.AuditFile != "" {
		auditLogger, err := audit.NewLogger(&audit.Config{
			AuditLogPath: s.config.Logging.AuditFile,
			MaxSize:      s.config.Logging.MaxSizeMB,
			MaxBackups:   s.config.Logging.MaxBackups,
			MaxAge:       s.config.Logging.MaxAgeDays,
			Compress:     true,
		})
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		s.audit = auditLogger
	}

	// 7. Admin endpoint rate limiting
	s.limiter = middleware.NewRateLimiter(30)

	return nil
}

// Start starts the server
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	s.registerHandlers(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("starting HTTP server",
			zap.Int("port", s.config.Server.Port),
			zap.Bool("tls", s.config.Server.TLSEnabled))

		var err error
		if s.config.Server.TLSEnabled {
			err = s.httpServer.ListenAndServeTLS(
				s.config.Server.TLSCertPath, s.config.Server.TLSKeyPath)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.logger.Info("EFI brain server started",
		zap.Bool("rating_configured", s.embedder.IsAvailable()),
		zap.Bool("ticket_reader_configured", s.config.Tickets.BaseURL != ""))
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping EFI brain server")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error shutting down HTTP server", zap.Error(err))
		}
	}

	s.cancel()
	s.hub.Close()
	s.limiter.Stop()
	s.embedCache.Close()
	s.wg.Wait()

	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			s.logger.Error("error closing audit log", zap.Error(err))
		}
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("error closing corpus store", zap.Error(err))
	}

	s.logger.Info("EFI brain server stopped")
	return nil
}

// Wait blocks until the server is stopped
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// registerHandlers registers HTTP handlers
func (s *Server) registerHandlers(mux *http.ServeMux) {
	// Health and info
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/info", s.handleInfo)
	mux.Handle("/metrics", promhttp.Handler())

	// Learning loop endpoints
	mux.HandleFunc("/api/v1/efi/learning/capture", s.handleLearningCapture)
	mux.HandleFunc("/api/v1/efi/learning/process", s.handleLearningProcess)
	mux.HandleFunc("/api/v1/efi/learning/stats", s.handleLearningStats)

	// Complaint intake and similarity search
	mux.HandleFunc("/api/v1/efi/complaints/embedding", s.handleComplaintEmbedding)
	mux.HandleFunc("/api/v1/efi/cards/similar", s.handleCardsSimilar)

	// Administrative corpus maintenance, rate-limited per caller host
	mux.HandleFunc("/api/v1/efi/admin/cards/embed", s.limiter.Middleware(s.handleCardEmbed))
	mux.HandleFunc("/api/v1/efi/admin/cards/embed-all", s.limiter.Middleware(s.handleCardEmbedAll))
	mux.HandleFunc("/api/v1/efi/admin/cards/import", s.limiter.Middleware(s.handleCardImport))

	// Risk alerts
	mux.HandleFunc("/api/v1/efi/alerts", s.handleAlertsList)
	mux.HandleFunc("/api/v1/efi/alerts/status", s.handleAlertStatus)
	mux.HandleFunc("/ws/alerts", s.handleAlertsWS)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
}

// handleReady handles readiness check requests
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	ready := s.running
	s.mu.RUnlock()
	if ready {
		ready = s.store.Ping(r.Context()) == nil
	}

	if !ready {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not_ready"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":                     "EFI Brain",
		"version":                  "0.1.0",
		"embedding_model":          embedding.HybridModelName,
		"embedding_dimensions":     s.embedder.Dimensions(),
		"rating_configured":        s.embedder.IsAvailable(),
		"ticket_reader_configured": s.config.Tickets.BaseURL != "",
		"timestamp":                time.Now().Format(time.RFC3339),
	})
}
