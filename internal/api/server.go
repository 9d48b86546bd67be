// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/heartbeat-ingest/internal/logging"
	"github.com/heartbeat-ingest/internal/models"
	"github.com/heartbeat-ingest/internal/types"
)

// Service interfaces for dependency injection and testing

// ImportStarter admits and queues imports
type ImportStarter interface {
	StartImport(ctx context.Context, userID int64, apiKey string) (*models.ImportJob, error)
}

// ImportJobReader reads import job state
type ImportJobReader interface {
	GetByID(ctx context.Context, jobID int64) (*models.ImportJob, error)
	GetLatestForUser(ctx context.Context, userID int64) (*models.ImportJob, error)
}

// LeaderboardReader reads ranked leaderboard rows
type LeaderboardReader interface {
	ListByPeriod(ctx context.Context, periodType types.PeriodType, periodDate time.Time, limit int) ([]models.LeaderboardEntry, error)
}

// HealthChecker is a dependency reported by the health endpoint
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	imports      ImportStarter
	jobs         ImportJobReader
	leaderboards LeaderboardReader
	checks       map[string]HealthChecker
	logger       *logging.Logger
	now          func() time.Time
	config       *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	imports ImportStarter,
	jobs ImportJobReader,
	leaderboards LeaderboardReader,
	checks map[string]HealthChecker,
	logger *logging.Logger,
) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	s := &Server{
		router:       mux.NewRouter(),
		imports:      imports,
		jobs:         jobs,
		leaderboards: leaderboards,
		checks:       checks,
		logger:       logger.WithField("component", "api"),
		now:          time.Now,
		config:       config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst)

	// Order matters: the request logger must exist before recovery uses it.
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/users/{userID}/import", s.handleStartImport).Methods("POST")
	api.HandleFunc("/users/{userID}/import", s.handleGetLatestImport).Methods("GET")
	api.HandleFunc("/imports/{jobID}", s.handleGetImport).Methods("GET")

	api.HandleFunc("/leaderboards/{period}", s.handleGetLeaderboard).Methods("GET")
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			components[name] = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "healthy"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}

	respondJSON(w, status, map[string]interface{}{
		"status":     overall,
		"service":    "heartbeat-ingest",
		"components": components,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
