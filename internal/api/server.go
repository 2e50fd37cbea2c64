// internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/FairForge/poolwatch/internal/alerting"
	"github.com/FairForge/poolwatch/internal/config"
	"github.com/FairForge/poolwatch/internal/failover"
	"github.com/FairForge/poolwatch/internal/health"
	"github.com/FairForge/poolwatch/internal/pool"
)

const version = "0.1.0"

// Monitor is the surface the HTTP API reads from and acts on. The controller
// implements it; tests substitute a fake.
type Monitor interface {
	Snapshots() []health.Snapshot
	Status() failover.Status
	Active(ctx context.Context) (pool.ActiveConfig, error)
	ManualSwitch(ctx context.Context, target pool.ID, requestedGeneration uint64, requestedBy string) (pool.ActiveConfig, error)
	RecentAlerts(limit int) []alerting.Event
	AlertStats() alerting.Stats
	SourceAvailable() bool
	IngestCounts() (lines, parseErrors uint64)
}

type Server struct {
	config     *config.Config
	logger     *zap.Logger
	router     chi.Router
	httpServer *http.Server
	monitor    Monitor

	startTime time.Time
}

func NewServer(cfg *config.Config, logger *zap.Logger, mon Monitor) *Server {
	s := &Server{
		config:    cfg,
		logger:    logger,
		router:    chi.NewRouter(),
		monitor:   mon,
		startTime: time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/metrics", promhttp.Handler().ServeHTTP)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/pools", s.handlePools)
		r.Get("/active", s.handleActive)
		r.Get("/status", s.handleStatus)
		r.Get("/alerts", s.handleAlerts)
		r.Post("/switch", s.handleSwitch)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": version,
		"uptime":  time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, code string, err error) {
	s.logger.Error("API error", zap.Error(err), zap.Int("status", status), zap.String("code", code))
	s.respondJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  code,
	})
}

func (s *Server) Start() error {
	s.logger.Info("starting server", zap.Int("port", s.config.Server.Port))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
