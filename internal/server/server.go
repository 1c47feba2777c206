// Package server exposes the engine's HTTP surface: assignment and event
// ingestion on the request path, results for dashboards, plus health and
// Prometheus endpoints.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splitbeam/splitbeam/internal/assign"
	"github.com/splitbeam/splitbeam/internal/ingest"
	"github.com/splitbeam/splitbeam/internal/store"
)

type Server struct {
	store         *store.SQLiteStore
	assigner      *assign.Assigner
	ingestor      *ingest.Ingestor
	defaultTenant string
	addr          string
	router        *http.ServeMux
	logger        *slog.Logger
	startTime     time.Time
}

func New(s *store.SQLiteStore, addr, defaultTenant string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		store:         s,
		assigner:      assign.New(s, logger),
		ingestor:      ingest.New(s, logger),
		defaultTenant: defaultTenant,
		addr:          addr,
		router:        http.NewServeMux(),
		logger:        logger,
		startTime:     time.Now(),
	}
	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /assign", s.handleAssign)
	s.router.HandleFunc("POST /events", s.handleEvents)
	s.router.HandleFunc("GET /tests/{id}/results", s.handleResults)
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) Start() error {
	s.logger.Info("server listening", "addr", s.addr)
	return http.ListenAndServe(s.addr, s.router)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}

// tenant resolves the tenant scope of a request. Isolation is structural:
// every store query below this point is filtered by the returned id.
func (s *Server) tenant(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return s.defaultTenant
}

func (s *Server) Addr() string {
	return fmt.Sprintf("http://localhost%s", s.addr)
}
