package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Spatial-NVR/SpatialNVR/internal/audit"
	"github.com/Spatial-NVR/SpatialNVR/internal/logging"
	"github.com/Spatial-NVR/SpatialNVR/internal/recording"
)

// StatusSource is the minimal surface the API needs from a recorder.
type StatusSource interface {
	Status() recording.Status
}

// Server is the read-only operational status API: recorder snapshots,
// the audit trail, a recent-log tail, and a status push stream. It
// never touches produced media.
type Server struct {
	recorders []StatusSource
	auditLog  *audit.Log
	logs      *logging.RingBuffer
	hub       *Hub
	logger    *slog.Logger
}

// New builds a Server over the given recorders, audit log, and log
// ring buffer.
func New(recorders []StatusSource, auditLog *audit.Log, logs *logging.RingBuffer, logger *slog.Logger) *Server {
	logger = logger.With("component", "status-api")
	return &Server{
		recorders: recorders,
		auditLog:  auditLog,
		logs:      logs,
		hub:       NewHub(logger),
		logger:    logger,
	}
}

// Hub exposes the status-push hub so callers can wire recorder
// transition callbacks into Broadcast.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run starts the hub's broadcast loop. Call once, in its own
// goroutine, before serving.
func (s *Server) Run() {
	s.hub.Run()
}

// Router builds the chi router for the status API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/api/recorders", s.handleRecorders)
	r.Get("/api/audit", s.handleAudit)
	r.Get("/api/logs", s.handleLogs)
	r.Get("/ws/status", s.hub.HandleWebSocket)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	OK(w, map[string]string{"status": "ok"})
}

func (s *Server) handleRecorders(w http.ResponseWriter, r *http.Request) {
	statuses := make([]recording.Status, 0, len(s.recorders))
	for _, rec := range s.recorders {
		statuses = append(statuses, rec.Status())
	}
	OK(w, statuses)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	events, err := s.auditLog.Recent(ctx, limit)
	if err != nil {
		s.logger.Error("failed to query audit log", "error", err)
		InternalError(w, "failed to query audit log")
		return
	}
	OK(w, events)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if s.logs == nil {
		OK(w, []logging.Entry{})
		return
	}
	OK(w, s.logs.GetRecent(limit))
}
