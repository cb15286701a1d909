package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lazypower/attune/internal/engine"
	"github.com/lazypower/attune/internal/store"
)

// Server is the attune HTTP API server.
type Server struct {
	db      *store.DB
	engine  *engine.Engine
	router  chi.Router
	version string
	started time.Time
}

// New creates a Server. db may be nil when the engine runs without a store;
// eng may be nil, in which case every engine route answers 503.
func New(db *store.DB, eng *engine.Engine, version string) *Server {
	s := &Server{
		db:      db,
		engine:  eng,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.requireEngine)

			r.Post("/enhance", s.handleEnhance)
			r.Post("/trajectories", s.handleAddTrajectory)
			r.Post("/train", s.handleTrain)
			r.Post("/tasks/complete", s.handleCompleteTask)
			r.Get("/stats", s.handleStats)
			r.Get("/history", s.handleHistory)
			r.Post("/history/prune", s.handlePruneHistory)
			r.Get("/runs", s.handleRuns)
			r.Post("/cache/invalidate", s.handleInvalidate)
			r.Post("/graph/nodes", s.handleSaveNode)
			r.Delete("/graph/nodes/{nodeID}", s.handleDeleteNode)
			r.Post("/graph/edges", s.handleSaveEdge)
		})
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"engine":  s.engine != nil,
	}
	if s.db != nil {
		body["db"] = s.db.Ping() == nil
		body["db_path"] = s.db.Path
		if c, err := s.db.Counts(); err == nil {
			body["counts"] = c
		}
	}
	if s.engine != nil {
		body["model_version"] = s.engine.Model().Version
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) requireEngine(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.engine == nil {
			writeError(w, http.StatusServiceUnavailable, "engine not configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
