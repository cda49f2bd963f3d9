// Package server implements the controller's management REST API: agent
// upload, lifecycle control, status, and diagnostics.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	skiff "github.com/skiffhq/skiff"
	"github.com/skiffhq/skiff/pkg/checksum"
	"github.com/skiffhq/skiff/pkg/config"
	"github.com/skiffhq/skiff/pkg/observability"
	"github.com/skiffhq/skiff/pkg/provision"
	"github.com/skiffhq/skiff/pkg/redact"
	"github.com/skiffhq/skiff/pkg/supervisor"
)

// maxUploadBytes bounds a multipart bundle upload.
const maxUploadBytes = 256 << 20

// Server is the management API over the provisioner, supervisor, and index.
type Server struct {
	cfg         *config.Controller
	provisioner *provision.Provisioner
	sup         *supervisor.Supervisor
	index       *checksum.Index
	metrics     *observability.Metrics

	// nameLocks serializes provisioning mutations per agent name. Lifecycle
	// ops are serialized inside the supervisor.
	nameMu    sync.Mutex
	nameLocks map[string]*sync.Mutex

	router chi.Router
}

// New wires the API router. The configured credential becomes a redaction
// literal so child stdio echoing it never leaves diagnostics unmasked.
func New(cfg *config.Controller, prov *provision.Provisioner, sup *supervisor.Supervisor, index *checksum.Index, metrics *observability.Metrics) *Server {
	if cfg.AuthCredential != "" {
		redact.SetLiterals(cfg.AuthCredential)
	}
	s := &Server{
		cfg:         cfg,
		provisioner: prov,
		sup:         sup,
		index:       index,
		metrics:     metrics,
		nameLocks:   make(map[string]*sync.Mutex),
	}
	s.router = s.buildRouter()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(requestLogger)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}

	// Liveness and metrics stay reachable without a credential.
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/agents", s.handleListAgents)
		r.Get("/agents/check/{name}", s.handleCheckAgent)
		r.Post("/agents/upload", s.handleUpload)
		r.Post("/agents/start", s.handleStart)
		r.Post("/agents/stop", s.handleStop)
		r.Post("/agents/restart", s.handleRestart)
		r.Get("/status/{name}", s.handleStatus)
		r.Get("/agents/{name}/diagnostics", s.handleDiagnostics)
		r.Delete("/agents/{name}", s.handleDelete)
	})

	return r
}

// lockName serializes conflicting mutations on one agent name.
func (s *Server) lockName(name string) func() {
	s.nameMu.Lock()
	l, ok := s.nameLocks[name]
	if !ok {
		l = &sync.Mutex{}
		s.nameLocks[name] = l
	}
	s.nameMu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"version":         skiff.Version,
		"auth_enabled":    s.cfg.AuthCredential != "",
		"metrics_enabled": s.metrics.Enabled(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError emits the {detail} error shape every endpoint uses.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// requestLogger logs each request with duration at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start))
	})
}
