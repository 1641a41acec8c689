// Package httpapi is the loopback control surface of the daemon: service
// lifecycle operations, model inventory, backend status and an event
// stream. The swap proxy itself listens elsewhere; this API only controls
// and observes.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"orchd/internal/events"
	"orchd/pkg/types"
)

// maxBodyBytes bounds JSON request bodies on the control surface.
const maxBodyBytes = 1 << 20

// ServiceController is the orchestrator surface the API drives.
type ServiceController interface {
	StartOne(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	SetMode(name string, mode types.Mode, externalURL string) error
	Status() map[string]types.ServiceStatus
	TestExternal(ctx context.Context, name, url string) types.TestResult
}

// ModelInventory is the registry surface the API reads and refreshes.
type ModelInventory interface {
	List() []types.ModelDescriptor
	Rescan(ctx context.Context) ([]types.ModelDescriptor, error)
}

// BackendStatusSource reports the swap proxy's running backends.
type BackendStatusSource interface {
	Status() []types.BackendStatus
}

// Options carries the collaborators a Server needs.
type Options struct {
	Controller ServiceController
	Inventory  ModelInventory
	Backends   BackendStatusSource
	Bus        *events.Bus
	Log        zerolog.Logger
	// AllowedOrigins enables CORS when non-empty (local web frontends).
	AllowedOrigins []string
	// OnRescan runs after a successful rescan (backend config regeneration).
	OnRescan func() error
}

// Server exposes the control API.
type Server struct {
	opts Options
	log  zerolog.Logger
}

// New builds a Server.
func New(opts Options) *Server {
	return &Server{opts: opts, log: opts.Log.With().Str("component", "httpapi").Logger()}
}

// Router assembles the chi mux with the full route surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/services", s.handleServices)
		r.Route("/services/{name}", func(r chi.Router) {
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Post("/restart", s.handleRestart)
			r.Put("/mode", s.handleSetMode)
			r.Post("/test", s.handleTest)
		})
		r.Get("/models", s.handleModels)
		r.Post("/models/rescan", s.handleRescan)
		r.Get("/backends", s.handleBackends)
		r.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	statuses := s.opts.Controller.Status()
	names := make([]string, 0, len(statuses))
	for n := range statuses {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]types.ServiceStatus, 0, len(names))
	for _, n := range names {
		out = append(out, statuses[n])
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.opts.Controller.StartOne(r.Context(), name); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusOf(name))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.opts.Controller.Stop(r.Context(), name); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusOf(name))
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.opts.Controller.Restart(r.Context(), name); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusOf(name))
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Mode        types.Mode `json:"mode"`
		ExternalURL string     `json:"external_url"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Mode != types.ModeManaged && req.Mode != types.ModeExternal {
		writeJSONError(w, http.StatusBadRequest, "mode must be managed or external")
		return
	}
	if req.Mode == types.ModeExternal && req.ExternalURL == "" {
		writeJSONError(w, http.StatusBadRequest, "external mode requires external_url")
		return
	}
	if err := s.opts.Controller.SetMode(name, req.Mode, req.ExternalURL); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "mode": req.Mode})
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		URL string `json:"url"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeJSONError(w, http.StatusBadRequest, "url is required")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Controller.TestExternal(r.Context(), name, req.URL))
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.opts.Inventory.List()})
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	models, err := s.opts.Inventory.Rescan(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if s.opts.OnRescan != nil {
		if err := s.opts.OnRescan(); err != nil {
			// Inventory refreshed, derived config did not. Surface it.
			s.log.Error().Err(err).Msg("post-rescan hook failed")
			writeMappedError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	var backends []types.BackendStatus
	if s.opts.Backends != nil {
		backends = s.opts.Backends.Status()
	}
	writeJSON(w, http.StatusOK, map[string]any{"backends": backends})
}

// handleEvents streams the event bus as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sub := s.opts.Bus.Subscribe()
	defer s.opts.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case e, open := <-sub:
			if !open {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: " + string(e.Type) + "\n"))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) statusOf(name string) types.ServiceStatus {
	if st, ok := s.opts.Controller.Status()[name]; ok {
		return st
	}
	return types.ServiceStatus{Name: name}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
