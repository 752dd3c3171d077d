package healthcheck

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

const defaultCheckTimeout = 5 * time.Second

// HealthResponse represents the JSON response for health check endpoints.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// CheckFunc reports whether a backend the service depends on is usable.
type CheckFunc func(ctx context.Context) error

// Handler serves /health, /ready and /live.
//
// /live always succeeds. /health runs every registered check. /ready additionally requires the owner to
// have marked the service ready, so a draining server drops out of rotation before it stops accepting.
type Handler struct {
	checks  map[string]CheckFunc
	timeout time.Duration
	ready   atomic.Bool
	now     func() time.Time
}

type Option func(*Handler)

func WithCheck(name string, check CheckFunc) Option {
	return func(h *Handler) {
		h.checks[name] = check
	}
}

func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		checks:  make(map[string]CheckFunc),
		timeout: defaultCheckTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.healthHandler)
	mux.HandleFunc("GET /ready", h.readyHandler)
	mux.HandleFunc("GET /live", h.liveHandler)
}

// runChecks returns a per-check outcome and whether all of them passed.
func (h *Handler) runChecks(ctx context.Context) (map[string]string, bool) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	l := ctxzap.Extract(ctx)
	details := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			l.Warn("health check failed", zap.String("check", name), zap.Error(err))
			details[name] = err.Error()
			healthy = false
			continue
		}
		details[name] = "ok"
	}
	return details, healthy
}

func (h *Handler) healthHandler(w http.ResponseWriter, r *http.Request) {
	details, healthy := h.runChecks(r.Context())
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Details:   details,
	}
	if !healthy {
		response.Status = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) readyHandler(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ready",
		Timestamp: h.now().UTC().Format(time.RFC3339),
	}
	if !h.ready.Load() {
		response.Status = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	details, healthy := h.runChecks(r.Context())
	response.Details = details
	if !healthy {
		response.Status = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) liveHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "alive",
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
