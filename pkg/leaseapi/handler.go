package leaseapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/p2pvps-lease/pkg/device"
	"github.com/conductorone/p2pvps-lease/pkg/healthcheck"
	"github.com/conductorone/p2pvps-lease/pkg/lease"
)

const maxBodyBytes = 64 << 10

// LeaseService is the part of lease.Manager the HTTP boundary needs.
type LeaseService interface {
	Register(ctx context.Context, id string, capacity device.Capacity) (*device.Device, error)
	CheckIn(ctx context.Context, id string) (lease.CheckInResult, error)
	GetExpiration(ctx context.Context, id string) (time.Time, error)
}

var _ LeaseService = (*lease.Manager)(nil)

type RegisterResponse struct {
	Device *device.Device `json:"device"`
}

type ExpirationResponse struct {
	Expiration time.Time `json:"expiration"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	svc LeaseService
}

// NewHandler returns the client API, plus health endpoints when health is non-nil.
// Every request is tagged with an X-Request-Id and logged through l.
func NewHandler(l *zap.Logger, svc LeaseService, health *healthcheck.Handler) http.Handler {
	h := &handler{svc: svc}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /client/register/{id}", h.register)
	mux.HandleFunc("GET /client/register/{id}", h.register)
	mux.HandleFunc("GET /client/checkin/{id}", h.checkIn)
	mux.HandleFunc("GET /client/expiration/{id}", h.expiration)
	if health != nil {
		health.Register(mux)
	}

	return withRequestContext(l, mux)
}

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	capacity, err := decodeCapacity(r)
	if err != nil {
		ctxzap.Extract(ctx).Debug("bad registration body", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	d, err := h.svc.Register(ctx, r.PathValue("id"), capacity)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, RegisterResponse{Device: d})
}

func (h *handler) checkIn(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.CheckIn(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) expiration(w http.ResponseWriter, r *http.Request) {
	exp, err := h.svc.GetExpiration(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExpirationResponse{Expiration: exp})
}

// decodeCapacity reads the optional capacity body. An empty body is an empty Capacity.
func decodeCapacity(r *http.Request) (device.Capacity, error) {
	var c device.Capacity
	if r.Body == nil {
		return c, nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&c)
	if errors.Is(err, io.EOF) {
		return c, nil
	}
	return c, err
}

// writeError maps lease failures to responses. Dependency failures are opaque to the caller.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	if lease.KindOf(err) == lease.KindNotFound {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "not found"})
		return
	}
	ctxzap.Extract(ctx).Error("request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
