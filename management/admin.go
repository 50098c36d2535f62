package management

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ajiwo/tokenlimit/bucket"
)

// Limiter is the subset of tokenlimit.Limiter the admin surface needs.
// Defined locally, rather than imported, so management has no
// dependency on the root package.
type Limiter interface {
	Reset(ctx context.Context, tokens ...float64) error
	Unblock(ctx context.Context) (bool, error)
	GetState(ctx context.Context) (bucket.State, error)
	HealthCheck(ctx context.Context) bool
}

// Handler serves the admin JSON-RPC-style endpoints for a single
// Limiter: POST /reset, POST /unblock, GET /state, GET /health.
type Handler struct {
	limiter Limiter
}

// NewHandler builds an admin Handler for l.
func NewHandler(l Limiter) *Handler {
	return &Handler{limiter: l}
}

// RegisterRoutes wires the admin endpoints onto mux, each prefixed by
// prefix (e.g. "/admin").
func (h *Handler) RegisterRoutes(mux *http.ServeMux, prefix string) {
	mux.HandleFunc("POST "+prefix+"/reset", h.handleReset)
	mux.HandleFunc("POST "+prefix+"/unblock", h.handleUnblock)
	mux.HandleFunc("GET "+prefix+"/state", h.handleState)
	mux.HandleFunc("GET "+prefix+"/health", h.handleHealth)
}

type resetRequest struct {
	Tokens *float64 `json:"tokens,omitempty"`
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	var err error
	if req.Tokens != nil {
		err = h.limiter.Reset(r.Context(), *req.Tokens)
	} else {
		err = h.limiter.Reset(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) handleUnblock(w http.ResponseWriter, r *http.Request) {
	wasBlocked, err := h.limiter.Unblock(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"was_blocked": wasBlocked})
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := h.limiter.GetState(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := h.limiter.HealthCheck(r.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]bool{"healthy": healthy})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, bucket.ErrInvalidArgument) {
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}
