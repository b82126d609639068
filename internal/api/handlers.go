package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lei/fletch-ci/internal/models"
)

// StepSource provides the current invocation record
type StepSource interface {
	Snapshot() models.Invocation
}

// Handlers contains HTTP handler functions
type Handlers struct {
	source StepSource
}

// NewHandlers creates a new handlers instance
func NewHandlers(source StepSource) *Handlers {
	return &Handlers{source: source}
}

// Health handles health check requests
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInvocation handles GET /v1/invocation
func (h *Handlers) GetInvocation(w http.ResponseWriter, r *http.Request) {
	inv := h.source.Snapshot()

	failed, warnings := 0, 0
	for _, s := range inv.Steps {
		switch s.Status {
		case models.StatusFailed:
			failed++
		case models.StatusWarnings:
			warnings++
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":        inv.RunID,
		"builder":       inv.Builder,
		"shape":         inv.Shape,
		"started_at":    inv.StartedAt,
		"success":       inv.Success,
		"step_count":    len(inv.Steps),
		"failed_steps":  failed,
		"warning_steps": warnings,
	})
}

// ListSteps handles GET /v1/steps
// Query params: status (running, succeeded, warnings, failed), has_warnings (bool)
func (h *Handlers) ListSteps(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())

	status := r.URL.Query().Get("status")
	switch models.StepStatus(status) {
	case "", models.StatusRunning, models.StatusSucceeded, models.StatusWarnings, models.StatusFailed:
	default:
		respondError(w, r, http.StatusBadRequest, "invalid status filter")
		return
	}
	hasWarnings := parseBoolParam(r.URL.Query().Get("has_warnings"))

	inv := h.source.Snapshot()
	steps := FilterSteps(inv.Steps, status, hasWarnings)

	logger.Debug("listed steps", "total", len(inv.Steps), "filtered", len(steps))

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": inv.RunID,
		"steps":  steps,
	})
}

// GetStep handles GET /v1/steps/{index}
func (h *Handlers) GetStep(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		respondError(w, r, http.StatusBadRequest, "step index must be a non-negative integer")
		return
	}

	inv := h.source.Snapshot()
	if index >= len(inv.Steps) {
		respondError(w, r, http.StatusNotFound, "step not found")
		return
	}

	respondJSON(w, http.StatusOK, inv.Steps[index])
}

// ListWarnings handles GET /v1/warnings
func (h *Handlers) ListWarnings(w http.ResponseWriter, r *http.Request) {
	type warning struct {
		Step  string `json:"step"`
		Index int    `json:"index"`
		Line  string `json:"line"`
	}

	inv := h.source.Snapshot()
	warnings := make([]warning, 0)
	for _, s := range inv.Steps {
		for _, line := range s.Warnings {
			warnings = append(warnings, warning{Step: s.Name, Index: s.Index, Line: line})
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"warnings": warnings,
	})
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// respondError writes a JSON error response with logging
func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	requestID := GetRequestID(r.Context())

	GetLogger(r.Context()).Warn("returning error response",
		"status", status,
		"message", message)

	w.Header().Set("X-Request-ID", requestID)
	respondJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message":    message,
			"code":       status,
			"request_id": requestID,
		},
	})
}
