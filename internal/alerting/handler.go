package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gerrors "abuse-guard/internal/errors"
	"abuse-guard/internal/security/audit"
)

// Service is the alert management surface the handler exposes. Resolution
// goes through the service so it is audited.
type Service interface {
	ListActiveAlerts(ctx context.Context, limit int) ([]*Alert, error)
	ResolveAlert(ctx context.Context, alertID, actor string) (bool, error)
}

// Handler provides HTTP handlers for alert management.
type Handler struct {
	service Service
}

// NewHandler creates a new alert handler.
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers alert routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/alerts", h.HandleListAlerts)
	r.Post("/alerts/{id}/resolve", h.HandleResolve)
}

// HandleListAlerts handles GET /alerts requests.
func (h *Handler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			h.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	alerts, err := h.service.ListActiveAlerts(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*Alert{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

// HandleResolve handles POST /alerts/{id}/resolve requests. The actor is
// the operator authenticated for the request.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "invalid alert ID format")
		return
	}

	resolved, err := h.service.ResolveAlert(r.Context(), id, audit.ActorFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	status := "resolved"
	if !resolved {
		status = "already_resolved"
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"resolved": resolved,
	})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAlertNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "alert not found")
	case gerrors.IsValidation(err):
		h.writeError(w, http.StatusBadRequest, "invalid_request", gerrors.PublicMessage(err))
	case gerrors.IsTransient(err):
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", gerrors.PublicMessage(err))
	default:
		slog.Error("alert request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal", gerrors.PublicMessage(err))
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
