package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	gerrors "abuse-guard/internal/errors"
	"abuse-guard/internal/security/audit"
)

const maxAuditLimit = 1000

type handler struct {
	service Service
	logger  *slog.Logger
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"store":  "unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"store":  "ok",
	})
}

func (h *handler) isBlocked(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	writeJSON(w, http.StatusOK, map[string]any{
		"identifier": identifier,
		"blocked":    h.service.IsBlocked(r.Context(), identifier),
	})
}

func (h *handler) unblock(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	removed, err := h.service.Unblock(r.Context(), identifier, audit.ActorFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identifier": identifier,
		"removed":    removed,
	})
}

func (h *handler) clearSession(w http.ResponseWriter, r *http.Request) {
	principal := chi.URLParam(r, "principal")
	cleared, err := h.service.ClearSession(r.Context(), principal, audit.ActorFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"principal": principal,
		"cleared":   cleared,
	})
}

func (h *handler) auditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := audit.QueryOptions{
		Resource: q.Get("resource"),
		Actor:    q.Get("actor"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = min(limit, maxAuditLimit)
	}
	for _, t := range q["type"] {
		opts.Types = append(opts.Types, audit.EventType(t))
	}

	records, err := h.service.AuditLog(r.Context(), opts)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if records == nil {
		records = []*audit.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"total":   len(records),
	})
}

func (h *handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case gerrors.IsValidation(err):
		writeError(w, http.StatusBadRequest, gerrors.PublicMessage(err))
	case gerrors.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, gerrors.PublicMessage(err))
	default:
		h.logger.Error("admin request failed", "error", err)
		writeError(w, http.StatusInternalServerError, gerrors.PublicMessage(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
