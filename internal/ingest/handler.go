package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"abuse-guard/internal/alerting"
	gerrors "abuse-guard/internal/errors"
	"abuse-guard/internal/schema"
)

// Recorder records one security event.
type Recorder interface {
	RecordEvent(ctx context.Context, identifier string, eventType schema.EventType, md schema.Metadata) ([]*alerting.Alert, error)
}

// Handler handles HTTP event ingestion.
type Handler struct {
	recorder   Recorder
	maxPayload int64
}

// NewHandler creates a new ingest Handler.
func NewHandler(recorder Recorder) *Handler {
	return &Handler{
		recorder:   recorder,
		maxPayload: 16 * 1024,
	}
}

// WithMaxPayload sets the maximum payload size.
func (h *Handler) WithMaxPayload(size int64) *Handler {
	h.maxPayload = size
	return h
}

// EventRequest is the request body for event ingestion.
type EventRequest struct {
	Identifier string            `json:"identifier"`
	EventType  schema.EventType  `json:"event_type"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// EventResponse is the response for event ingestion.
type EventResponse struct {
	Alerts    []*alerting.Alert `json:"alerts"`
	RequestID string            `json:"request_id"`
}

// HandleEvent handles POST /v1/events.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayload)

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "invalid JSON", requestID)
		return
	}

	alerts, err := h.recorder.RecordEvent(r.Context(), req.Identifier, req.EventType, req.Metadata)
	if err != nil {
		status := http.StatusInternalServerError
		if gerrors.IsValidation(err) {
			status = http.StatusBadRequest
		}
		respondError(w, status, gerrors.PublicMessage(err), requestID)
		return
	}

	if alerts == nil {
		alerts = []*alerting.Alert{}
	}
	respondJSON(w, http.StatusOK, EventResponse{Alerts: alerts, RequestID: requestID})
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	respondJSON(w, status, map[string]any{
		"error":      message,
		"request_id": requestID,
	})
}
