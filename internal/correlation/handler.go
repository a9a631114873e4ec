package correlation

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// PatternHandler exposes the read-only pattern catalog over HTTP.
type PatternHandler struct {
	registry *Registry
}

// NewPatternHandler creates a new pattern handler.
func NewPatternHandler(registry *Registry) *PatternHandler {
	return &PatternHandler{registry: registry}
}

// RegisterRoutes registers pattern routes on r.
func (h *PatternHandler) RegisterRoutes(r chi.Router) {
	r.Get("/patterns", h.HandleListPatterns)
	r.Get("/patterns/{name}", h.HandleGetPattern)
}

// HandleListPatterns handles GET /patterns requests.
func (h *PatternHandler) HandleListPatterns(w http.ResponseWriter, _ *http.Request) {
	patterns := h.registry.All()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"patterns": patterns,
		"total":    len(patterns),
	})
}

// HandleGetPattern handles GET /patterns/{name} requests.
func (h *PatternHandler) HandleGetPattern(w http.ResponseWriter, r *http.Request) {
	p, ok := h.registry.Get(chi.URLParam(r, "name"))
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "pattern not found",
			"code":  "not_found",
		})
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *PatternHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
