package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/relayd-protocol/relayd/internal/relay"
	"github.com/relayd-protocol/relayd/internal/store"
)

const version = "0.3.0"

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store    store.Store
	registry *relay.Registry
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(st store.Store, registry *relay.Registry) *Handler {
	return &Handler{store: st, registry: registry}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
