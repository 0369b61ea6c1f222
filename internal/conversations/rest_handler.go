package conversations

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"parley/infrastructure"
	"parley/internal/api"
)

type JSONHandler struct {
	registry *Registry
}

func NewJSONHandler(registry *Registry) *JSONHandler {
	return &JSONHandler{registry: registry}
}

func (h *JSONHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.UserID(r.Context())
	if !ok {
		api.WriteError(w, infrastructure.ErrMissingToken)
		return
	}

	summaries := h.registry.List(r.Context(), userID, r.URL.Query().Get("filter"))
	api.WriteJSON(w, http.StatusOK, summaries)
}

func (h *JSONHandler) Select(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.UserID(r.Context())
	if !ok {
		api.WriteError(w, infrastructure.ErrMissingToken)
		return
	}
	conversationID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.registry.Select(r.Context(), userID, conversationID); err != nil {
		api.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JSONHandler) Deselect(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.UserID(r.Context())
	if !ok {
		api.WriteError(w, infrastructure.ErrMissingToken)
		return
	}

	h.registry.Deselect(userID)
	w.WriteHeader(http.StatusNoContent)
}

func SetupJSONRoutes(r *mux.Router, h *JSONHandler) {
	r.HandleFunc("/conversations", h.List).Methods("GET")
	r.HandleFunc("/conversations/{id}/select", h.Select).Methods("POST")
	r.HandleFunc("/conversations/deselect", h.Deselect).Methods("POST")
}
