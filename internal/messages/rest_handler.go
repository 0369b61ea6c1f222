package messages

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"parley/infrastructure"
	"parley/internal/api"
)

type JSONHandler struct {
	store *Store
}

func NewJSONHandler(store *Store) *JSONHandler {
	return &JSONHandler{store: store}
}

func (h *JSONHandler) ListConversation(w http.ResponseWriter, r *http.Request) {
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

	msgs, err := h.store.Conversation(r.Context(), userID, conversationID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, msgs)
}

func (h *JSONHandler) Send(w http.ResponseWriter, r *http.Request) {
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

	var req struct {
		Body        string       `json:"body"`
		Attachments []Attachment `json:"attachments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := h.store.Send(r.Context(), userID, conversationID, req.Body, req.Attachments)
	if err != nil {
		// A failed send still returns the artifact so the caller can show
		// and retry it.
		if msg != nil {
			api.WriteJSON(w, http.StatusAccepted, msg)
			return
		}
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, msg)
}

func (h *JSONHandler) Edit(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.UserID(r.Context())
	if !ok {
		api.WriteError(w, infrastructure.ErrMissingToken)
		return
	}
	messageID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.store.Edit(r.Context(), userID, messageID, req.Body); err != nil {
		api.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JSONHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.UserID(r.Context())
	if !ok {
		api.WriteError(w, infrastructure.ErrMissingToken)
		return
	}
	messageID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.store.Delete(r.Context(), userID, messageID); err != nil {
		api.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JSONHandler) React(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.UserID(r.Context())
	if !ok {
		api.WriteError(w, infrastructure.ErrMissingToken)
		return
	}
	messageID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.store.React(r.Context(), userID, messageID, req.Emoji); err != nil {
		api.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JSONHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	h.advance(w, r, h.store.MarkDelivered)
}

func (h *JSONHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.advance(w, r, h.store.MarkRead)
}

func (h *JSONHandler) advance(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, callerID, messageID uuid.UUID) error) {
	userID, ok := api.UserID(r.Context())
	if !ok {
		api.WriteError(w, infrastructure.ErrMissingToken)
		return
	}
	messageID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := fn(r.Context(), userID, messageID); err != nil {
		api.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func SetupJSONRoutes(r *mux.Router, h *JSONHandler) {
	r.HandleFunc("/conversations/{id}/messages", h.ListConversation).Methods("GET")
	r.HandleFunc("/conversations/{id}/messages", h.Send).Methods("POST")
	r.HandleFunc("/messages/{id}", h.Edit).Methods("PUT")
	r.HandleFunc("/messages/{id}", h.Delete).Methods("DELETE")
	r.HandleFunc("/messages/{id}/reactions", h.React).Methods("POST")
	r.HandleFunc("/messages/{id}/delivered", h.MarkDelivered).Methods("POST")
	r.HandleFunc("/messages/{id}/read", h.MarkRead).Methods("POST")
}
