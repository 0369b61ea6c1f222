package groups

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"parley/infrastructure"
	"parley/internal/api"
	"parley/internal/conversations"
)

type JSONHandler struct {
	manager *Manager
}

func NewJSONHandler(manager *Manager) *JSONHandler {
	return &JSONHandler{manager: manager}
}

func (h *JSONHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.UserID(r.Context())
	if !ok {
		api.WriteError(w, infrastructure.ErrMissingToken)
		return
	}

	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Visibility  string `json:"visibility"`
		Business    bool   `json:"business"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	g, err := h.manager.Create(r.Context(), userID, CreateRequest{
		Name:        req.Name,
		Description: req.Description,
		Visibility:  conversations.Visibility(req.Visibility),
		Business:    req.Business,
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, g)
}

func (h *JSONHandler) Directory(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, h.manager.ListPublic())
}

func (h *JSONHandler) Get(w http.ResponseWriter, r *http.Request) {
	groupID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	g, err := h.manager.Get(r.Context(), groupID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, g)
}

func (h *JSONHandler) Join(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.UserID(r.Context())
	if !ok {
		api.WriteError(w, infrastructure.ErrMissingToken)
		return
	}
	groupID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req, err := h.manager.Join(r.Context(), userID, groupID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	if req != nil {
		// Private group: membership is pending the approvers' decision.
		api.WriteJSON(w, http.StatusAccepted, req)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JSONHandler) JoinRequests(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.UserID(r.Context())
	if !ok {
		api.WriteError(w, infrastructure.ErrMissingToken)
		return
	}
	groupID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	requests, err := h.manager.JoinRequests(r.Context(), userID, groupID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, requests)
}

func (h *JSONHandler) RespondToJoinRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.UserID(r.Context())
	if !ok {
		api.WriteError(w, infrastructure.ErrMissingToken)
		return
	}
	requestID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req struct {
		Approve bool `json:"approve"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.manager.RespondToJoinRequest(r.Context(), userID, requestID, req.Approve); err != nil {
		api.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JSONHandler) Invite(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.UserID(r.Context())
	if !ok {
		api.WriteError(w, infrastructure.ErrMissingToken)
		return
	}
	groupID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req struct {
		UserID uuid.UUID `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	inv, err := h.manager.Invite(r.Context(), userID, groupID, req.UserID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, inv)
}

func (h *JSONHandler) PendingInvites(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.UserID(r.Context())
	if !ok {
		api.WriteError(w, infrastructure.ErrMissingToken)
		return
	}

	invites, err := h.manager.PendingInvites(r.Context(), userID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, invites)
}

func (h *JSONHandler) RespondToInvite(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.UserID(r.Context())
	if !ok {
		api.WriteError(w, infrastructure.ErrMissingToken)
		return
	}
	inviteID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req struct {
		Accept bool `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.manager.RespondToInvite(r.Context(), userID, inviteID, req.Accept); err != nil {
		api.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JSONHandler) Leave(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.UserID(r.Context())
	if !ok {
		api.WriteError(w, infrastructure.ErrMissingToken)
		return
	}
	groupID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.manager.Leave(r.Context(), userID, groupID); err != nil {
		api.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func SetupJSONRoutes(r *mux.Router, h *JSONHandler) {
	r.HandleFunc("/groups", h.Create).Methods("POST")
	r.HandleFunc("/groups", h.Directory).Methods("GET")
	r.HandleFunc("/groups/invites", h.PendingInvites).Methods("GET")
	r.HandleFunc("/groups/invites/{id}/respond", h.RespondToInvite).Methods("POST")
	r.HandleFunc("/groups/requests/{id}/respond", h.RespondToJoinRequest).Methods("POST")
	r.HandleFunc("/groups/{id}", h.Get).Methods("GET")
	r.HandleFunc("/groups/{id}/join", h.Join).Methods("POST")
	r.HandleFunc("/groups/{id}/requests", h.JoinRequests).Methods("GET")
	r.HandleFunc("/groups/{id}/invites", h.Invite).Methods("POST")
	r.HandleFunc("/groups/{id}/leave", h.Leave).Methods("POST")
}
