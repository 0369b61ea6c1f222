package invitations

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"parley/infrastructure"
	"parley/internal/api"
	"parley/internal/identity"
)

type JSONHandler struct {
	coordinator *Coordinator
}

func NewJSONHandler(coordinator *Coordinator) *JSONHandler {
	return &JSONHandler{coordinator: coordinator}
}

func (h *JSONHandler) Send(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.UserID(r.Context())
	if !ok {
		api.WriteError(w, infrastructure.ErrMissingToken)
		return
	}

	var req struct {
		InviterName    string `json:"inviter_name"`
		Kind           string `json:"kind"`
		Value          string `json:"value"`
		FirstName      string `json:"first_name"`
		LastName       string `json:"last_name"`
		InitialMessage string `json:"initial_message"`
		Consent        bool   `json:"consent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	inv, err := h.coordinator.Send(r.Context(), SendRequest{
		InviterID:      userID,
		InviterName:    req.InviterName,
		Kind:           identity.Kind(req.Kind),
		Value:          req.Value,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		InitialMessage: req.InitialMessage,
		Consent:        req.Consent,
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, inv)
}

func (h *JSONHandler) Respond(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.UserID(r.Context())
	if !ok {
		api.WriteError(w, infrastructure.ErrMissingToken)
		return
	}
	invitationID, err := uuid.Parse(mux.Vars(r)["id"])
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

	inv, err := h.coordinator.Respond(r.Context(), userID, invitationID, req.Accept)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, inv)
}

func (h *JSONHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.UserID(r.Context())
	if !ok {
		api.WriteError(w, infrastructure.ErrMissingToken)
		return
	}

	pending, err := h.coordinator.ListPending(r.Context(), userID)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	response := struct {
		Invitations []*Invitation `json:"invitations"`
		Count       int           `json:"count"`
	}{
		Invitations: pending,
		Count:       len(pending),
	}
	api.WriteJSON(w, http.StatusOK, response)
}

func SetupJSONRoutes(r *mux.Router, h *JSONHandler) {
	r.HandleFunc("/invitations", h.Send).Methods("POST")
	r.HandleFunc("/invitations", h.ListPending).Methods("GET")
	r.HandleFunc("/invitations/{id}/respond", h.Respond).Methods("POST")
}
