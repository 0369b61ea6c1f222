package directory

import (
	"net/http"

	"github.com/gorilla/mux"

	"parley/internal/api"
)

type JSONHandler struct {
	service *Service
}

func NewJSONHandler(service *Service) *JSONHandler {
	return &JSONHandler{service: service}
}

func (h *JSONHandler) Search(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("term")
	mode := Mode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = ModeName
	}

	candidates, err := h.service.Search(r.Context(), term, mode)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, candidates)
}

func SetupJSONRoutes(r *mux.Router, h *JSONHandler) {
	r.HandleFunc("/directory/search", h.Search).Methods("GET")
}
