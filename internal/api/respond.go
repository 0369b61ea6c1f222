package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"parley/infrastructure"
)

// WriteJSON writes v as the response body.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// WriteError maps the domain sentinels to HTTP status codes.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, infrastructure.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, infrastructure.ErrMissingToken), errors.Is(err, infrastructure.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, infrastructure.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, infrastructure.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, infrastructure.ErrTransient):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
