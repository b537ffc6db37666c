package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/platinummonkey/accessgrid/pkg/rbac"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
	Field    string `json:"field,omitempty"`
}

// StatusCode maps an engine error to the HTTP status a surrounding service
// should answer with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, rbac.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rbac.ErrConflict):
		return http.StatusForbidden
	case errors.Is(err, rbac.ErrImmutable):
		return http.StatusConflict
	case errors.Is(err, rbac.ErrValidation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes err with the status StatusCode picks. Internal errors
// are not echoed to the client.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	resp := ErrorResponse{Error: err.Error(), Category: rbac.Category(err)}
	if status == http.StatusInternalServerError {
		resp.Error = http.StatusText(status)
	}
	var verr *rbac.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	_ = WriteJSON(w, status, resp)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	_ = WriteJSON(w, status, ErrorResponse{Error: message})
}
