package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/platinummonkey/aclprop/pkg/acl"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error response with the given status code
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteErrorMessage(w, status, err.Error())
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteNotFoundError writes a not found error response (404 Not Found)
func WriteNotFoundError(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusNotFound, message)
}

// WriteConflict writes a conflict error (409)
func WriteConflict(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusConflict, message)
}

// WriteInternalError writes an internal server error response (500 Internal Server Error)
func WriteInternalError(w http.ResponseWriter, err error) {
	WriteError(w, http.StatusInternalServerError, err)
}

// WriteACLError maps errors returned by the acl package to a status code
func WriteACLError(w http.ResponseWriter, err error) {
	var invalid *acl.InvalidACLDataError
	switch {
	case errors.As(err, &invalid):
		details := make(map[string]string, len(invalid.RoleNames))
		for _, name := range invalid.RoleNames {
			details[name] = "unknown role"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error(), Details: details})
	case errors.Is(err, acl.ErrRoleNotFound), errors.Is(err, acl.ErrNodeNotFound):
		WriteError(w, http.StatusNotFound, err)
	case errors.Is(err, acl.ErrDuplicateGrant), errors.Is(err, acl.ErrNotRoot):
		WriteError(w, http.StatusConflict, err)
	case errors.Is(err, acl.ErrMalformedRule):
		WriteError(w, http.StatusUnprocessableEntity, err)
	default:
		WriteInternalError(w, err)
	}
}
