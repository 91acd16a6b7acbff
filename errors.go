package main

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	ErrClientKeyMismatch = errors.New("client key mismatch")
	ErrIdentityNotFound  = errors.New("identity not found")
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

// writeOK writes the plain success body the gateway expects
func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "OK"})
}
