package api

import (
	"encoding/json"
	"net/http"
)

// General error codes surfaced at the boundary.
const (
	CodeValidationError    = 100
	CodeMalformedJSON      = 101
	CodeInvalidCredentials = 102
	CodeInternalError      = 103
)

// Per-field validation error codes.
const (
	ValidationCodeRequiredField     = 1000
	ValidationCodeIncorrectFormat   = 1001
	ValidationCodeInvalidAddress    = 1002
	ValidationCodeValueOutOfRange   = 1004
	ValidationCodeInvalidSignature  = 1005
	ValidationCodeUnsupportedOption = 1006
)

// ValidationErrorItem identifies one offending field and the reason it was
// rejected.
type ValidationErrorItem struct {
	Field  string `json:"field"`
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// ErrorBody is the JSON error envelope for every non-2xx response.
type ErrorBody struct {
	Code             int                   `json:"code"`
	Reason           string                `json:"reason"`
	ValidationErrors []ValidationErrorItem `json:"validationErrors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeValidationErrors(w http.ResponseWriter, items ...ValidationErrorItem) {
	writeJSON(w, http.StatusBadRequest, ErrorBody{
		Code:             CodeValidationError,
		Reason:           "Validation Failed",
		ValidationErrors: items,
	})
}

func writeMalformedJSON(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, ErrorBody{
		Code:   CodeMalformedJSON,
		Reason: "Malformed JSON body",
	})
}

func writeInternalError(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, ErrorBody{
		Code:   CodeInternalError,
		Reason: "Internal error",
	})
}

func writeInvalidCredentials(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, ErrorBody{
		Code:   CodeInvalidCredentials,
		Reason: "Invalid credentials",
	})
}
