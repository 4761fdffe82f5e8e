package response

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// ContentTypeJSON is the media type of every response body.
const ContentTypeJSON = "application/json; charset=utf-8"

// ErrorDetail represents an additional error detail in an error response.
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Target  string `json:"target,omitempty"`
	Message string `json:"message"`
}

// APIError is the error object written under the "error" key.
type APIError struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Target  string        `json:"target,omitempty"`
	Details []ErrorDetail `json:"details,omitempty"`
	// Position is the 1-based character offset of a formula error, when known.
	Position int `json:"position,omitempty"`
	// Caret renders the offending source line with a marker under Position.
	Caret string `json:"caret,omitempty"`
}

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)

	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	return encoder.Encode(v)
}

// WriteError writes an error response whose code is the HTTP status.
func WriteError(w http.ResponseWriter, code int, message string, details string) error {
	apiErr := &APIError{
		Code:    strconv.Itoa(code),
		Message: message,
	}
	if details != "" {
		apiErr.Details = []ErrorDetail{{Message: details}}
	}
	return WriteAPIError(w, code, apiErr)
}

// WriteAPIError writes an error response with the full error structure.
func WriteAPIError(w http.ResponseWriter, httpStatusCode int, apiErr *APIError) error {
	return WriteJSON(w, httpStatusCode, map[string]interface{}{
		"error": apiErr,
	})
}

// WriteErrorWithTarget writes an error naming the request member it concerns.
func WriteErrorWithTarget(w http.ResponseWriter, code int, message string, target string, details string) error {
	apiErr := &APIError{
		Code:    strconv.Itoa(code),
		Message: message,
		Target:  target,
	}
	if details != "" {
		apiErr.Details = []ErrorDetail{{
			Message: details,
			Target:  target,
		}}
	}
	return WriteAPIError(w, code, apiErr)
}
