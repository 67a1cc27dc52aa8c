package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the {error, code} envelope.
func WriteError(w http.ResponseWriter, status int, code, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg, "code": code})
}

// DecodeJSON decodes the request body into v, answering 400 on failure.
// With allowEmpty an absent body leaves v untouched.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	if r.Body == nil {
		if allowEmpty {
			return true
		}
		WriteError(w, http.StatusBadRequest, "invalid_request", "request body required")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		WriteError(w, http.StatusBadRequest, "invalid_request", "invalid json: "+err.Error())
		return false
	}
	return true
}
