package server

import (
	"encoding/json"
	"net/http"

	"github.com/jobgate/evalpulse/errors"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string, hints ...string) {
	_ = writeJSON(w, status, ErrorResponse{Error: message, Hints: hints})
}

// writeErrorFrom maps an error class onto an HTTP status and writes it
func writeErrorFrom(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error(), errors.GetAllHints(err)...)
}

// statusFor picks the response code for an error returned by the tracker or journal
func statusFor(err error) int {
	switch {
	case errors.IsInvalidRequestError(err):
		return http.StatusBadRequest
	case errors.IsConflictError(err):
		return http.StatusConflict
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsCancelled(err):
		return http.StatusServiceUnavailable
	case errors.IsTimeoutError(err):
		return http.StatusGatewayTimeout
	default:
		// the backend refused or failed
		return http.StatusBadGateway
	}
}

// readJSON decodes a request body, writing a 400 on failure
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return err
	}
	return nil
}

// shortID truncates an ID to 8 characters for logging
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
