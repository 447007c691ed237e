// Package web implements the wire API (§6): httprouter-based REST handlers
// over every other component, the {"data":...}/{"error":...} response
// envelope, and the gravitational/trace-kind-to-HTTP-status mapping.
package web

import (
	"encoding/json"
	"net/http"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// writeData writes {"data": value} with status 200.
func writeData(w http.ResponseWriter, value interface{}) {
	writeJSON(w, http.StatusOK, envelope{Data: value})
}

// writeCreated writes {"data": value} with status 201.
func writeCreated(w http.ResponseWriter, value interface{}) {
	writeJSON(w, http.StatusCreated, envelope{Data: value})
}

// writeError maps err to an HTTP status via statusFor and writes
// {"error": message}. AuthenticationFailed responses also carry a
// WWW-Authenticate header.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="pdm"`)
	}
	log.WithError(err).WithField("status", status).Debug("request failed")
	writeJSON(w, status, envelope{Error: trace.UserMessage(err)})
}

type envelope struct {
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("failed to encode response body")
	}
}

// statusFor maps a gravitational/trace error kind to the HTTP status the
// wire API surfaces for it, per the error-handling design's table.
func statusFor(err error) int {
	switch {
	case isAuthenticationFailed(err):
		return http.StatusUnauthorized
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsCompareFailed(err):
		return http.StatusConflict
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsConnectionProblem(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
