package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"orchd/internal/modelscan"
	"orchd/internal/orchestrator"
	"orchd/internal/registry"
	"orchd/pkg/types"
)

// HTTPError allows collaborators to carry an HTTP status code on an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeMappedError translates well-known daemon errors to status codes.
func writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		return
	case modelscan.IsModelNotFound(err):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case registry.IsPlatformUnsupported(err):
		writeJSONError(w, http.StatusConflict, err.Error())
	case orchestrator.IsStartupTimeout(err):
		writeJSONError(w, http.StatusGatewayTimeout, err.Error())
	case orchestrator.IsCriticalFailure(err):
		writeJSONError(w, http.StatusBadGateway, err.Error())
	case strings.HasPrefix(err.Error(), "unknown service"):
		writeJSONError(w, http.StatusNotFound, err.Error())
	default:
		if he, ok := err.(HTTPError); ok {
			writeJSONError(w, he.StatusCode(), he.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
