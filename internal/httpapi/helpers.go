package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/laminarhq/laminar/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps an engine error to an HTTP status and writes it,
// keeping the error code visible to clients.
func writeEngineError(w http.ResponseWriter, err error) {
	var ee *schema.EngineError
	if errors.As(err, &ee) {
		writeJSON(w, statusForCode(ee.Code), map[string]any{
			"error":   ee.Message,
			"code":    ee.Code,
			"task_id": ee.TaskID,
			"details": ee.Details,
		})
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// statusForCode maps engine error codes to HTTP status codes.
func statusForCode(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeCyclicDependency, schema.ErrCodeUnknownDependency:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition, schema.ErrCodeNoCheckpoint:
		return http.StatusConflict
	case schema.ErrCodeCapabilityDenied:
		return http.StatusForbidden
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryInt64 extracts an int64 query param with a default value.
func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
