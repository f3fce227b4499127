package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Error types carried in the envelope.
const (
	errInvalidRequest     = "invalid_request"
	errInternal           = "internal_error"
	errRateLimited        = "rate_limit_exceeded"
	errBadGateway         = "bad_gateway"
	errServiceUnavailable = "service_unavailable"
	errNotFound           = "not_found"
	errMethodNotAllowed   = "method_not_allowed"
	errIntegrity          = "INTEGRITY_VIOLATION"
)

// FieldError is one validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error      errorBody `json:"error"`
	Status     int       `json:"status"`
	RetryAfter *int      `json:"retryAfter,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType string, message string, details any) {
	writeJSON(w, status, errorEnvelope{
		Error:  errorBody{Type: errType, Message: message, Details: details},
		Status: status,
	})
}

func writeRateLimited(w http.ResponseWriter, message string, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, errorEnvelope{
		Error:      errorBody{Type: errRateLimited, Message: message},
		Status:     http.StatusTooManyRequests,
		RetryAfter: &retryAfter,
	})
}
