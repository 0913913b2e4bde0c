package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/offbit/flowtrace/internal/trace"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message,omitempty"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteError writes an error response with the status mapped from the
// domain error taxonomy.
func WriteError(w http.ResponseWriter, statusCode int, err error, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: err.Error(),
		Details: details,
	}

	var invalidQuery *trace.InvalidQueryError
	if errors.As(err, &invalidQuery) {
		response.Code = "INVALID_QUERY"
		response.Details = map[string]interface{}{
			"field":  invalidQuery.Field,
			"reason": invalidQuery.Reason,
		}
	}

	json.NewEncoder(w).Encode(response)
}

// WriteDomainError maps a domain error to its HTTP status and writes it.
func WriteDomainError(w http.ResponseWriter, err error) {
	var invalidQuery *trace.InvalidQueryError
	var replayDenied *trace.ReplayNotAllowedError
	var writeErr *trace.StorageWriteError
	var readErr *trace.StorageReadError
	var reportErr *trace.ReportGenerationError

	switch {
	case errors.As(err, &invalidQuery):
		WriteError(w, http.StatusBadRequest, err, nil)
	case errors.Is(err, trace.ErrSessionNotFound), errors.Is(err, trace.ErrTraceNotFound):
		WriteError(w, http.StatusNotFound, err, nil)
	case errors.As(err, &replayDenied):
		WriteError(w, http.StatusConflict, err, nil)
	case errors.As(err, &writeErr), errors.As(err, &readErr), errors.As(err, &reportErr):
		WriteError(w, http.StatusServiceUnavailable, err, nil)
	default:
		WriteError(w, http.StatusInternalServerError, err, nil)
	}
}

// WriteSuccess writes a success response
func WriteSuccess(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
