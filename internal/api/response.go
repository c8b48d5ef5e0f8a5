package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ReminderPipe/internal/codegen"
	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrSessionNotFound), errors.Is(err, models.ErrTriggerNotFound),
		errors.Is(err, models.ErrHomeNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrEmptySessionID), errors.Is(err, models.ErrEmptyUserText),
		errors.Is(err, models.ErrInvalidHomeTriggerList):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrConversationDone), errors.Is(err, models.ErrNotReady),
		errors.Is(err, models.ErrNotFeasible):
		return http.StatusConflict
	case errors.Is(err, codegen.ErrContractViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrCapabilityUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrSchemaValidation):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and writes it as an error response. Server errors hide
// their detail from the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Server.writeError: request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		slog.Warn("Server.writeError: request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal server error"
	}
	writeJSONResponse(w, status, models.Error(msg))
}
