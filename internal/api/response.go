package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ScanPipe/internal/conversation"
	"github.com/BTreeMap/ScanPipe/internal/messaging"
	"github.com/BTreeMap/ScanPipe/internal/models"
)

// emptyTwiML acknowledges a Twilio webhook without sending an automatic reply.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding error can still change the status code.
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

// writeTwiML acknowledges a Twilio webhook.
func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(emptyTwiML)); err != nil {
		slog.Error("Server.writeTwiML: failed to write response", "error", err)
	}
}

// statusForError maps domain errors to HTTP status codes. Webhook providers retry on 5xx,
// which is what a transient classifier or delivery failure needs.
func statusForError(err error) int {
	switch {
	case errors.Is(err, conversation.ErrClassificationUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, conversation.ErrDeliveryFailure):
		return http.StatusBadGateway
	case errors.Is(err, messaging.ErrEmptyRecipient),
		errors.Is(err, messaging.ErrInvalidRecipient),
		errors.Is(err, models.ErrEmptyPhone):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// messageForError returns the client-facing message for a failed request.
func messageForError(err error) string {
	switch statusForError(err) {
	case http.StatusServiceUnavailable:
		return "Classifier unavailable, please retry"
	case http.StatusBadGateway:
		return "Message delivery failed"
	case http.StatusBadRequest:
		return err.Error()
	default:
		return "Internal server error"
	}
}

// writeError writes the error envelope with the status mapped from err.
func writeError(w http.ResponseWriter, err error) {
	writeJSONResponse(w, statusForError(err), models.Error(messageForError(err)))
}
