// Package transport contains the operational HTTP surface: router,
// middleware chain and JSON responses for health, readiness and metrics.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/caseflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:                  http.StatusBadRequest,
	model.ErrForbidden:                   http.StatusForbidden,
	model.ErrNotFound:                    http.StatusNotFound,
	model.ErrConflict:                    http.StatusConflict,
	model.ErrValidationError:             http.StatusUnprocessableEntity,
	model.ErrInvalidTemplate:             http.StatusUnprocessableEntity,
	model.ErrWorkflowNotActive:           http.StatusConflict,
	model.ErrNoSuchTransition:            http.StatusUnprocessableEntity,
	model.ErrReasonRequired:              http.StatusUnprocessableEntity,
	model.ErrGateFailed:                  http.StatusUnprocessableEntity,
	model.ErrConditionNotMet:             http.StatusUnprocessableEntity,
	model.ErrConcurrentModification:      http.StatusConflict,
	model.ErrItemLocked:                  http.StatusConflict,
	model.ErrEvidenceRequired:            http.StatusUnprocessableEntity,
	model.ErrRequiredItemCannotBeSkipped: http.StatusUnprocessableEntity,
	model.ErrInternalError:               http.StatusInternalServerError,
}

// StatusForError returns the HTTP status an engine error maps to.
func StatusForError(err error) int {
	if status, ok := statusForCode[model.ErrorCode(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the matching
// HTTP status code. Errors that are not envelopes become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, StatusForError(ee), errorResponse{Error: ee})
}
