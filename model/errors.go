package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Engine error codes.
const (
	ErrInvalidTemplate             = "INVALID_TEMPLATE"
	ErrWorkflowNotActive           = "WORKFLOW_NOT_ACTIVE"
	ErrNoSuchTransition            = "NO_SUCH_TRANSITION"
	ErrReasonRequired              = "REASON_REQUIRED"
	ErrGateFailed                  = "GATE_FAILED"
	ErrConditionNotMet             = "CONDITION_NOT_MET"
	ErrConcurrentModification      = "CONCURRENT_MODIFICATION"
	ErrItemLocked                  = "ITEM_LOCKED"
	ErrEvidenceRequired            = "EVIDENCE_REQUIRED"
	ErrRequiredItemCannotBeSkipped = "REQUIRED_ITEM_CANNOT_BE_SKIPPED"
	ErrUnresolvableAssignee        = "UNRESOLVABLE_ASSIGNEE"
)

// ErrorEnvelope is the typed failure returned by every engine operation.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level or gate-level failure.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode returns the envelope code carried by err, or "" when err is not
// an envelope.
func ErrorCode(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given envelope code.
func IsErrorCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidTemplateError returns an INVALID_TEMPLATE error listing every
// structural problem found in a template.
func NewInvalidTemplateError(templateID string, details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidTemplate,
		Message: fmt.Sprintf("template %q is invalid", templateID),
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewWorkflowNotActiveError returns a WORKFLOW_NOT_ACTIVE error.
func NewWorkflowNotActiveError(instanceID, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowNotActive,
		Message: fmt.Sprintf("workflow instance %q is %s", instanceID, status),
	}
}

// NewNoSuchTransitionError returns a NO_SUCH_TRANSITION error.
func NewNoSuchTransitionError(from, to string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNoSuchTransition,
		Message: fmt.Sprintf("no transition from %q to %q", from, to),
	}
}

// NewReasonRequiredError returns a REASON_REQUIRED error.
func NewReasonRequiredError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrReasonRequired, Message: msg}
}

// NewGateFailedError returns a GATE_FAILED error with one detail per failed gate.
func NewGateFailedError(stageID string, failures []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrGateFailed,
		Message: fmt.Sprintf("%d gate(s) on stage %q did not pass", len(failures), stageID),
		Details: failures,
	}
}

// NewConditionNotMetError returns a CONDITION_NOT_MET error.
func NewConditionNotMetError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConditionNotMet, Message: msg}
}

// NewConcurrentModificationError returns a CONCURRENT_MODIFICATION error.
func NewConcurrentModificationError(kind, id string, expected int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrConcurrentModification,
		Message: fmt.Sprintf("%s %q was modified concurrently (expected version %d)", kind, id, expected),
	}
}

// NewItemLockedError returns an ITEM_LOCKED error naming the blocking dependencies.
func NewItemLockedError(itemID string, blockedBy []string) *ErrorEnvelope {
	details := make([]FieldError, 0, len(blockedBy))
	for _, dep := range blockedBy {
		details = append(details, FieldError{Field: dep, Code: ErrItemLocked, Message: "dependency not completed"})
	}
	return &ErrorEnvelope{
		Code:    ErrItemLocked,
		Message: fmt.Sprintf("item %q is locked by incomplete dependencies", itemID),
		Details: details,
	}
}

// NewEvidenceRequiredError returns an EVIDENCE_REQUIRED error.
func NewEvidenceRequiredError(itemID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrEvidenceRequired,
		Message: fmt.Sprintf("item %q requires notes or attachments", itemID),
	}
}

// NewRequiredItemCannotBeSkippedError returns a REQUIRED_ITEM_CANNOT_BE_SKIPPED error.
func NewRequiredItemCannotBeSkippedError(itemID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRequiredItemCannotBeSkipped,
		Message: fmt.Sprintf("item %q is required and cannot be skipped", itemID),
	}
}

// NewUnresolvableAssigneeError returns an UNRESOLVABLE_ASSIGNEE error.
func NewUnresolvableAssigneeError(strategy, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnresolvableAssignee,
		Message: fmt.Sprintf("%s: %s", strategy, msg),
	}
}
