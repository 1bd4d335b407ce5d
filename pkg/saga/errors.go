// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package saga

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType classifies a SagaError.
type ErrorType string

const (
	// ErrorTypeTransient marks failures that may succeed when retried.
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypePermanent marks failures that will not succeed on retry.
	ErrorTypePermanent ErrorType = "permanent"
	// ErrorTypeCompensation marks a compensation that could not be applied.
	ErrorTypeCompensation ErrorType = "compensation"
	// ErrorTypeDefinition marks an invalid saga definition.
	ErrorTypeDefinition ErrorType = "definition"
	// ErrorTypeConcurrency marks a lost optimistic concurrency race.
	ErrorTypeConcurrency ErrorType = "concurrency"
	// ErrorTypeNotFound marks an unknown definition or instance.
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeAlreadyExists marks a duplicate instance or definition.
	ErrorTypeAlreadyExists ErrorType = "already_exists"
	// ErrorTypeConflict marks an operation rejected in the current status.
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeSystem marks infrastructure failures.
	ErrorTypeSystem ErrorType = "system"
)

// predefined error codes
const (
	ErrCodeSagaNotFound        = "SAGA_NOT_FOUND"
	ErrCodeDefinitionNotFound  = "DEFINITION_NOT_FOUND"
	ErrCodeSagaAlreadyExists   = "SAGA_ALREADY_EXISTS"
	ErrCodeDefinitionExists    = "DEFINITION_ALREADY_EXISTS"
	ErrCodeInvalidDefinition   = "INVALID_DEFINITION"
	ErrCodeDefinitionChanged   = "DEFINITION_CHANGED"
	ErrCodeSagaNotRunning      = "SAGA_NOT_RUNNING"
	ErrCodeStepExecutionFailed = "STEP_EXECUTION_FAILED"
	ErrCodeStepTimeout         = "STEP_TIMEOUT"
	ErrCodeCompensationFailed  = "COMPENSATION_FAILED"
	ErrCodeNoCompensation      = "NO_COMPENSATION_DEFINED"
	ErrCodeRetryExhausted      = "RETRY_EXHAUSTED"
	ErrCodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	ErrCodeStorageError        = "STORAGE_ERROR"
	ErrCodeCapabilityNotFound  = "CAPABILITY_NOT_FOUND"
	ErrCodeParticipantRejected = "PARTICIPANT_REJECTED"
	ErrCodeParticipantFailure  = "PARTICIPANT_FAILURE"
	ErrCodeCancelled           = "SAGA_CANCELLED"
	ErrCodeCallbackNotExpected = "CALLBACK_NOT_EXPECTED"
	ErrCodeValidationError     = "VALIDATION_ERROR"
	ErrCodeCoordinatorStopped  = "COORDINATOR_STOPPED"
	ErrCodeIdempotencyKeyClash = "IDEMPOTENCY_KEY_CLASH"
	ErrCodeWrapped             = "WRAPPED_ERROR"
)

// SagaError is the structured error recorded on instances and step records
// and returned by engine operations.
type SagaError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Type      ErrorType              `json:"type"`
	Retryable bool                   `json:"retryable"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     *SagaError             `json:"cause,omitempty"`
}

// NewSagaError creates a new SagaError with the specified parameters.
func NewSagaError(code, message string, errorType ErrorType, retryable bool) *SagaError {
	return &SagaError{
		Code:      code,
		Message:   message,
		Type:      errorType,
		Retryable: retryable,
		Timestamp: time.Now(),
	}
}

// WrapError wraps an existing error into a SagaError.
func WrapError(err error, code, message string, errorType ErrorType, retryable bool) *SagaError {
	if err == nil {
		return nil
	}

	sagaErr := NewSagaError(code, message, errorType, retryable)

	var original *SagaError
	if errors.As(err, &original) {
		sagaErr.Cause = original
	} else {
		sagaErr.Cause = NewSagaError(ErrCodeWrapped, err.Error(), ErrorTypeSystem, false)
	}

	return sagaErr
}

// Error implements the error interface for SagaError.
func (e *SagaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %s)", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches SagaErrors by code so errors.Is works against the sentinels
// below.
func (e *SagaError) Is(target error) bool {
	t, ok := target.(*SagaError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Unwrap returns the cause so errors.As can walk the chain.
func (e *SagaError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// WithDetail adds a detail to the SagaError.
func (e *SagaError) WithDetail(key string, value interface{}) *SagaError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Clone returns a deep copy of the error chain.
func (e *SagaError) Clone() *SagaError {
	if e == nil {
		return nil
	}
	out := *e
	if e.Details != nil {
		out.Details = make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			out.Details[k] = v
		}
	}
	out.Cause = e.Cause.Clone()
	return &out
}

// IsRetryable reports whether the error is retryable. An error with a Type
// decides for itself; only untyped wrappers defer to their cause.
func (e *SagaError) IsRetryable() bool {
	if e.Type != "" || e.Retryable {
		return e.Retryable
	}
	if e.Cause != nil {
		return e.Cause.IsRetryable()
	}
	return false
}

// GetRootCause returns the root cause of the error chain.
func (e *SagaError) GetRootCause() *SagaError {
	if e.Cause == nil {
		return e
	}
	return e.Cause.GetRootCause()
}

// Sentinels for errors.Is. They carry only the code.
var (
	ErrSagaNotFound       = &SagaError{Code: ErrCodeSagaNotFound, Type: ErrorTypeNotFound}
	ErrDefinitionNotFound = &SagaError{Code: ErrCodeDefinitionNotFound, Type: ErrorTypeNotFound}
	ErrSagaAlreadyExists  = &SagaError{Code: ErrCodeSagaAlreadyExists, Type: ErrorTypeAlreadyExists}
	ErrDefinitionExists   = &SagaError{Code: ErrCodeDefinitionExists, Type: ErrorTypeAlreadyExists}
	ErrInvalidDefinition  = &SagaError{Code: ErrCodeInvalidDefinition, Type: ErrorTypeDefinition}
	ErrNotRunning         = &SagaError{Code: ErrCodeSagaNotRunning, Type: ErrorTypeConflict}
	ErrCallbackUnexpected = &SagaError{Code: ErrCodeCallbackNotExpected, Type: ErrorTypeConflict}
)

// Common error constructors

// NewSagaNotFoundError creates an error for an unknown instance.
func NewSagaNotFoundError(sagaID string) *SagaError {
	return NewSagaError(ErrCodeSagaNotFound, fmt.Sprintf("saga %q not found", sagaID), ErrorTypeNotFound, false).
		WithDetail("saga_id", sagaID)
}

// NewDefinitionNotFoundError creates an error for an unknown definition.
func NewDefinitionNotFoundError(definitionID string) *SagaError {
	return NewSagaError(ErrCodeDefinitionNotFound, fmt.Sprintf("definition %q not found", definitionID), ErrorTypeNotFound, false).
		WithDetail("definition_id", definitionID)
}

// NewDefinitionExistsError creates an error for a duplicate registration.
func NewDefinitionExistsError(definitionID string) *SagaError {
	return NewSagaError(ErrCodeDefinitionExists, fmt.Sprintf("definition %q already registered", definitionID), ErrorTypeAlreadyExists, false).
		WithDetail("definition_id", definitionID)
}

// NewInvalidDefinitionError creates an error for a definition that failed
// validation.
func NewInvalidDefinitionError(definitionID, reason string) *SagaError {
	return NewSagaError(ErrCodeInvalidDefinition, fmt.Sprintf("definition %q is invalid: %s", definitionID, reason), ErrorTypeDefinition, false).
		WithDetail("definition_id", definitionID)
}

// NewNotRunningError creates an error for operations that need a Running
// instance.
func NewNotRunningError(sagaID string, status SagaStatus) *SagaError {
	return NewSagaError(ErrCodeSagaNotRunning, fmt.Sprintf("saga %q is %s", sagaID, status), ErrorTypeConflict, false).
		WithDetail("saga_id", sagaID).
		WithDetail("status", status.String())
}

// NewTransientError creates a retryable participant failure.
func NewTransientError(message string) *SagaError {
	return NewSagaError(ErrCodeParticipantFailure, message, ErrorTypeTransient, true)
}

// NewPermanentError creates a participant rejection that must not be retried.
func NewPermanentError(message string) *SagaError {
	return NewSagaError(ErrCodeParticipantRejected, message, ErrorTypePermanent, false)
}

// NewStepTimeoutError creates a transient error for a step that exceeded its
// deadline.
func NewStepTimeoutError(stepName string, timeout time.Duration) *SagaError {
	return NewSagaError(ErrCodeStepTimeout, fmt.Sprintf("step %q timed out after %s", stepName, timeout), ErrorTypeTransient, true).
		WithDetail("step_name", stepName)
}

// NewStepExecutionError wraps a forward step failure. The type follows the
// cause so retry decisions stay with the participant's classification.
func NewStepExecutionError(stepIndex int, stepName string, err error) *SagaError {
	typ, retryable := Classify(err)
	return WrapError(err, ErrCodeStepExecutionFailed,
		fmt.Sprintf("step %q execution failed", stepName), typ, retryable).
		WithDetail("step_index", stepIndex).
		WithDetail("step_name", stepName)
}

// NewCompensationFailedError creates an error for a failed compensation.
func NewCompensationFailedError(stepIndex int, stepName string, err error) *SagaError {
	return WrapError(err, ErrCodeCompensationFailed,
		fmt.Sprintf("compensation for step %q failed", stepName),
		ErrorTypeCompensation, false).
		WithDetail("step_index", stepIndex).
		WithDetail("step_name", stepName)
}

// NewNoCompensationError is recorded when a definition without compensations
// fails after some of its steps succeeded.
func NewNoCompensationError(definitionID string) *SagaError {
	return NewSagaError(ErrCodeNoCompensation, "no compensation defined", ErrorTypeCompensation, false).
		WithDetail("definition_id", definitionID)
}

// NewRetryExhaustedError creates an error when retry attempts are exhausted.
func NewRetryExhaustedError(stepName string, attempts int, last error) *SagaError {
	e := NewSagaError(ErrCodeRetryExhausted,
		fmt.Sprintf("retry attempts exhausted for step %q after %d attempts", stepName, attempts),
		ErrorTypePermanent, false).
		WithDetail("step_name", stepName).
		WithDetail("attempts", attempts)
	e.Cause = AsSagaError(last)
	return e
}

// NewCancelledError is recorded when an operator cancels a running saga.
func NewCancelledError(sagaID string) *SagaError {
	return NewSagaError(ErrCodeCancelled, "saga cancelled by request", ErrorTypePermanent, false).
		WithDetail("saga_id", sagaID)
}

// NewDefinitionChangedError is recorded when a definition no longer matches
// the digest pinned on the instance.
func NewDefinitionChangedError(definitionID, pinned, current string) *SagaError {
	return NewSagaError(ErrCodeDefinitionChanged, fmt.Sprintf("definition %q changed since the saga started", definitionID), ErrorTypeDefinition, false).
		WithDetail("pinned_digest", pinned).
		WithDetail("current_digest", current)
}

// NewStorageError creates an error for storage operation failures.
func NewStorageError(operation string, err error) *SagaError {
	return WrapError(err, ErrCodeStorageError,
		fmt.Sprintf("storage operation %q failed", operation),
		ErrorTypeSystem, true).
		WithDetail("operation", operation)
}

// NewCapabilityNotFoundError creates an error for an action whose capability
// has no registered adapter.
func NewCapabilityNotFoundError(capability string) *SagaError {
	return NewSagaError(ErrCodeCapabilityNotFound, fmt.Sprintf("no adapter for capability %q", capability), ErrorTypePermanent, false).
		WithDetail("capability", capability)
}

// NewValidationError creates an error for request validation failures.
func NewValidationError(message string) *SagaError {
	return NewSagaError(ErrCodeValidationError, message, ErrorTypePermanent, false)
}

// NewCoordinatorStoppedError creates an error when the engine is stopped.
func NewCoordinatorStoppedError() *SagaError {
	return NewSagaError(ErrCodeCoordinatorStopped, "saga engine is stopped", ErrorTypeSystem, false)
}

// AsSagaError returns err as a SagaError, wrapping foreign errors as system
// errors.
func AsSagaError(err error) *SagaError {
	if err == nil {
		return nil
	}
	var se *SagaError
	if errors.As(err, &se) {
		return se
	}
	return NewSagaError(ErrCodeWrapped, err.Error(), ErrorTypeSystem, true)
}

// Classify returns the ErrorType and retryability of err. Errors that are not
// SagaErrors are treated as transient.
func Classify(err error) (ErrorType, bool) {
	var se *SagaError
	if errors.As(err, &se) {
		return se.Type, se.IsRetryable()
	}
	return ErrorTypeTransient, true
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	_, retryable := Classify(err)
	return retryable
}

// IsType reports whether err is a SagaError of the given type.
func IsType(err error, typ ErrorType) bool {
	var se *SagaError
	return errors.As(err, &se) && se.Type == typ
}

// IsSagaNotFound checks if an error is a SagaNotFoundError.
func IsSagaNotFound(err error) bool {
	return errors.Is(err, ErrSagaNotFound)
}

// IsDefinitionNotFound checks if an error is a DefinitionNotFoundError.
func IsDefinitionNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound)
}
