package errorutil

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced to API callers as the machine-readable error kind.
const (
	CodeValidation             = "VALIDATION_FAILED"
	CodeNotFound               = "NOT_FOUND"
	CodeInvalidTransition      = "INVALID_TRANSITION"
	CodeConflict               = "CONFLICT"
	CodeEngineUnavailable      = "ENGINE_UNAVAILABLE"
	CodeEngineRejected         = "ENGINE_REJECTED"
	CodeInstanceNotFound       = "INSTANCE_NOT_FOUND"
	CodeInstanceAlreadyDecided = "INSTANCE_ALREADY_DECIDED"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeInternal               = "INTERNAL_ERROR"
)

// Sentinels for errors.Is checks. DomainError.Is matches on Code, so any
// error built by the constructors below matches its sentinel.
var (
	ErrValidation             = &DomainError{Code: CodeValidation}
	ErrNotFound               = &DomainError{Code: CodeNotFound}
	ErrInvalidTransition      = &DomainError{Code: CodeInvalidTransition}
	ErrConflict               = &DomainError{Code: CodeConflict}
	ErrEngineUnavailable      = &DomainError{Code: CodeEngineUnavailable}
	ErrEngineRejected         = &DomainError{Code: CodeEngineRejected}
	ErrInstanceNotFound       = &DomainError{Code: CodeInstanceNotFound}
	ErrInstanceAlreadyDecided = &DomainError{Code: CodeInstanceAlreadyDecided}
	ErrUnauthorized           = &DomainError{Code: CodeUnauthorized}
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DomainError with the same code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError(CodeValidation, message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

// NewInvalidTransition reports an event fired from a state that does not allow it.
func NewInvalidTransition(from, event string) error {
	return NewDomainError(CodeInvalidTransition,
		fmt.Sprintf("event %s not allowed from status %s", event, from),
		http.StatusConflict,
		map[string]any{"status": from, "event": event})
}

// NewConflict reports a lost optimistic-concurrency race.
func NewConflict(message string, details map[string]any) error {
	return NewDomainError(CodeConflict, message, http.StatusConflict, details)
}

func NewUnauthorized(message string) error {
	return NewDomainError(CodeUnauthorized, message, http.StatusUnauthorized, nil)
}

// NewEngineUnavailable wraps a transient process engine fault.
func NewEngineUnavailable(op string, err error) error {
	return &DomainError{
		Code:       CodeEngineUnavailable,
		Message:    "process engine unavailable",
		HTTPStatus: http.StatusBadGateway,
		Details:    map[string]any{"operation": op},
		Err:        err,
	}
}

// NewEngineRejected wraps a permanent refusal from the process engine.
func NewEngineRejected(op, reason string) error {
	return NewDomainError(CodeEngineRejected, "process engine rejected request",
		http.StatusUnprocessableEntity,
		map[string]any{"operation": op, "reason": reason})
}

func NewInstanceNotFound(processInstanceID string) error {
	return NewDomainError(CodeInstanceNotFound, "process instance not found",
		http.StatusConflict,
		map[string]any{"process_instance_id": processInstanceID})
}

func NewInstanceAlreadyDecided(processInstanceID string) error {
	return NewDomainError(CodeInstanceAlreadyDecided, "process instance already decided",
		http.StatusConflict,
		map[string]any{"process_instance_id": processInstanceID})
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Retryable reports whether err is a transient engine fault worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrEngineUnavailable)
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		if domainErr.HTTPStatus == 0 {
			copied := *domainErr
			copied.HTTPStatus = http.StatusInternalServerError
			return &copied
		}
		return domainErr
	}
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// MapError converts err into a DomainError, preserving nil.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	return ToDomainError(err)
}
