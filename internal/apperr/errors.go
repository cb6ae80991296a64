// Package apperr defines the structured error taxonomy used across the
// approvals service. Every error carries a Kind (how the caller should react)
// and a Code (the precise condition), so handlers can map failures to HTTP
// statuses and the UI can distinguish "already processed" from "you may not
// act here".
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller should handle it.
type Kind string

const (
	KindValidation    Kind = "validation"    // bad input, retry with corrected request
	KindAuthorization Kind = "authorization" // actor may not perform this action
	KindState         Kind = "state"         // request is in a state that forbids the action
	KindConfiguration Kind = "configuration" // approval flow configuration problem
	KindNotFound      Kind = "not_found"
	KindInternal      Kind = "internal"
)

// Code identifies the precise error condition.
type Code string

const (
	CodeInvalidInput           Code = "INVALID_INPUT"
	CodeNotFound               Code = "NOT_FOUND"
	CodeNotCurrentAssignee     Code = "NOT_CURRENT_ASSIGNEE"
	CodeNotRequester           Code = "NOT_REQUESTER"
	CodeAlreadyTerminal        Code = "ALREADY_TERMINAL"
	CodeInvalidTransition      Code = "INVALID_TRANSITION"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeNoApprovalPath         Code = "NO_APPROVAL_PATH_CONFIGURED"
	CodeInternal               Code = "INTERNAL"
)

// Error is the structured error type returned by all service and repository
// operations.
type Error struct {
	Kind      Kind
	Code      Code
	Message   string
	RequestID string // offending approval request id, when known
	cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s [%s]: %s (request %s)", e.Kind, e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithRequest returns a copy of the error annotated with the approval
// request id it concerns.
func (e *Error) WithRequest(requestID string) *Error {
	c := *e
	c.RequestID = requestID
	return &c
}

// New creates an error with an explicit kind and code.
func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error as an internal failure.
func Wrap(err error, message string) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: message, cause: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s %q not found", resource, id),
	}
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, message string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeInvalidInput,
		Message: fmt.Sprintf("%s: %s", field, message),
	}
}

// NotCurrentAssignee reports that the actor does not hold the position
// currently responsible for the request.
func NotCurrentAssignee(requestID, userCode string) *Error {
	return &Error{
		Kind:      KindAuthorization,
		Code:      CodeNotCurrentAssignee,
		Message:   fmt.Sprintf("user %q is not the current assignee", userCode),
		RequestID: requestID,
	}
}

// AlreadyTerminal reports an action on a completed or rejected request.
func AlreadyTerminal(requestID, status string) *Error {
	return &Error{
		Kind:      KindState,
		Code:      CodeAlreadyTerminal,
		Message:   fmt.Sprintf("request already in terminal status %q", status),
		RequestID: requestID,
	}
}

// ConcurrentModification reports a lost optimistic-concurrency race. Safe to
// retry once after re-fetching the request.
func ConcurrentModification(requestID string) *Error {
	return &Error{
		Kind:      KindState,
		Code:      CodeConcurrentModification,
		Message:   "request was modified concurrently, re-fetch and retry",
		RequestID: requestID,
	}
}

// NoApprovalPathConfigured reports that no approver chain could be resolved
// for a department and request type. Fatal at submission time.
func NoApprovalPathConfigured(departmentID, requestType string) *Error {
	return &Error{
		Kind:    KindConfiguration,
		Code:    CodeNoApprovalPath,
		Message: fmt.Sprintf("no approval path configured for department %q and type %q", departmentID, requestType),
	}
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the Code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// RequestIDOf returns the approval request id attached to err, or "".
func RequestIDOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.RequestID
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
