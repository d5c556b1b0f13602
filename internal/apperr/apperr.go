// Package apperr carries domain failures that map directly onto an HTTP
// status and a machine readable code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeNotFound            = "NOT_FOUND"
	CodeForbidden           = "FORBIDDEN"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeNoRequestNeeded     = "NO_REQUEST_NEEDED"
	CodeAlreadyProcessed    = "ALREADY_PROCESSED"
	CodeDeleteFailed        = "DELETE_FAILED"
	CodeAttemptsExhausted   = "ATTEMPTS_EXHAUSTED"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeMissingConfig       = "MISSING_CONFIGURATION"
	CodeRequestPending      = "REQUEST_PENDING"
)

type Error struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func NotFound(what string) *Error {
	return New(http.StatusNotFound, CodeNotFound, what+" not found")
}

func Forbidden(message string) *Error {
	return New(http.StatusForbidden, CodeForbidden, message)
}

func Invalid(message string) *Error {
	return New(http.StatusBadRequest, CodeInvalidRequest, message)
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
