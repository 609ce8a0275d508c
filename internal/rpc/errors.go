package rpc

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/marcus-qen/ecoscan/internal/validate"
)

// Code is a machine-readable error code carried in every error response.
type Code string

const (
	CodeBadRequest       Code = "BAD_REQUEST"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeNotFound         Code = "NOT_FOUND"
	CodeMethodNotAllowed Code = "METHOD_NOT_ALLOWED"
	CodeConflict         Code = "CONFLICT"
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeTooManyRequests  Code = "TOO_MANY_REQUESTS"
	CodeInternal         Code = "INTERNAL"

	// codeOK labels successful calls in metrics and spans.
	codeOK = "OK"
)

// HTTPStatus maps a code to its HTTP status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeBadRequest, CodeValidationFailed:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeConflict:
		return http.StatusConflict
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is the error shape returned to clients.
type Error struct {
	Code    Code                  `json:"code"`
	Message string                `json:"message"`
	Fields  []validate.FieldError `json:"fields,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(msg string) *Error { return &Error{Code: CodeUnauthorized, Message: msg} }
func Forbidden(msg string) *Error    { return &Error{Code: CodeForbidden, Message: msg} }
func NotFound(msg string) *Error     { return &Error{Code: CodeNotFound, Message: msg} }
func Conflict(msg string) *Error     { return &Error{Code: CodeConflict, Message: msg} }
func BadRequest(msg string) *Error   { return &Error{Code: CodeBadRequest, Message: msg} }

// ValidationFailed converts a validation error into a VALIDATION_FAILED error.
func ValidationFailed(verr *validate.Error) *Error {
	return &Error{Code: CodeValidationFailed, Message: verr.Error(), Fields: verr.Fields}
}

// ErrorMapper translates a domain error into an *Error. It returns nil for
// errors it does not recognise.
type ErrorMapper func(err error) *Error

// SentinelMapper maps errors matching a sentinel (by errors.Is) to code,
// using the sentinel's message.
func SentinelMapper(code Code, sentinels ...error) ErrorMapper {
	return func(err error) *Error {
		for _, s := range sentinels {
			if errors.Is(err, s) {
				return &Error{Code: code, Message: s.Error()}
			}
		}
		return nil
	}
}

var errInternal = &Error{Code: CodeInternal, Message: "internal server error"}

// toError resolves err into a client error. The second result reports
// whether the error was unmapped and should be logged as internal.
func toError(err error, mappers []ErrorMapper) (*Error, bool) {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr, false
	}
	var verr *validate.Error
	if errors.As(err, &verr) {
		return ValidationFailed(verr), false
	}
	for _, m := range mappers {
		if mapped := m(err); mapped != nil {
			return mapped, false
		}
	}
	return errInternal, true
}
