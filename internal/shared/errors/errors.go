// Package errors provides the coded error type shared by every authgate component.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code represents an application error code.
type Code string

// Error codes for the application.
const (
	// General errors
	CodeInternal      Code = "INTERNAL"
	CodeInvalidInput  Code = "INVALID_INPUT"
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeForbidden     Code = "FORBIDDEN"
	CodeRateLimited   Code = "RATE_LIMITED"
	CodeUnavailable   Code = "UNAVAILABLE"

	// Credential and token errors
	CodeBadCredentials Code = "BAD_CREDENTIALS"
	CodeTokenExpired   Code = "TOKEN_EXPIRED"
	CodeTokenInvalid   Code = "TOKEN_INVALID"
	CodeWrongTokenType Code = "WRONG_TOKEN_TYPE"
	CodeWeakPassword   Code = "WEAK_PASSWORD"

	// OAuth delegation errors
	CodeUnknownProvider        Code = "UNKNOWN_PROVIDER"
	CodeProviderExchangeFailed Code = "PROVIDER_EXCHANGE_FAILED"
	CodeMissingEmail           Code = "MISSING_EMAIL"
	CodeInvalidState           Code = "INVALID_STATE"
)

// Error is the application's custom error type with code and details.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	Err     error  `json:"-"` // never serialized
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Err:     e.Err,
	}
}

// Wrap returns a copy of the error wrapping err.
func (e *Error) Wrap(err error) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Err:     err,
	}
}

// New creates a new Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Internal creates an internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// InternalWrap creates an internal error wrapping another error.
func InternalWrap(message string, err error) *Error {
	return Wrap(CodeInternal, message, err)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string) *Error {
	return New(CodeInvalidInput, message)
}

// NotFound creates a not found error.
func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

// AlreadyExists creates an already exists error.
func AlreadyExists(message string) *Error {
	return New(CodeAlreadyExists, message)
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *Error {
	return New(CodeUnauthorized, message)
}

// Forbidden creates a forbidden error.
func Forbidden(message string) *Error {
	return New(CodeForbidden, message)
}

// RateLimited creates a rate limited error.
func RateLimited(message string) *Error {
	return New(CodeRateLimited, message)
}

// Unavailable creates an unavailable error.
func Unavailable(message string) *Error {
	return New(CodeUnavailable, message)
}

// BadCredentials creates a bad credentials error.
func BadCredentials(message string) *Error {
	return New(CodeBadCredentials, message)
}

// TokenExpired creates a token expired error.
func TokenExpired(message string) *Error {
	return New(CodeTokenExpired, message)
}

// TokenInvalid creates a token invalid error.
func TokenInvalid(message string) *Error {
	return New(CodeTokenInvalid, message)
}

// WrongTokenType creates a wrong token type error.
func WrongTokenType(message string) *Error {
	return New(CodeWrongTokenType, message)
}

// UnknownProvider creates an unknown provider error.
func UnknownProvider(provider string) *Error {
	return New(CodeUnknownProvider, fmt.Sprintf("unknown or unconfigured provider %q", provider))
}

// ProviderExchangeFailed creates a provider exchange error wrapping the upstream cause.
// The cause is kept for logs and never rendered to clients.
func ProviderExchangeFailed(message string, err error) *Error {
	return Wrap(CodeProviderExchangeFailed, message, err)
}

// MissingEmail creates a missing email error.
func MissingEmail(message string) *Error {
	return New(CodeMissingEmail, message)
}

// InvalidState creates an invalid OAuth state error.
func InvalidState(message string) *Error {
	return New(CodeInvalidState, message)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *Error) HTTPStatusCode() int {
	switch e.Code {
	case CodeInvalidInput, CodeMissingEmail, CodeInvalidState, CodeWeakPassword:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeBadCredentials, CodeTokenExpired,
		CodeTokenInvalid, CodeWrongTokenType:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound, CodeUnknownProvider:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeProviderExchangeFailed:
		return http.StatusBadGateway
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCStatus returns the appropriate gRPC status for the error.
func (e *Error) GRPCStatus() *status.Status {
	var code codes.Code
	switch e.Code {
	case CodeInvalidInput, CodeMissingEmail, CodeInvalidState, CodeWeakPassword:
		code = codes.InvalidArgument
	case CodeUnauthorized, CodeBadCredentials, CodeTokenExpired,
		CodeTokenInvalid, CodeWrongTokenType:
		code = codes.Unauthenticated
	case CodeForbidden:
		code = codes.PermissionDenied
	case CodeNotFound, CodeUnknownProvider:
		code = codes.NotFound
	case CodeAlreadyExists:
		code = codes.AlreadyExists
	case CodeRateLimited:
		code = codes.ResourceExhausted
	case CodeProviderExchangeFailed, CodeUnavailable:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}

	return status.New(code, e.Message)
}

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, or CodeInternal if not found.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsInvalidOrExpiredToken reports whether err rejects a caller's token.
func IsInvalidOrExpiredToken(err error) bool {
	switch GetCode(err) {
	case CodeTokenInvalid, CodeTokenExpired, CodeWrongTokenType, CodeUnauthorized:
		return true
	default:
		return false
	}
}

// As converts err into an *Error, wrapping unknown errors as internal.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return InternalWrap("internal error", err)
}
