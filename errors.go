package formula

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nlstn/go-formula/internal/expr"
)

// Formula errors. Every error returned by Parse, Calculate and the step
// operations matches exactly one of these with errors.Is.
var (
	ErrLex                   = expr.ErrLex
	ErrUnbalancedParenthesis = expr.ErrUnbalancedParenthesis
	ErrUnexpectedEndOfInput  = expr.ErrUnexpectedEndOfInput
	ErrExpectedTokenKind     = expr.ErrExpectedTokenKind
	ErrUnexpectedToken       = expr.ErrUnexpectedToken
	ErrNestingTooDeep        = expr.ErrNestingTooDeep
	ErrUnsupportedFunction   = expr.ErrUnsupportedFunction
	ErrUnsupportedOperator   = expr.ErrUnsupportedOperator
	ErrArity                 = expr.ErrArity
	ErrNonNumericArgument    = expr.ErrNonNumericArgument
	ErrDivisionByZero        = expr.ErrDivisionByZero
	ErrInvalidDateFormat     = expr.ErrInvalidDateFormat
	ErrInvalidDateComponent  = expr.ErrInvalidDateComponent
	ErrFormulaTooLong        = expr.ErrFormulaTooLong
)

// Service errors returned by Engine.
var (
	// ErrRunNotFound indicates the requested remote run does not exist.
	// Maps to HTTP 404 Not Found.
	ErrRunNotFound = errors.New("formula: run not found")

	// ErrRemoteUnavailable indicates no remote executor or run store is configured.
	// Maps to HTTP 503 Service Unavailable.
	ErrRemoteUnavailable = errors.New("formula: remote execution unavailable")

	// ErrValidation indicates the request data failed validation.
	// Maps to HTTP 400 Bad Request.
	ErrValidation = errors.New("formula: validation error")
)

// ExprError is the structured error carrying the kind and source position of
// a formula failure.
type ExprError = expr.Error

// ErrorKind classifies formula failures.
type ErrorKind = expr.ErrorKind

// ErrorCode is the machine-readable code written in HTTP error responses.
type ErrorCode string

const (
	ErrorCodeBadRequest         ErrorCode = "BadRequest"
	ErrorCodeNotFound           ErrorCode = "NotFound"
	ErrorCodeMethodNotAllowed   ErrorCode = "MethodNotAllowed"
	ErrorCodeServiceUnavailable ErrorCode = "ServiceUnavailable"
	ErrorCodeBadGateway         ErrorCode = "BadGateway"
	ErrorCodeInternalServer     ErrorCode = "InternalServerError"
)

// Error is a service error with an HTTP status. Formula errors keep their
// own kind name as Code; see ErrorKindName.
type Error struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	Code    ErrorCode
	Message string

	// Target optionally names the request member that caused the error,
	// such as "formula" or "variables".
	Target string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap implements error unwrapping for errors.Is() and errors.As().
func (e *Error) Unwrap() error {
	return e.Err
}

// MapErrorToHTTPStatus returns the HTTP status code for err.
func MapErrorToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.StatusCode
	}

	var exprErr *ExprError
	if errors.As(err, &exprErr) {
		return http.StatusBadRequest
	}

	switch {
	case errors.Is(err, ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrRemoteUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorKindName returns the kind name of a formula error, such as
// "DivisionByZero", or "" when err is not one.
func ErrorKindName(err error) string {
	var exprErr *ExprError
	if errors.As(err, &exprErr) {
		return exprErr.Kind.String()
	}
	return ""
}

// Caret renders the source line holding the position of err with a "^"
// under the offending character. It returns "" when err carries no position.
func Caret(source string, err error) string {
	var exprErr *ExprError
	if !errors.As(err, &exprErr) || exprErr.Position() <= 0 {
		return ""
	}

	runes := []rune(source)
	offset := exprErr.Position() - 1
	if offset > len(runes) {
		offset = len(runes)
	}

	start := offset
	for start > 0 && runes[start-1] != '\n' {
		start--
	}
	end := offset
	for end < len(runes) && runes[end] != '\n' && runes[end] != '\r' {
		end++
	}

	var b strings.Builder
	b.WriteString(string(runes[start:end]))
	b.WriteByte('\n')
	for _, r := range runes[start:offset] {
		if r == '\t' {
			b.WriteByte('\t')
		} else {
			b.WriteByte(' ')
		}
	}
	b.WriteByte('^')
	return b.String()
}
