package expr

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrorKind classifies failures raised while lexing, parsing or evaluating a formula.
type ErrorKind int

const (
	KindLex ErrorKind = iota + 1
	KindUnbalancedParenthesis
	KindUnexpectedEndOfInput
	KindExpectedTokenKind
	KindUnexpectedToken
	KindNestingTooDeep
	KindUnsupportedFunction
	KindUnsupportedOperator
	KindArity
	KindNonNumericArgument
	KindDivisionByZero
	KindInvalidDateFormat
	KindInvalidDateComponent
	KindFormulaTooLong
)

// Sentinel errors, one per kind, for use with errors.Is.
var (
	ErrLex                   = errors.New("formula: unexpected character")
	ErrUnbalancedParenthesis = errors.New("formula: unbalanced parenthesis")
	ErrUnexpectedEndOfInput  = errors.New("formula: unexpected end of input")
	ErrExpectedTokenKind     = errors.New("formula: unexpected token kind")
	ErrUnexpectedToken       = errors.New("formula: unexpected token")
	ErrNestingTooDeep        = errors.New("formula: expression nested too deeply")
	ErrUnsupportedFunction   = errors.New("formula: unsupported function")
	ErrUnsupportedOperator   = errors.New("formula: unsupported operator")
	ErrArity                 = errors.New("formula: wrong number of arguments")
	ErrNonNumericArgument    = errors.New("formula: non-numeric argument")
	ErrDivisionByZero        = errors.New("formula: division by zero")
	ErrInvalidDateFormat     = errors.New("formula: invalid date format")
	ErrInvalidDateComponent  = errors.New("formula: invalid date component")
	ErrFormulaTooLong        = errors.New("formula: formula too long")

	errUnsupportedASTNodeType = errors.New("unsupported AST node type")
)

var kindSentinels = map[ErrorKind]error{
	KindLex:                   ErrLex,
	KindUnbalancedParenthesis: ErrUnbalancedParenthesis,
	KindUnexpectedEndOfInput:  ErrUnexpectedEndOfInput,
	KindExpectedTokenKind:     ErrExpectedTokenKind,
	KindUnexpectedToken:       ErrUnexpectedToken,
	KindNestingTooDeep:        ErrNestingTooDeep,
	KindUnsupportedFunction:   ErrUnsupportedFunction,
	KindUnsupportedOperator:   ErrUnsupportedOperator,
	KindArity:                 ErrArity,
	KindNonNumericArgument:    ErrNonNumericArgument,
	KindDivisionByZero:        ErrDivisionByZero,
	KindInvalidDateFormat:     ErrInvalidDateFormat,
	KindInvalidDateComponent:  ErrInvalidDateComponent,
	KindFormulaTooLong:        ErrFormulaTooLong,
}

var kindNames = map[ErrorKind]string{
	KindLex:                   "LexError",
	KindUnbalancedParenthesis: "UnbalancedParenthesis",
	KindUnexpectedEndOfInput:  "UnexpectedEndOfInput",
	KindExpectedTokenKind:     "ExpectedTokenKind",
	KindUnexpectedToken:       "UnexpectedToken",
	KindNestingTooDeep:        "NestingTooDeep",
	KindUnsupportedFunction:   "UnsupportedFunction",
	KindUnsupportedOperator:   "UnsupportedOperator",
	KindArity:                 "ArityError",
	KindNonNumericArgument:    "NonNumericArgument",
	KindDivisionByZero:        "DivisionByZero",
	KindInvalidDateFormat:     "InvalidDateFormat",
	KindInvalidDateComponent:  "InvalidDateComponent",
	KindFormulaTooLong:        "FormulaTooLong",
}

// String returns the taxonomy name of the kind, e.g. "ArityError".
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "ErrorKind(" + strconv.Itoa(int(k)) + ")"
}

// Error is the structured failure returned by every operation in this package.
//
// Pos is the 1-based character position of the offending input, or 0 when the
// failure has no source position (evaluation errors). Near holds up to ten
// characters of context on each side of Pos.
type Error struct {
	Kind ErrorKind
	Pos  int
	Near string
	// Name is the function or operator the error is about, if any.
	Name string
	Msg  string
}

func (e *Error) Error() string {
	if e.Near != "" {
		return fmt.Sprintf("%s. Near: '%s'", e.Msg, e.Near)
	}
	return e.Msg
}

// Is reports whether target is the sentinel error for e's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Position returns the 1-based character position of the error, or 0.
func (e *Error) Position() int {
	return e.Pos
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// arityError reports a function called with an unacceptable argument count.
func arityError(name, requirement string) *Error {
	return &Error{Kind: KindArity, Name: name, Msg: name + " requires " + requirement}
}

// nearWindow returns the input surrounding offset (0-based), ten characters each side.
func nearWindow(input []rune, offset int) string {
	start := offset - 10
	if start < 0 {
		start = 0
	}
	end := offset + 10
	if end > len(input) {
		end = len(input)
	}
	if start > end {
		return ""
	}
	return string(input[start:end])
}
