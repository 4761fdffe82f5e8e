// Package formula parses, types, evaluates and decomposes spreadsheet-style
// formulas such as
//
//	IF(Amount > 1000, FLOOR(Amount * 0.1), 0)
//
// Parse turns formula text into an immutable AST. AnnotateTypes infers the
// result type of every node from sample values, Calculate evaluates a tree
// against variable bindings, Rebuild renders it back to canonical text and
// ExtractCalculationSteps lists its distinct intermediate computations.
//
// Engine bundles these operations with a parse cache, logging, tracing,
// remote step execution and an HTTP API.
package formula

import (
	"time"

	"github.com/nlstn/go-formula/internal/expr"
)

// Node is a formula AST node. It is one of *Literal, *Field, *FunctionCall
// or *BinaryOp.
type Node = expr.Node

// AST node types.
type (
	Literal      = expr.Literal
	Field        = expr.Field
	FunctionCall = expr.FunctionCall
	BinaryOp     = expr.BinaryOp
)

// Value is a runtime value: null, number, text, boolean or date-time.
type Value = expr.Value

// Kind discriminates Values.
type Kind = expr.Kind

// Value kinds.
const (
	NullKind     = expr.NullKind
	NumberKind   = expr.NumberKind
	TextKind     = expr.TextKind
	BooleanKind  = expr.BooleanKind
	DateTimeKind = expr.DateTimeKind
)

// Variables binds field names to values.
type Variables = expr.Variables

// NowOverrideKey is the variable that, when bound, replaces the clock for NOW().
const NowOverrideKey = expr.NowOverrideKey

// ResultType is the inferred static type of a node.
type ResultType = expr.ResultType

// Result types.
const (
	TypeUnknown  = expr.Unknown
	TypeText     = expr.Text
	TypeNumber   = expr.Number
	TypeBoolean  = expr.Boolean
	TypeDate     = expr.Date
	TypeDateTime = expr.DateTime
)

// TypeInfo maps the nodes of one tree to their inferred types.
type TypeInfo = expr.TypeInfo

// Step is one distinct intermediate computation. Index is 1-based.
type Step = expr.Step

// Evaluator evaluates trees against an injectable clock.
type Evaluator = expr.Evaluator

// MaxNestingDepth bounds how deeply parentheses and function calls may nest.
const MaxNestingDepth = expr.MaxNestingDepth

// MaxFormulaLength bounds the canonical text of a formula, in characters.
const MaxFormulaLength = expr.MaxFormulaLength

// Null returns the null value.
func Null() Value { return expr.NullValue() }

// Number returns a numeric value.
func Number(f float64) Value { return expr.NumberValue(f) }

// Text returns a text value.
func Text(s string) Value { return expr.TextValue(s) }

// Boolean returns a boolean value.
func Boolean(b bool) Value { return expr.BoolValue(b) }

// DateTime returns a date-time value normalized to UTC.
func DateTime(t time.Time) Value { return expr.DateTimeValue(t) }

// ValueOf converts a Go value, typically decoded from JSON, into a Value.
func ValueOf(x interface{}) Value { return expr.ValueOf(x) }

// NewEvaluator creates an Evaluator using now as its clock.
// A nil now uses time.Now.
func NewEvaluator(now func() time.Time) *Evaluator {
	if now == nil {
		return expr.NewEvaluator()
	}
	return expr.NewEvaluator(expr.WithClock(now))
}

// Parse parses formula text into an AST.
func Parse(text string) (Node, error) {
	return expr.Parse(text)
}

// AnnotateTypes infers the result type of every node in root. Fields take
// their type from samples; root is not modified.
func AnnotateTypes(root Node, samples Variables) *TypeInfo {
	return expr.Annotate(root, samples)
}

// Calculate evaluates node against vars using the system clock.
func Calculate(node Node, vars Variables) (Value, error) {
	return expr.Calculate(node, vars)
}

// Rebuild renders node as canonical formula text.
func Rebuild(node Node) string {
	return expr.Rebuild(node)
}

// ExtractCalculationSteps lists the distinct function calls and binary
// operations of root in post-order.
func ExtractCalculationSteps(root Node) []Step {
	return expr.ExtractCalculationSteps(root)
}

// ExtractVariables lists the distinct field names referenced by root, in
// first-occurrence order. "NOW()" is included when root calls NOW.
func ExtractVariables(root Node) []string {
	return expr.ExtractVariables(root)
}

// Equal reports whether two trees have the same shape and payloads.
func Equal(a, b Node) bool {
	return expr.Equal(a, b)
}

// IsSupportedFunction reports whether name (any case) is a built-in function.
func IsSupportedFunction(name string) bool {
	return expr.IsSupportedFunction(name)
}

// StepResult is the outcome of evaluating one step.
type StepResult struct {
	Step  Step
	Value Value
	Err   error
}

// EvaluateSteps evaluates each step independently. A failing step records
// its error and the remaining steps still run.
func EvaluateSteps(steps []Step, vars Variables) []StepResult {
	return evaluateSteps(expr.NewEvaluator(), steps, vars)
}

func evaluateSteps(ev *Evaluator, steps []Step, vars Variables) []StepResult {
	results := make([]StepResult, len(steps))
	for i, step := range steps {
		value, err := ev.Calculate(step.Node, vars)
		results[i] = StepResult{Step: step, Value: value, Err: err}
	}
	return results
}
