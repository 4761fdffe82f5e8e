package expr

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// msPerDay converts day counts to and from instants.
const msPerDay = 86400000

// Evaluator reduces syntax trees to values. The clock is its only impurity;
// every other result depends solely on the tree and the variables.
type Evaluator struct {
	now func() time.Time
}

// EvaluatorOption configures an Evaluator
type EvaluatorOption func(*Evaluator)

// WithClock sets the clock NOW() reads when no override variable is bound.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEvaluator creates an evaluator using the system clock unless overridden.
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultEvaluator = NewEvaluator()

// Calculate evaluates node with the system clock.
func Calculate(node Node, vars Variables) (Value, error) {
	return defaultEvaluator.Calculate(node, vars)
}

// Calculate evaluates node against vars. A nil map binds nothing.
func (e *Evaluator) Calculate(node Node, vars Variables) (Value, error) {
	switch n := node.(type) {
	case *Literal:
		return n.Value, nil
	case *Field:
		return lookupField(n.Name, vars), nil
	case *BinaryOp:
		left, err := e.Calculate(n.Left, vars)
		if err != nil {
			return Value{}, err
		}
		right, err := e.Calculate(n.Right, vars)
		if err != nil {
			return Value{}, err
		}
		return applyOperator(n.Operator, left, right)
	case *FunctionCall:
		return e.callFunction(n, vars)
	default:
		return Value{}, fmt.Errorf("%w: %T", errUnsupportedASTNodeType, node)
	}
}

// lookupField resolves a field. Missing fields are empty text; non-empty text
// that reads as a date becomes a date/time.
func lookupField(name string, vars Variables) Value {
	v, ok := vars[name]
	if !ok {
		return TextValue("")
	}
	if v.Kind() == TextKind && strings.TrimSpace(v.Text()) != "" {
		if t, ok := ParseDate(v.Text()); ok {
			return DateTimeValue(t)
		}
	}
	return v
}

// shiftDays moves t by a possibly fractional number of days, truncated to the
// millisecond.
func shiftDays(t time.Time, days float64) Value {
	ms := days * msPerDay
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return DateTimeValue(t)
	}
	return DateTimeValue(time.UnixMilli(t.UnixMilli() + int64(ms)))
}

func applyOperator(op string, left, right Value) (Value, error) {
	leftDate, leftIsDate := asDate(left)
	rightDate, rightIsDate := asDate(right)

	switch op {
	case "+":
		if left.Kind() == TextKind || right.Kind() == TextKind {
			return TextValue(left.String() + right.String()), nil
		}
		if leftIsDate && right.Kind() == NumberKind {
			return shiftDays(leftDate, right.Number()), nil
		}
		if left.Kind() == NumberKind && rightIsDate {
			return shiftDays(rightDate, left.Number()), nil
		}
		return NumberValue(toNumber(left) + toNumber(right)), nil
	case "-":
		if leftIsDate && rightIsDate {
			return NumberValue(float64(leftDate.UnixMilli()-rightDate.UnixMilli()) / msPerDay), nil
		}
		if leftIsDate && right.Kind() == NumberKind {
			return shiftDays(leftDate, -right.Number()), nil
		}
		return NumberValue(toNumber(left) - toNumber(right)), nil
	case "*":
		return NumberValue(toNumber(left) * toNumber(right)), nil
	case "/":
		divisor := toNumber(right)
		if divisor == 0 {
			return Value{}, &Error{Kind: KindDivisionByZero, Name: op, Msg: "Division by zero"}
		}
		return NumberValue(toNumber(left) / divisor), nil
	case "&&":
		return BoolValue(Truthy(left) && Truthy(right)), nil
	case "||":
		return BoolValue(Truthy(left) || Truthy(right)), nil
	case "=":
		if leftIsDate && rightIsDate {
			return BoolValue(leftDate.Equal(rightDate)), nil
		}
		return BoolValue(StrictEqual(left, right)), nil
	case "!=", "<>":
		if leftIsDate && rightIsDate {
			return BoolValue(!leftDate.Equal(rightDate)), nil
		}
		return BoolValue(!StrictEqual(left, right)), nil
	case "<", ">", "<=", ">=":
		if leftIsDate && rightIsDate {
			return BoolValue(compare(op, float64(leftDate.UnixMilli()), float64(rightDate.UnixMilli()))), nil
		}
		return BoolValue(compare(op, toNumber(left), toNumber(right))), nil
	default:
		return Value{}, &Error{Kind: KindUnsupportedOperator, Name: op, Msg: "Unsupported operator: " + op}
	}
}

func compare(op string, a, b float64) bool {
	switch op {
	case "<":
		return a < b
	case ">":
		return a > b
	case "<=":
		return a <= b
	default:
		return a >= b
	}
}

// evalArgs evaluates every argument of a call in order.
func (e *Evaluator) evalArgs(call *FunctionCall, vars Variables) ([]Value, error) {
	args := make([]Value, len(call.Args))
	for i, arg := range call.Args {
		v, err := e.Calculate(arg, vars)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// clock returns the instant NOW() evaluates to. A bound "NOW()" variable wins
// over the clock unless it is empty text.
func (e *Evaluator) clock(vars Variables) (Value, error) {
	override, ok := vars[NowOverrideKey]
	if !ok || override.IsNull() || (override.Kind() == TextKind && override.Text() == "") {
		return DateTimeValue(e.now()), nil
	}
	if t, ok := asDate(override); ok {
		return DateTimeValue(t), nil
	}
	return Value{}, &Error{Kind: KindInvalidDateFormat, Name: "NOW", Msg: "Invalid date format for NOW() test value"}
}
