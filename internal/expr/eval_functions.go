package expr

import (
	"math"
	"strings"
	"time"
)

// builtin describes one function of the formula library. Arity is checked
// before any argument is evaluated.
type builtin struct {
	minArgs int
	// maxArgs is -1 for variadic functions.
	maxArgs int
	// requirement completes "NAME requires ..." in arity errors.
	requirement string
	// even additionally requires an even argument count.
	even bool
	call func(e *Evaluator, args []Value, vars Variables) (Value, error)
}

var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"IF":        {3, 3, "exactly three arguments: condition, value if true, value if false", false, fnIf},
		"CONTAINS":  {2, 2, "exactly two arguments: text and substring", false, fnContains},
		"FIND":      {2, 3, "two or three arguments: substring, text and optional start", false, fnFind},
		"MID":       {3, 3, "exactly three arguments: text, start and length", false, fnMid},
		"FLOOR":     {1, 1, "exactly one argument", false, fnFloor},
		"CASE":      {4, -1, "an expression, at least one value-result pair, and a default value (even number of arguments)", true, fnCase},
		"AND":       {1, -1, "at least one argument", false, fnAnd},
		"OR":        {1, -1, "at least one argument", false, fnOr},
		"NOT":       {1, 1, "exactly one argument", false, fnNot},
		"ISPICKVAL": {2, 2, "exactly two arguments: field and value", false, fnIsPickVal},
		"ISBLANK":   {1, 1, "exactly one argument", false, fnIsBlank},
		"NOW":       {0, 0, "no arguments", false, fnNow},
		"DATEVALUE": {1, 1, "exactly one argument", false, fnDateValue},
		"DATE":      {3, 3, "exactly three arguments: year, month, day", false, fnDate},
	}
}

// IsSupportedFunction reports whether name (any letter case) is a library function.
func IsSupportedFunction(name string) bool {
	_, ok := builtins[strings.ToUpper(name)]
	return ok
}

func (b builtin) accepts(n int) bool {
	if n < b.minArgs || (b.maxArgs >= 0 && n > b.maxArgs) {
		return false
	}
	return !b.even || n%2 == 0
}

// callFunction evaluates a function call. Every argument is evaluated before
// the function runs, IF included, so an error in either branch fails the call.
func (e *Evaluator) callFunction(call *FunctionCall, vars Variables) (Value, error) {
	name := strings.ToUpper(call.Name)
	fn, ok := builtins[name]
	if !ok {
		return Value{}, &Error{Kind: KindUnsupportedFunction, Name: call.Name, Msg: "Unsupported function: " + call.Name}
	}
	if !fn.accepts(len(call.Args)) {
		return Value{}, arityError(name, fn.requirement)
	}

	args, err := e.evalArgs(call, vars)
	if err != nil {
		return Value{}, err
	}
	return fn.call(e, args, vars)
}

func fnIf(_ *Evaluator, args []Value, _ Variables) (Value, error) {
	if Truthy(args[0]) {
		return args[1], nil
	}
	return args[2], nil
}

func fnContains(_ *Evaluator, args []Value, _ Variables) (Value, error) {
	return BoolValue(strings.Contains(textOrEmpty(args[0]), textOrEmpty(args[1]))), nil
}

// fnFind returns the 1-based position of args[0] within args[1], searching from
// the optional 1-based start, or 0 when absent.
func fnFind(_ *Evaluator, args []Value, _ Variables) (Value, error) {
	text := []rune(textOrEmpty(args[1]))
	sub := []rune(textOrEmpty(args[0]))

	start := 0
	if len(args) == 3 && Truthy(args[2]) {
		// An unreadable start searches from the beginning.
		if n, ok := parseInteger(args[2]); ok {
			start = n - 1
		}
	}
	if start < 0 {
		start = 0
	}
	if start > len(text) {
		start = len(text)
	}

	if i := indexRunes(text[start:], sub); i >= 0 {
		return NumberValue(float64(start + i + 1)), nil
	}
	return NumberValue(0), nil
}

func indexRunes(haystack, needle []rune) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// fnMid extracts length characters of text starting at the 1-based start. A
// start before the first character counts back from the end.
func fnMid(_ *Evaluator, args []Value, _ Variables) (Value, error) {
	text := []rune(textOrEmpty(args[0]))

	start := 0
	if Truthy(args[1]) {
		n, ok := parseInteger(args[1])
		if !ok {
			return TextValue(""), nil
		}
		start = n - 1
	}
	length := 0
	if Truthy(args[2]) {
		n, ok := parseInteger(args[2])
		if !ok {
			return TextValue(""), nil
		}
		length = n
	}

	if start < 0 {
		start += len(text)
		if start < 0 {
			start = 0
		}
	}
	if start >= len(text) || length <= 0 {
		return TextValue(""), nil
	}
	end := start + length
	if end > len(text) {
		end = len(text)
	}
	return TextValue(string(text[start:end])), nil
}

func fnFloor(_ *Evaluator, args []Value, _ Variables) (Value, error) {
	n, ok := parseNumber(args[0])
	if !ok {
		return Value{}, &Error{Kind: KindNonNumericArgument, Name: "FLOOR", Msg: "FLOOR argument must be numeric"}
	}
	return NumberValue(math.Floor(n)), nil
}

// fnCase compares args[0] against each value of the value-result pairs and
// returns the first matching result, or the trailing default.
func fnCase(_ *Evaluator, args []Value, _ Variables) (Value, error) {
	subject := args[0]
	for i := 1; i < len(args)-1; i += 2 {
		if StrictEqual(subject, args[i]) {
			return args[i+1], nil
		}
	}
	return args[len(args)-1], nil
}

func fnAnd(_ *Evaluator, args []Value, _ Variables) (Value, error) {
	for _, arg := range args {
		if !Truthy(arg) {
			return BoolValue(false), nil
		}
	}
	return BoolValue(true), nil
}

func fnOr(_ *Evaluator, args []Value, _ Variables) (Value, error) {
	for _, arg := range args {
		if Truthy(arg) {
			return BoolValue(true), nil
		}
	}
	return BoolValue(false), nil
}

func fnNot(_ *Evaluator, args []Value, _ Variables) (Value, error) {
	return BoolValue(!Truthy(args[0])), nil
}

func fnIsPickVal(_ *Evaluator, args []Value, _ Variables) (Value, error) {
	return BoolValue(textOrEmpty(args[0]) == textOrEmpty(args[1])), nil
}

func fnIsBlank(_ *Evaluator, args []Value, _ Variables) (Value, error) {
	if args[0].IsNull() {
		return BoolValue(true), nil
	}
	return BoolValue(strings.TrimSpace(args[0].String()) == ""), nil
}

func fnNow(e *Evaluator, _ []Value, vars Variables) (Value, error) {
	return e.clock(vars)
}

// fnDateValue truncates a date/time or date text to midnight. Blank input
// yields null.
func fnDateValue(_ *Evaluator, args []Value, _ Variables) (Value, error) {
	arg := args[0]
	if arg.IsNull() || strings.TrimSpace(arg.String()) == "" {
		return NullValue(), nil
	}
	switch arg.Kind() {
	case DateTimeKind:
		return DateTimeValue(midnight(arg.Time())), nil
	case TextKind:
		t, ok := ParseDate(arg.Text())
		if !ok {
			return Value{}, &Error{Kind: KindInvalidDateFormat, Name: "DATEVALUE", Msg: "Invalid date format for DATEVALUE"}
		}
		return DateTimeValue(midnight(t)), nil
	default:
		return Value{}, &Error{Kind: KindInvalidDateFormat, Name: "DATEVALUE", Msg: "DATEVALUE argument must be a date/time or text"}
	}
}

// fnDate builds a date at midnight. The day is only range checked against
// 1..31, so DATE(2024, 2, 30) rolls over into March.
func fnDate(_ *Evaluator, args []Value, _ Variables) (Value, error) {
	var parts [3]int
	for i, arg := range args {
		n, ok := parseInteger(arg)
		if !ok {
			return Value{}, &Error{Kind: KindNonNumericArgument, Name: "DATE", Msg: "DATE arguments must be numeric"}
		}
		parts[i] = n
	}
	y, m, d := parts[0], parts[1], parts[2]
	if m < 1 || m > 12 {
		return Value{}, &Error{Kind: KindInvalidDateComponent, Name: "DATE", Msg: "DATE month must be between 1 and 12"}
	}
	if d < 1 || d > 31 {
		return Value{}, &Error{Kind: KindInvalidDateComponent, Name: "DATE", Msg: "DATE day must be between 1 and 31"}
	}
	return DateTimeValue(time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)), nil
}
