package expr

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the runtime type of a Value
type Kind int

const (
	NullKind Kind = iota
	NumberKind
	TextKind
	BooleanKind
	DateTimeKind
)

func (k Kind) String() string {
	switch k {
	case NumberKind:
		return "Number"
	case TextKind:
		return "Text"
	case BooleanKind:
		return "Boolean"
	case DateTimeKind:
		return "DateTime"
	default:
		return "Null"
	}
}

// Value is an immutable runtime value. The zero Value is null.
type Value struct {
	kind Kind
	num  float64
	text string
	b    bool
	t    time.Time
}

// Variables binds field names to values. The key "NOW()" overrides the clock.
type Variables map[string]Value

// NowOverrideKey is the variable name that replaces the wall clock for NOW().
const NowOverrideKey = "NOW()"

func NullValue() Value { return Value{} }
func NumberValue(f float64) Value { return Value{kind: NumberKind, num: f} }
func TextValue(s string) Value { return Value{kind: TextKind, text: s} }
func BoolValue(b bool) Value { return Value{kind: BooleanKind, b: b} }
func DateTimeValue(t time.Time) Value { return Value{kind: DateTimeKind, t: t.UTC()} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == NullKind }
func (v Value) Number() float64 { return v.num }
func (v Value) Text() string { return v.text }
func (v Value) Bool() bool { return v.b }
func (v Value) Time() time.Time { return v.t }

// dateTimeLayout renders instants the way ISO-8601 serializers do, with milliseconds.
const dateTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// String stringifies the value the way concatenation does.
func (v Value) String() string {
	switch v.kind {
	case NumberKind:
		return FormatNumber(v.num)
	case TextKind:
		return v.text
	case BooleanKind:
		return strconv.FormatBool(v.b)
	case DateTimeKind:
		return v.t.Format(dateTimeLayout)
	default:
		return "null"
	}
}

// MarshalJSON encodes numbers, text and booleans natively, dates as ISO-8601
// text, and non-finite numbers as their textual form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case NumberKind:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return json.Marshal(FormatNumber(v.num))
		}
		return json.Marshal(v.num)
	case TextKind:
		return json.Marshal(v.text)
	case BooleanKind:
		return json.Marshal(v.b)
	case DateTimeKind:
		return json.Marshal(v.t.Format(dateTimeLayout))
	default:
		return []byte("null"), nil
	}
}

// ValueOf converts a decoded JSON or native Go value into a Value.
func ValueOf(x interface{}) Value {
	switch v := x.(type) {
	case nil:
		return NullValue()
	case Value:
		return v
	case string:
		return TextValue(v)
	case bool:
		return BoolValue(v)
	case float64:
		return NumberValue(v)
	case float32:
		return NumberValue(float64(v))
	case int:
		return NumberValue(float64(v))
	case int64:
		return NumberValue(float64(v))
	case int32:
		return NumberValue(float64(v))
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return NumberValue(f)
		}
		return TextValue(v.String())
	case time.Time:
		return DateTimeValue(v)
	case *time.Time:
		if v == nil {
			return NullValue()
		}
		return DateTimeValue(*v)
	default:
		return NullValue()
	}
}

// FormatNumber renders a float the way the formula language prints numbers:
// integers without a fraction, shortest round-trip digits otherwise.
func FormatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		// Go pads exponents to two digits; the formula language does not.
		s = strings.Replace(s, "e+0", "e+", 1)
		s = strings.Replace(s, "e-0", "e-", 1)
		return s
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

var (
	numericPrefix = regexp.MustCompile(`^[+-]?(Infinity|\d+\.?\d*(?:[eE][+-]?\d+)?|\.\d+(?:[eE][+-]?\d+)?)`)
	integerPrefix = regexp.MustCompile(`^[+-]?\d+`)
)

// parseNumericPrefix parses the longest numeric prefix of s after leading
// whitespace. It fails when s does not start with a number.
func parseNumericPrefix(s string) (float64, bool) {
	m := numericPrefix.FindString(strings.TrimLeft(s, " \t\n\r\v\f"))
	if m == "" {
		return 0, false
	}
	switch m {
	case "Infinity", "+Infinity":
		return math.Inf(1), true
	case "-Infinity":
		return math.Inf(-1), true
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); !ok || ne.Err != strconv.ErrRange {
			return 0, false
		}
	}
	return f, true
}

// parseNumber converts a value to a number, failing for anything that has no
// numeric reading: null, booleans, dates and non-numeric text.
func parseNumber(v Value) (float64, bool) {
	switch v.kind {
	case NumberKind:
		return v.num, !math.IsNaN(v.num)
	case TextKind:
		return parseNumericPrefix(v.text)
	default:
		return 0, false
	}
}

// toNumber is the arithmetic coercion: anything without a numeric reading is 0.
func toNumber(v Value) float64 {
	f, ok := parseNumber(v)
	if !ok || math.IsNaN(f) {
		return 0
	}
	return f
}

// parseInteger reads a whole number, truncating numbers and taking the leading
// digits of text.
func parseInteger(v Value) (int, bool) {
	switch v.kind {
	case NumberKind:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return 0, false
		}
		return int(math.Trunc(v.num)), true
	case TextKind:
		m := integerPrefix.FindString(strings.TrimLeft(v.text, " \t\n\r\v\f"))
		if m == "" {
			return 0, false
		}
		n, err := strconv.Atoi(m)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Truthy applies the truthiness rule: nonzero numbers, non-empty text, true
// and any date/time are truthy; zero, NaN, empty text, false and null are not.
func Truthy(v Value) bool {
	switch v.kind {
	case NumberKind:
		return v.num != 0 && !math.IsNaN(v.num)
	case TextKind:
		return v.text != ""
	case BooleanKind:
		return v.b
	case DateTimeKind:
		return true
	default:
		return false
	}
}

// StrictEqual compares kind and payload; date/times compare by instant.
func StrictEqual(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case NumberKind:
		return a.num == b.num
	case TextKind:
		return a.text == b.text
	case BooleanKind:
		return a.b == b.b
	case DateTimeKind:
		return a.t.Equal(b.t)
	default:
		return true
	}
}

// dateLayouts are the accepted textual date and date/time forms, tried in order.
// Values without a zone are read as UTC.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/1/2",
	"1/2/2006",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	time.RFC1123,
	time.RFC1123Z,
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2 January 2006",
}

// ParseDate reads text as a date or date/time. Bare numbers are never dates.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// asDate returns the instant held by a date/time value or by date-parseable text.
func asDate(v Value) (time.Time, bool) {
	switch v.kind {
	case DateTimeKind:
		return v.t, true
	case TextKind:
		return ParseDate(v.text)
	default:
		return time.Time{}, false
	}
}

// textOrEmpty stringifies truthy values and maps falsy ones to "".
func textOrEmpty(v Value) string {
	if !Truthy(v) {
		return ""
	}
	return v.String()
}

// midnight truncates an instant to the start of its UTC day.
func midnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
