package expr

import (
	"testing"
	"time"
)

func TestAnnotate(t *testing.T) {
	samples := Variables{
		"Amount__c":   NumberValue(10),
		"Count__c":    TextValue("42"),
		"Name":        TextValue("Acme"),
		"Close__c":    TextValue("2024-01-01"),
		"Stamp__c":    TextValue("2024-01-01T10:00:00Z"),
		"Created__c":  DateTimeValue(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		"Empty__c":    TextValue(""),
		"Flag__c":     BoolValue(true),
		"Missing__c":  NullValue(),
		"Numeric__c":  TextValue("12abc"),
		"Sentence__c": TextValue("hello world"),
	}

	tests := []struct {
		input    string
		expected ResultType
	}{
		{"1", Number},
		{`"a"`, Text},
		{"NULL", Unknown},
		{"Amount__c", Number},
		{"Count__c", Number},
		{"Numeric__c", Number},
		{"Name", Text},
		{"Sentence__c", Text},
		{"Close__c", Date},
		{"Stamp__c", DateTime},
		{"Created__c", DateTime},
		{"Empty__c", Unknown},
		{"Flag__c", Unknown},
		{"Missing__c", Unknown},
		{"Unbound__c", Unknown},
		{"Amount__c > 0", Boolean},
		{"a && b", Boolean},
		{"Name + 1", Text},
		{"Close__c + 5", Date},
		{"5 + Stamp__c", DateTime},
		{"1 + 2", Number},
		{"Close__c - Stamp__c", Number},
		{"Stamp__c - 1", DateTime},
		{"1 - Close__c", Number},
		{"2 * 3", Number},
		{`IF(Amount__c > 0, "pos", "neg")`, Text},
		{"IF(x, 1, Close__c)", Date},
		{"IF(x, Unbound__c, 1)", Number},
		{`IF(x, "a")`, Text},
		{"IF(x)", Unknown},
		{`CONTAINS(Name, "A")`, Boolean},
		{`FIND("a", Name)`, Number},
		{"MID(Name, 1, 2)", Text},
		{"FLOOR(1)", Number},
		{`CASE(x, 1, "a", 2, "b", "c")`, Text},
		{"CASE(x, 1, 10, Close__c)", Date},
		{"AND(1)", Boolean},
		{"OR(1, 0)", Boolean},
		{"NOT(1)", Boolean},
		{`ISPICKVAL(x, "a")`, Boolean},
		{"ISBLANK(x)", Boolean},
		{"NOW()", DateTime},
		{"DATE(2024, 1, 1)", Date},
		{`DATEVALUE("2024-01-01")`, Date},
		{"now()", DateTime},
		{"UNKNOWN(1)", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			root := mustParse(t, tt.input)
			info := Annotate(root, samples)
			if got := info.Root(); got != tt.expected {
				t.Errorf("Annotate(%q) = %s, expected %s", tt.input, got, tt.expected)
			}
		})
	}
}

func TestAnnotate_EveryNodeTyped(t *testing.T) {
	root := mustParse(t, `IF(Amount__c > 0, "pos", "neg")`)
	info := Annotate(root, Variables{"Amount__c": NumberValue(5)})

	fn := root.(*FunctionCall)
	cond := fn.Args[0].(*BinaryOp)
	if got := info.TypeOf(cond); got != Boolean {
		t.Errorf("Condition type = %s, expected Boolean", got)
	}
	if got := info.TypeOf(cond.Left); got != Number {
		t.Errorf("Field type = %s, expected Number", got)
	}
	if got := info.TypeOf(fn.Args[1]); got != Text {
		t.Errorf("Branch type = %s, expected Text", got)
	}
	if got := info.TypeOf(field("Elsewhere")); got != Unknown {
		t.Errorf("Foreign node type = %s, expected Unknown", got)
	}
}

func TestAnnotate_IndependentSamples(t *testing.T) {
	root := mustParse(t, "X__c")

	asNumber := Annotate(root, Variables{"X__c": NumberValue(1)})
	asText := Annotate(root, Variables{"X__c": TextValue("abc")})

	if asNumber.Root() != Number {
		t.Errorf("First annotation = %s, expected Number", asNumber.Root())
	}
	if asText.Root() != Text {
		t.Errorf("Second annotation = %s, expected Text", asText.Root())
	}
}

func TestUnify(t *testing.T) {
	tests := []struct {
		a, b     ResultType
		expected ResultType
	}{
		{Number, Number, Number},
		{Text, Number, Text},
		{Boolean, Text, Text},
		{Date, Number, Date},
		{Number, DateTime, DateTime},
		{Unknown, Boolean, Boolean},
		{Date, Unknown, Date},
		{Boolean, Number, Unknown},
		{Date, DateTime, Unknown},
	}

	for _, tt := range tests {
		if got := Unify(tt.a, tt.b); got != tt.expected {
			t.Errorf("Unify(%s, %s) = %s, expected %s", tt.a, tt.b, got, tt.expected)
		}
	}
}
