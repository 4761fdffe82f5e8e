package apexgen

import (
	"strings"
	"testing"
	"time"

	"github.com/nlstn/go-formula/internal/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildFor(t *testing.T, formula string, values expr.Variables, sobject string) string {
	t.Helper()
	root, err := expr.Parse(formula)
	require.NoError(t, err)
	return Build(Request{
		Steps:     expr.ExtractCalculationSteps(root),
		Types:     expr.Annotate(root, values),
		Values:    values,
		Variables: expr.ExtractVariables(root),
		SObject:   sobject,
		RunID:     "run1",
	})
}

func TestBuild(t *testing.T) {
	script := buildFor(t, "a + FLOOR(b)", expr.Variables{
		"a": expr.NumberValue(1),
		"b": expr.TextValue("2.5"),
	}, "")

	want := strings.Join([]string{
		"FormulaEval.FormulaBuilder builder = Formula.builder();",
		"FormulaEval.FormulaInstance ff;",
		"Account obj = new Account(a = 1, b = 2.5);",
		"ff = builder",
		"    .withFormula('FLOOR(b)')",
		"    .withType(Account.class)",
		"    .withReturnType(FormulaEval.FormulaReturnType.Decimal)",
		"    .build();",
		"System.debug('SFDBG|run1|1|' + String.valueOf(ff.evaluate(obj)));",
		"ff = builder",
		"    .withFormula('a + FLOOR(b)')",
		"    .withType(Account.class)",
		"    .withReturnType(FormulaEval.FormulaReturnType.Decimal)",
		"    .build();",
		"System.debug('SFDBG|run1|2|' + String.valueOf(ff.evaluate(obj)));",
	}, "\n")
	assert.Equal(t, want, script)
}

func TestBuild_SObjectAndTypes(t *testing.T) {
	script := buildFor(t, `IF(CONTAINS(Name, "x"), Name + "!", "it's")`, expr.Variables{
		"Name": expr.TextValue("box"),
	}, "Opportunity")

	assert.Contains(t, script, "Opportunity obj = new Opportunity(Name = 'box');")
	assert.Contains(t, script, ".withType(Opportunity.class)")
	assert.Contains(t, script, "FormulaEval.FormulaReturnType.Boolean")
	assert.Contains(t, script, "FormulaEval.FormulaReturnType.String")
	assert.NotContains(t, script, "Account")
}

func TestBuild_InvalidSObjectFallsBack(t *testing.T) {
	script := buildFor(t, "1 + 2", nil, "Account; delete")
	assert.Contains(t, script, "Account obj = new Account();")
	assert.Contains(t, script, "System.debug('SFDBG|run1|1|'")
}

func TestBuild_SkipsNowAndBlankValues(t *testing.T) {
	script := buildFor(t, "NOW() - Start + Days", expr.Variables{
		"Start":            expr.TextValue("   "),
		"Days":             expr.NullValue(),
		expr.NowOverrideKey: expr.TextValue("2024-01-01"),
	}, "")

	assert.Contains(t, script, "Account obj = new Account();")
	assert.Contains(t, script, "FormulaEval.FormulaReturnType.DateTime")
}

func TestBuild_StepsKeepOrder(t *testing.T) {
	root, err := expr.Parse("FLOOR(x) * 2 + FLOOR(x)")
	require.NoError(t, err)
	steps := expr.ExtractCalculationSteps(root)

	script := Build(Request{Steps: steps, RunID: "r"})
	last := -1
	for _, step := range steps {
		idx := strings.Index(script, "withFormula('"+Escape(step.Expression)+"')")
		require.GreaterOrEqual(t, idx, 0, "step %d missing", step.Index)
		assert.Greater(t, idx, last, "step %d out of order", step.Index)
		last = idx
	}
}

func TestLiteral(t *testing.T) {
	tests := []struct {
		name  string
		value expr.Value
		want  string
		ok    bool
	}{
		{"null", expr.NullValue(), "", false},
		{"blank text", expr.TextValue("  "), "", false},
		{"boolean", expr.BoolValue(false), "false", true},
		{"boolean text", expr.TextValue("TRUE"), "true", true},
		{"number", expr.NumberValue(2.25), "2.25", true},
		{"integer", expr.NumberValue(42), "42", true},
		{"numeric text", expr.TextValue(" 42 "), "42", true},
		{"decimal text", expr.TextValue("1.50"), "1.5", true},
		{"not a number", expr.NumberValue(nan()), "'NaN'", true},
		{"date only", expr.TextValue("3/4/2024"), "Date.newInstance(2024, 3, 4)", true},
		{"iso date time", expr.TextValue("2024-03-04T05:06:07Z"), "DateTime.newInstanceGMT(2024, 3, 4, 5, 6, 7)", true},
		{"date time value", expr.DateTimeValue(time.Date(2023, 12, 31, 23, 0, 1, 0, time.UTC)), "DateTime.newInstanceGMT(2023, 12, 31, 23, 0, 1)", true},
		{"text", expr.TextValue("it's"), `'it\'s'`, true},
		{"multiline", expr.TextValue("a\r\nb"), `'a\nb'`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Literal(tt.value)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReturnType(t *testing.T) {
	assert.Equal(t, "Decimal", ReturnType(expr.Number))
	assert.Equal(t, "Decimal", ReturnType(expr.Unknown))
	assert.Equal(t, "String", ReturnType(expr.Text))
	assert.Equal(t, "Boolean", ReturnType(expr.Boolean))
	assert.Equal(t, "Date", ReturnType(expr.Date))
	assert.Equal(t, "DateTime", ReturnType(expr.DateTime))
}

func TestValidSObject(t *testing.T) {
	assert.True(t, ValidSObject("Account"))
	assert.True(t, ValidSObject("My_Object__c"))
	assert.False(t, ValidSObject(""))
	assert.False(t, ValidSObject("1Account"))
	assert.False(t, ValidSObject("Account; delete"))
}

func TestEscape(t *testing.T) {
	assert.Equal(t, `a\\b\'c\nd`, Escape("a\\b'c\r\nd"))
}

func nan() float64 {
	zero := 0.0
	return zero / zero
}
