// Package apexgen renders calculation steps as a single anonymous Apex script
// that evaluates every step remotely and tags each result with a debug marker.
package apexgen

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nlstn/go-formula/internal/expr"
	"github.com/shopspring/decimal"
)

// DefaultSObject is the record type used when none (or an invalid one) is given.
const DefaultSObject = "Account"

// MarkerPrefix starts every result line written by the generated script.
const MarkerPrefix = "SFDBG"

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	dateOnlyPattern   = regexp.MustCompile(`^\d{1,2}/\d{1,2}/\d{4}$`)
	booleanPattern    = regexp.MustCompile(`(?i)^(true|false)$`)

	apexEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\r", "", "\n", `\n`)
)

// returnTypes maps inferred result types to FormulaEval.FormulaReturnType members.
var returnTypes = map[expr.ResultType]string{
	expr.Number:   "Decimal",
	expr.Boolean:  "Boolean",
	expr.Text:     "String",
	expr.Date:     "Date",
	expr.DateTime: "DateTime",
}

// Request describes one remote run.
type Request struct {
	// Steps are evaluated in order; step i is tagged with index i+1.
	Steps []expr.Step
	// Types supplies the return type for each step node. May be nil.
	Types *expr.TypeInfo
	// Values holds sample values for the referenced variables.
	Values expr.Variables
	// Variables lists the referenced variables, as returned by expr.ExtractVariables.
	Variables []string
	SObject   string
	RunID     string
}

// Build renders the anonymous Apex script for req.
func Build(req Request) string {
	sobject := req.SObject
	if !ValidSObject(sobject) {
		sobject = DefaultSObject
	}

	var assignments []string
	for _, name := range req.Variables {
		if name == expr.NowOverrideKey || !identifierPattern.MatchString(name) {
			continue
		}
		if lit, ok := Literal(req.Values[name]); ok {
			assignments = append(assignments, name+" = "+lit)
		}
	}

	var b strings.Builder
	b.WriteString("FormulaEval.FormulaBuilder builder = Formula.builder();\n")
	b.WriteString("FormulaEval.FormulaInstance ff;\n")
	fmt.Fprintf(&b, "%s obj = new %s(%s);", sobject, sobject, strings.Join(assignments, ", "))

	for i, step := range req.Steps {
		b.WriteString("\nff = builder\n")
		fmt.Fprintf(&b, "    .withFormula('%s')\n", Escape(step.Expression))
		fmt.Fprintf(&b, "    .withType(%s.class)\n", sobject)
		fmt.Fprintf(&b, "    .withReturnType(FormulaEval.FormulaReturnType.%s)\n", ReturnType(req.Types.TypeOf(step.Node)))
		b.WriteString("    .build();\n")
		fmt.Fprintf(&b, "System.debug('%s|%s|%d|' + String.valueOf(ff.evaluate(obj)));", MarkerPrefix, Escape(req.RunID), i+1)
	}
	return b.String()
}

// ValidSObject reports whether name can be used as an SObject type name.
func ValidSObject(name string) bool {
	return identifierPattern.MatchString(name)
}

// ReturnType returns the FormulaReturnType member for t. Unknown maps to Decimal.
func ReturnType(t expr.ResultType) string {
	if rt, ok := returnTypes[t]; ok {
		return rt
	}
	return "Decimal"
}

// Escape makes s safe inside a single-quoted Apex string literal.
func Escape(s string) string {
	return apexEscaper.Replace(s)
}

// Literal renders a sample value as an Apex field initializer.
// Null and blank values report false and are left unassigned.
func Literal(v expr.Value) (string, bool) {
	switch v.Kind() {
	case expr.NullKind:
		return "", false
	case expr.BooleanKind:
		return strconv.FormatBool(v.Bool()), true
	case expr.NumberKind:
		if math.IsNaN(v.Number()) || math.IsInf(v.Number(), 0) {
			return "'" + Escape(v.String()) + "'", true
		}
		return decimal.NewFromFloat(v.Number()).String(), true
	case expr.DateTimeKind:
		return dateTimeLiteral(v.Time().UTC()), true
	}

	s := strings.TrimSpace(v.Text())
	if s == "" {
		return "", false
	}
	if booleanPattern.MatchString(s) {
		return strings.ToLower(s), true
	}
	if d, err := decimal.NewFromString(s); err == nil {
		return d.String(), true
	}
	if t, ok := expr.ParseDate(s); ok {
		if dateOnlyPattern.MatchString(s) {
			return fmt.Sprintf("Date.newInstance(%d, %d, %d)", t.Year(), int(t.Month()), t.Day()), true
		}
		return dateTimeLiteral(t), true
	}
	return "'" + Escape(s) + "'", true
}

func dateTimeLiteral(t time.Time) string {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	return fmt.Sprintf("DateTime.newInstanceGMT(%d, %d, %d, %d, %d, %d)", y, int(m), d, hh, mm, ss)
}
