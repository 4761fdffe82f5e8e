package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	formula "github.com/nlstn/go-formula"
)

const helpText = `
Enter a formula to evaluate it step by step against the session variables.

Commands:
  :help              Show this help
  :quit / :exit      Exit
  :set <name> <json> Set a variable; values that are not JSON are taken as text
  :unset <name>      Remove a variable
  :vars              List the session variables
  :now <date>|clear  Pin or release the clock used by NOW()
  :analyze <formula> Show types, canonical form and steps without evaluating
  :reset             Remove all variables
`

// session is one debugging session: a set of variables formulas are
// evaluated against, and the engine that evaluates them.
type session struct {
	engine *formula.Engine
	vars   formula.Variables
	out    io.Writer
}

func newSession(engine *formula.Engine, out io.Writer) *session {
	return &session{engine: engine, vars: formula.Variables{}, out: out}
}

// handle runs one line of input and reports whether the session should end.
func (s *session) handle(ctx context.Context, line string) (exit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, ":") {
		s.evaluate(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
	switch strings.ToLower(fields[0]) {
	case ":help":
		fmt.Fprint(s.out, helpText)

	case ":quit", ":exit":
		return true

	case ":set":
		if len(fields) < 3 {
			fmt.Fprintln(s.out, "usage: :set <name> <value>")
			return false
		}
		name := fields[1]
		value := parseValue(strings.TrimSpace(strings.TrimPrefix(rest, name)))
		s.vars[name] = value
		fmt.Fprintf(s.out, "%s = %s\n", name, describe(value))

	case ":unset":
		if len(fields) != 2 {
			fmt.Fprintln(s.out, "usage: :unset <name>")
			return false
		}
		delete(s.vars, fields[1])

	case ":vars":
		s.printVars()

	case ":now":
		switch rest {
		case "":
			fmt.Fprintln(s.out, "usage: :now <date>|clear")
		case "clear":
			delete(s.vars, formula.NowOverrideKey)
			fmt.Fprintln(s.out, "NOW() follows the wall clock")
		default:
			s.vars[formula.NowOverrideKey] = formula.Text(rest)
			fmt.Fprintf(s.out, "NOW() pinned to %s\n", rest)
		}

	case ":analyze":
		if rest == "" {
			fmt.Fprintln(s.out, "usage: :analyze <formula>")
			return false
		}
		s.analyze(ctx, rest)

	case ":reset":
		s.vars = formula.Variables{}
		fmt.Fprintln(s.out, "variables cleared")

	default:
		fmt.Fprintln(s.out, "unknown command. Type :help for help.")
	}
	return false
}

// evaluate prints every step of source and its result. It reports whether
// the formula evaluated without error.
func (s *session) evaluate(ctx context.Context, source string) bool {
	eval, err := s.engine.Evaluate(ctx, source, s.vars)
	if err != nil {
		s.printError(source, err)
		return false
	}

	if len(eval.Steps) > 0 {
		tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
		for _, res := range eval.Steps {
			outcome := "error: "
			if res.Err != nil {
				outcome += res.Err.Error()
			} else {
				outcome = describe(res.Value)
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\n", res.Step.Index, res.Step.Expression, outcome)
		}
		_ = tw.Flush()
	}

	if eval.Err != nil {
		fmt.Fprintf(s.out, "=> error: %v\n", eval.Err)
		return false
	}
	fmt.Fprintf(s.out, "=> %s\n", describe(eval.Value))
	return true
}

func (s *session) analyze(ctx context.Context, source string) {
	analysis, err := s.engine.Analyze(ctx, source, s.vars)
	if err != nil {
		s.printError(source, err)
		return
	}

	fmt.Fprintf(s.out, "formula:   %s\n", analysis.Rebuilt)
	fmt.Fprintf(s.out, "type:      %s\n", analysis.ResultType())
	fmt.Fprintf(s.out, "variables: %s\n", strings.Join(analysis.Variables, ", "))
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	for _, step := range analysis.Steps {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", step.Index, step.Expression, analysis.Types.TypeOf(step.Node))
	}
	_ = tw.Flush()
}

func (s *session) printVars() {
	if len(s.vars) == 0 {
		fmt.Fprintln(s.out, "no variables set")
		return
	}
	names := make([]string, 0, len(s.vars))
	for name := range s.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(s.out, "%s = %s\n", name, describe(s.vars[name]))
	}
}

func (s *session) printError(source string, err error) {
	fmt.Fprintf(s.out, "error: %v\n", err)
	if caret := formula.Caret(source, err); caret != "" {
		fmt.Fprintln(s.out, caret)
	}
}

// parseValue reads a variable value: JSON scalars keep their type, anything
// else is text.
func parseValue(raw string) formula.Value {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil || dec.More() {
		return formula.Text(raw)
	}
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return formula.Text(raw)
	}
	return formula.ValueOf(v)
}

// describe renders a value with its kind, quoting text so "31" and 31 differ.
func describe(v formula.Value) string {
	if v.IsNull() {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v.String()
	}
	return fmt.Sprintf("%s (%s)", b, v.Kind())
}

// incomplete reports whether source is a formula that more input could
// finish: an operator or argument list still waiting for operands, or an
// unclosed parenthesis.
func incomplete(source string, err error) bool {
	switch {
	case errors.Is(err, formula.ErrUnexpectedEndOfInput):
		return true
	case errors.Is(err, formula.ErrUnbalancedParenthesis):
		return openParens(source) > 0
	default:
		return false
	}
}

// openParens counts parentheses left open in source, ignoring quoted text
// and comments.
func openParens(source string) int {
	runes := []rune(source)
	depth := 0
	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; {
		case r == '"' || r == '\'':
			end := indexRune(runes, i+1, r)
			if end < 0 {
				return depth
			}
			i = end
		case r == '/' && i+1 < len(runes) && runes[i+1] == '/':
			end := indexRune(runes, i+2, '\n')
			if end < 0 {
				return depth
			}
			i = end
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			end := i + 2
			for end+1 < len(runes) && !(runes[end] == '*' && runes[end+1] == '/') {
				end++
			}
			if end+1 >= len(runes) {
				return depth
			}
			i = end + 1
		case r == '(':
			depth++
		case r == ')':
			depth--
		}
	}
	return depth
}

func indexRune(runes []rune, from int, target rune) int {
	for i := from; i < len(runes); i++ {
		if runes[i] == target {
			return i
		}
	}
	return -1
}
