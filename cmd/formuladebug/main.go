// Command formuladebug is an interactive formula debugger. It evaluates
// formulas step by step against variables set in the session.
//
//	formuladebug                      start the interactive session
//	formuladebug -e 'FLOOR(x) + 1' -var x=2.5
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	formula "github.com/nlstn/go-formula"
)

const (
	historyFile = ".formula_history"
	promptMain  = "formula> "
	promptCont  = "     ... "
	banner      = "Formula debugger. Ctrl+C cancels input, Ctrl+D exits. Type :help for commands."
)

type varFlags []string

func (v *varFlags) String() string { return strings.Join(*v, ",") }

func (v *varFlags) Set(s string) error {
	if !strings.Contains(s, "=") {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	*v = append(*v, s)
	return nil
}

func main() {
	var (
		evalStr string
		vars    varFlags
		verbose bool
	)
	flag.StringVar(&evalStr, "e", "", "evaluate the given formula and exit")
	flag.Var(&vars, "var", "set a variable as name=value (repeatable)")
	flag.BoolVar(&verbose, "v", false, "log engine activity to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	engine := formula.NewEngine()
	engine.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	s := newSession(engine, os.Stdout)
	for _, kv := range vars {
		name, value, _ := strings.Cut(kv, "=")
		s.vars[name] = parseValue(value)
	}

	if evalStr != "" {
		os.Exit(runOnce(s, evalStr))
	}
	os.Exit(runREPL(s))
}

func runOnce(s *session, source string) int {
	if !s.evaluate(context.Background(), source) {
		return 1
	}
	return 0
}

func runREPL(s *session) int {
	fmt.Fprintln(s.out, banner)

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}

	ctx := context.Background()
	for {
		source, ok := readFormula(ln)
		if !ok {
			fmt.Fprintln(s.out)
			break
		}
		if strings.TrimSpace(source) == "" {
			continue
		}
		ln.AppendHistory(strings.ReplaceAll(source, "\n", " "))
		if s.handle(ctx, source) {
			break
		}
	}

	if f, err := os.Create(histPath); err == nil {
		_, _ = ln.WriteHistory(f)
		_ = f.Close()
	}
	return 0
}

// readFormula reads lines until they form a complete formula, a command, or
// input the parser rejects for a reason more lines cannot fix. An empty
// continuation line ends the input early.
func readFormula(ln *liner.State) (string, bool) {
	var b strings.Builder
	for {
		prompt := promptMain
		if b.Len() > 0 {
			prompt = promptCont
		}
		line, err := ln.Prompt(prompt)
		if errors.Is(err, io.EOF) {
			return "", false
		}
		if err != nil {
			// Ctrl+C drops the pending input.
			return "", true
		}

		if b.Len() == 0 && strings.HasPrefix(strings.TrimSpace(line), ":") {
			return line, true
		}
		if b.Len() > 0 {
			if strings.TrimSpace(line) == "" {
				return b.String(), true
			}
			b.WriteByte('\n')
		}
		b.WriteString(line)

		source := b.String()
		if _, err := formula.Parse(source); err != nil && incomplete(source, err) {
			continue
		}
		return source, true
	}
}
