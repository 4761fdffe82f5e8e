package expr

import (
	"strings"
)

// Step is one distinct intermediate computation of a formula. Index is 1-based
// and identifies the step to anything correlating results back to it.
type Step struct {
	Index      int
	Expression string
	Node       Node
}

// ExtractCalculationSteps lists every function call and binary operation of
// root in post-order, dropping any whose rendered text was already seen.
func ExtractCalculationSteps(root Node) []Step {
	var steps []Step
	seen := make(map[string]struct{})

	var visit func(Node)
	visit = func(node Node) {
		switch n := node.(type) {
		case *FunctionCall:
			for _, arg := range n.Args {
				visit(arg)
			}
		case *BinaryOp:
			visit(n.Left)
			visit(n.Right)
		default:
			return
		}

		text := Rebuild(node)
		if _, dup := seen[text]; dup {
			return
		}
		seen[text] = struct{}{}
		steps = append(steps, Step{Index: len(steps) + 1, Expression: text, Node: node})
	}

	if root != nil {
		visit(root)
	}
	return steps
}

// ExtractVariables returns the distinct field names of root in first-occurrence
// order. A NOW call contributes the "NOW()" override name.
func ExtractVariables(root Node) []string {
	var names []string
	seen := make(map[string]struct{})
	add := func(name string) {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}

	var visit func(Node)
	visit = func(node Node) {
		switch n := node.(type) {
		case *Field:
			add(n.Name)
		case *FunctionCall:
			if strings.EqualFold(n.Name, "NOW") {
				add(NowOverrideKey)
			}
			for _, arg := range n.Args {
				visit(arg)
			}
		case *BinaryOp:
			visit(n.Left)
			visit(n.Right)
		}
	}

	if root != nil {
		visit(root)
	}
	return names
}
