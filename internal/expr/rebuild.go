package expr

import (
	"strings"
)

// operatorPrecedence mirrors the parser's grammar levels, lowest first.
var operatorPrecedence = map[string]int{
	"&&": 1, "||": 1,
	"=": 2, "!=": 2, "<>": 2, "<": 2, ">": 2, "<=": 2, ">=": 2,
	"+": 3, "-": 3,
	"*": 4, "/": 4,
}

// Rebuild renders node back into formula text. Parentheses are added only
// where the tree shape would otherwise change on reparse, so for trees built by
// Parse, Parse(Rebuild(n)) is structurally equal to n.
func Rebuild(node Node) string {
	var b strings.Builder
	writeNode(&b, node)
	return b.String()
}

func writeNode(b *strings.Builder, node Node) {
	switch n := node.(type) {
	case *Literal:
		b.WriteString(literalText(n.Value))
	case *Field:
		b.WriteString(n.Name)
	case *FunctionCall:
		b.WriteString(n.Name)
		b.WriteByte('(')
		for i, arg := range n.Args {
			if i > 0 {
				b.WriteString(", ")
			}
			writeNode(b, arg)
		}
		b.WriteByte(')')
	case *BinaryOp:
		prec := operatorPrecedence[n.Operator]
		writeOperand(b, n.Left, prec, false)
		b.WriteByte(' ')
		b.WriteString(n.Operator)
		b.WriteByte(' ')
		writeOperand(b, n.Right, prec, true)
	}
}

// writeOperand parenthesizes a binary child that binds looser than its parent,
// or a right child that binds equally tight.
func writeOperand(b *strings.Builder, child Node, parentPrec int, right bool) {
	op, ok := child.(*BinaryOp)
	if !ok {
		writeNode(b, child)
		return
	}
	prec, known := operatorPrecedence[op.Operator]
	if known && (prec > parentPrec || (prec == parentPrec && !right)) {
		writeNode(b, child)
		return
	}
	b.WriteByte('(')
	writeNode(b, child)
	b.WriteByte(')')
}

func literalText(v Value) string {
	switch v.Kind() {
	case NullKind:
		return "null"
	case TextKind:
		return quoteText(v.Text())
	case DateTimeKind:
		return `"` + v.String() + `"`
	default:
		return v.String()
	}
}

// quoteText wraps s in double quotes, or in single quotes when s contains a
// double quote and no single quote. There is no escape syntax.
func quoteText(s string) string {
	if strings.Contains(s, `"`) && !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	return `"` + s + `"`
}
