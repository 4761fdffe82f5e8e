package expr

import (
	"strings"
)

// ResultType is the inferred value category of a node
type ResultType int

const (
	Unknown ResultType = iota
	Text
	Number
	Boolean
	Date
	DateTime
)

func (t ResultType) String() string {
	switch t {
	case Text:
		return "Text"
	case Number:
		return "Number"
	case Boolean:
		return "Boolean"
	case Date:
		return "Date"
	case DateTime:
		return "DateTime"
	default:
		return "Unknown"
	}
}

// MarshalText renders the type by name in JSON payloads.
func (t ResultType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t ResultType) dateLike() bool {
	return t == Date || t == DateTime
}

// TypeInfo maps the nodes of one tree to their inferred result types. The tree
// itself is never modified; annotating it again with other samples yields an
// independent TypeInfo.
type TypeInfo struct {
	root  Node
	types map[Node]ResultType
}

// TypeOf returns the inferred type of node, or Unknown for nodes outside the
// annotated tree.
func (ti *TypeInfo) TypeOf(node Node) ResultType {
	if ti == nil {
		return Unknown
	}
	return ti.types[node]
}

// Root returns the inferred type of the annotated tree's root.
func (ti *TypeInfo) Root() ResultType {
	return ti.TypeOf(ti.root)
}

// Annotate infers a result type for every node of root bottom-up, using samples
// to classify fields. Inference is best-effort and never fails.
func Annotate(root Node, samples Variables) *TypeInfo {
	ti := &TypeInfo{root: root, types: make(map[Node]ResultType)}
	ti.infer(root, samples)
	return ti
}

func (ti *TypeInfo) infer(node Node, samples Variables) ResultType {
	var t ResultType
	switch n := node.(type) {
	case *Literal:
		t = literalType(n.Value)
	case *Field:
		t = sampleType(samples[n.Name])
	case *BinaryOp:
		t = binaryType(n.Operator, ti.infer(n.Left, samples), ti.infer(n.Right, samples))
	case *FunctionCall:
		argTypes := make([]ResultType, len(n.Args))
		for i, arg := range n.Args {
			argTypes[i] = ti.infer(arg, samples)
		}
		t = functionReturnType(n.Name, argTypes)
	default:
		return Unknown
	}
	ti.types[node] = t
	return t
}

func literalType(v Value) ResultType {
	switch v.Kind() {
	case NumberKind:
		return Number
	case TextKind:
		return Text
	case DateTimeKind:
		return DateTime
	default:
		return Unknown
	}
}

// sampleType classifies a sample field value. Date-parseable text containing a
// 'T' separator is a DateTime, other date text is a Date.
func sampleType(v Value) ResultType {
	switch v.Kind() {
	case NumberKind:
		return Number
	case DateTimeKind:
		return DateTime
	case TextKind:
		if v.Text() == "" {
			return Unknown
		}
		if _, ok := ParseDate(v.Text()); ok {
			if strings.Contains(v.Text(), "T") {
				return DateTime
			}
			return Date
		}
		if _, ok := parseNumericPrefix(v.Text()); ok {
			return Number
		}
		return Text
	default:
		return Unknown
	}
}

func binaryType(op string, left, right ResultType) ResultType {
	switch op {
	case "&&", "||", "=", "!=", "<>", "<", ">", "<=", ">=":
		return Boolean
	case "+":
		switch {
		case left == Text || right == Text:
			return Text
		case left.dateLike() && right == Number:
			return left
		case left == Number && right.dateLike():
			return right
		default:
			return Number
		}
	case "-":
		switch {
		case left.dateLike() && right.dateLike():
			return Number
		case left.dateLike() && right == Number:
			return left
		default:
			return Number
		}
	case "*", "/":
		return Number
	default:
		return Unknown
	}
}

// Unify combines the types of alternative branches.
func Unify(a, b ResultType) ResultType {
	switch {
	case a == b:
		return a
	case a == Text || b == Text:
		return Text
	case a.dateLike() && b == Number:
		return a
	case a == Number && b.dateLike():
		return b
	case a == Unknown:
		return b
	case b == Unknown:
		return a
	default:
		return Unknown
	}
}

func functionReturnType(name string, args []ResultType) ResultType {
	switch strings.ToUpper(name) {
	case "IF":
		// Missing branches unify as Unknown.
		switch len(args) {
		case 0, 1:
			return Unknown
		case 2:
			return args[1]
		default:
			return Unify(args[1], args[2])
		}
	case "CASE":
		// CASE(expr, v1, r1, v2, r2, ..., default)
		if len(args) < 3 {
			return Unknown
		}
		t := Unknown
		for i := 2; i < len(args); i += 2 {
			t = Unify(t, args[i])
		}
		if (len(args)-1)%2 == 1 {
			t = Unify(t, args[len(args)-1])
		}
		return t
	case "CONTAINS", "AND", "OR", "NOT", "ISPICKVAL", "ISBLANK":
		return Boolean
	case "FIND", "FLOOR":
		return Number
	case "MID":
		return Text
	case "NOW":
		return DateTime
	case "DATE", "DATEVALUE":
		return Date
	default:
		return Unknown
	}
}
