package expr

// Node is a node of a formula syntax tree. The set of implementations is
// closed: *Literal, *Field, *FunctionCall and *BinaryOp.
type Node interface {
	astNode()
}

// Literal represents a constant value (number, text, boolean, null or date/time)
type Literal struct {
	Value Value
}

func (n *Literal) astNode() {}

// Field represents a reference to an externally supplied input value
type Field struct {
	Name string
}

func (n *Field) astNode() {}

// FunctionCall represents a call such as IF(cond, a, b)
type FunctionCall struct {
	Name string
	Args []Node
}

func (n *FunctionCall) astNode() {}

// BinaryOp represents an infix operation such as A + B or X <> Y
type BinaryOp struct {
	Operator string
	Left     Node
	Right    Node
}

func (n *BinaryOp) astNode() {}

// Equal reports whether two trees have the same shape, names, operators and
// literal values.
func Equal(a, b Node) bool {
	switch x := a.(type) {
	case *Literal:
		y, ok := b.(*Literal)
		return ok && x.Value.Kind() == y.Value.Kind() && StrictEqual(x.Value, y.Value)
	case *Field:
		y, ok := b.(*Field)
		return ok && x.Name == y.Name
	case *FunctionCall:
		y, ok := b.(*FunctionCall)
		if !ok || x.Name != y.Name || len(x.Args) != len(y.Args) {
			return false
		}
		for i := range x.Args {
			if !Equal(x.Args[i], y.Args[i]) {
				return false
			}
		}
		return true
	case *BinaryOp:
		y, ok := b.(*BinaryOp)
		return ok && x.Operator == y.Operator && Equal(x.Left, y.Left) && Equal(x.Right, y.Right)
	default:
		return false
	}
}
