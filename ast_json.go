package formula

import (
	"github.com/nlstn/go-formula/internal/expr"
	"github.com/nlstn/go-formula/internal/response"
)

// ASTJSON converts a tree into a JSON-marshalable value. Every object starts
// with its "type"; when types is non-nil each object also carries its
// inferred "resultType".
func ASTJSON(node Node, types *TypeInfo) interface{} {
	var om *response.OrderedMap
	switch n := node.(type) {
	case *expr.Literal:
		om = response.NewOrderedMap().Set("type", "Literal").Set("value", n.Value)
	case *expr.Field:
		om = response.NewOrderedMap().Set("type", "Field").Set("name", n.Name)
	case *expr.FunctionCall:
		args := make([]interface{}, len(n.Args))
		for i, arg := range n.Args {
			args[i] = ASTJSON(arg, types)
		}
		om = response.NewOrderedMap().Set("type", "FunctionCall").Set("name", n.Name).Set("args", args)
	case *expr.BinaryOp:
		om = response.NewOrderedMap().
			Set("type", "BinaryOp").
			Set("operator", n.Operator).
			Set("left", ASTJSON(n.Left, types)).
			Set("right", ASTJSON(n.Right, types))
	default:
		return nil
	}
	if types != nil {
		om.Set("resultType", types.TypeOf(node))
	}
	return om
}
