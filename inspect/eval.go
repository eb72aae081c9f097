package inspect

import (
	"github.com/fleetlab/vantage/schema"
)

// evalContext is what an expression evaluation may read: the engine's signal
// state and the custom function registry. Evaluation happens exclusively on
// the engine goroutine, so no locking is involved.
type evalContext struct {
	engine       *Engine
	invocationID uint64
}

// evaluate computes the subtree at |root| of |arena|. Undefined operands
// propagate: comparisons against undefined yield undefined, while logical
// and/or treat undefined as falsey without erroring.
func (c *evalContext) evaluate(arena *schema.ExprArena, root int) schema.Value {
	var node = arena.Node(root)

	switch node.Kind {
	case schema.NodeLiteral:
		return node.Literal

	case schema.NodeSignal:
		return c.engine.latestValue(node.Signal)

	case schema.NodeWindow:
		var state, ok = c.engine.signals[node.Signal]
		if !ok || state.spec.FixedWindowMs != node.WindowMs {
			return schema.UndefinedValue
		}
		return state.window(node.Fn)

	case schema.NodeUnary:
		var child = c.evaluate(arena, node.Left)
		if node.Op == schema.OpIsNull {
			return schema.Bool(child.IsUndefined())
		}
		// OpNot.
		if b, ok := child.AsBool(); ok {
			return schema.Bool(!b)
		}
		return schema.UndefinedValue

	case schema.NodeBinary:
		return c.evaluateBinary(arena, node)

	case schema.NodeCall:
		var args = make([]schema.Value, 0, len(node.Args))
		for _, argRoot := range node.Args {
			args = append(args, c.evaluate(arena, argRoot))
		}
		return c.engine.registry.invoke(node.CallName, c.invocationID, args)

	default:
		return schema.UndefinedValue
	}
}

func (c *evalContext) evaluateBinary(arena *schema.ExprArena, node *schema.ExprNode) schema.Value {
	// Logical operators short-circuit and coerce undefined to false.
	if node.Op.IsLogical() {
		var left, _ = c.evaluate(arena, node.Left).AsBool()
		if node.Op == schema.OpAnd && !left {
			return schema.Bool(false)
		}
		if node.Op == schema.OpOr && left {
			return schema.Bool(true)
		}
		var right, _ = c.evaluate(arena, node.Right).AsBool()
		return schema.Bool(right)
	}

	var left = c.evaluate(arena, node.Left)
	var right = c.evaluate(arena, node.Right)

	switch node.Op {
	case schema.OpEq, schema.OpNe:
		if left.IsUndefined() || right.IsUndefined() {
			return schema.UndefinedValue
		}
		var eq = left.Equal(right)
		if node.Op == schema.OpNe {
			eq = !eq
		}
		return schema.Bool(eq)
	}

	var a, okA = left.AsNum()
	var b, okB = right.AsNum()
	if !okA || !okB {
		return schema.UndefinedValue
	}

	switch node.Op {
	case schema.OpAdd:
		return schema.Num(a + b)
	case schema.OpSub:
		return schema.Num(a - b)
	case schema.OpMul:
		return schema.Num(a * b)
	case schema.OpDiv:
		if b == 0 {
			return schema.UndefinedValue
		}
		return schema.Num(a / b)
	case schema.OpGt:
		return schema.Bool(a > b)
	case schema.OpGe:
		return schema.Bool(a >= b)
	case schema.OpLt:
		return schema.Bool(a < b)
	case schema.OpLe:
		return schema.Bool(a <= b)
	default:
		return schema.UndefinedValue
	}
}
