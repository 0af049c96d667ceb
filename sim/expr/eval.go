package expr

import (
	"math"
)

type node interface {
	eval(vars map[string]float64) (float64, error)
	collect(refs map[string]struct{})
}

type numberNode float64

func (n numberNode) eval(map[string]float64) (float64, error) { return float64(n), nil }
func (n numberNode) collect(map[string]struct{})               {}

type identNode struct {
	name string
	pos  int
}

func (n *identNode) eval(vars map[string]float64) (float64, error) {
	if v, ok := vars[n.name]; ok {
		return finite(v, n.pos, "variable "+n.name)
	}
	if v, ok := constants[n.name]; ok {
		return v, nil
	}
	return 0, newError(n.pos, "unknown name %q", n.name)
}

func (n *identNode) collect(refs map[string]struct{}) { refs[n.name] = struct{}{} }

type unaryNode struct {
	neg bool
	x   node
}

func (n *unaryNode) eval(vars map[string]float64) (float64, error) {
	v, err := n.x.eval(vars)
	if err != nil {
		return 0, err
	}
	if n.neg {
		return -v, nil
	}
	return v, nil
}

func (n *unaryNode) collect(refs map[string]struct{}) { n.x.collect(refs) }

type binaryNode struct {
	op          tokenKind
	left, right node
	pos         int
}

func (n *binaryNode) eval(vars map[string]float64) (float64, error) {
	l, err := n.left.eval(vars)
	if err != nil {
		return 0, err
	}
	r, err := n.right.eval(vars)
	if err != nil {
		return 0, err
	}
	var v float64
	switch n.op {
	case tokPlus:
		v = l + r
	case tokMinus:
		v = l - r
	case tokStar:
		v = l * r
	case tokSlash:
		if r == 0 {
			return 0, newError(n.pos, "division by zero")
		}
		v = l / r
	case tokPow:
		if l == 0 && r < 0 {
			return 0, newError(n.pos, "zero raised to a negative power")
		}
		v = math.Pow(l, r)
	default:
		return 0, newError(n.pos, "unsupported operator %s", n.op)
	}
	return finite(v, n.pos, n.op.String())
}

func (n *binaryNode) collect(refs map[string]struct{}) {
	n.left.collect(refs)
	n.right.collect(refs)
}

type callNode struct {
	name string
	fn   function
	arg  node
	pos  int
}

func (n *callNode) eval(vars map[string]float64) (float64, error) {
	x, err := n.arg.eval(vars)
	if err != nil {
		return 0, err
	}
	v, err := n.fn(x)
	if err != nil {
		return 0, newError(n.pos, "%v", err)
	}
	return finite(v, n.pos, n.name)
}

func (n *callNode) collect(refs map[string]struct{}) { n.arg.collect(refs) }

func finite(v float64, pos int, what string) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, newError(pos, "%s produced a non-finite value", what)
	}
	return v, nil
}
