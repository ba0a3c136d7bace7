package align

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// Expr is a node in a scalar expression tree over solver variables. Trees
// are immutable values: constructors fold constants and drop additive/
// multiplicative identities, so expressions stay compact as they compose.
// The external solver evaluates them and takes analytic partials without
// any geometric knowledge.
type Expr struct {
	op    exprOp
	value float64 // opConst
	index int     // opVar: global solver variable index
	left  *Expr
	right *Expr
}

type exprOp int

const (
	opConst exprOp = iota
	opVar
	opAdd
	opMul
)

// Constant returns a constant-valued expression
func Constant(v float64) *Expr {
	return &Expr{op: opConst, value: v}
}

// Variable returns an expression referencing the solver variable at the
// given global index
func Variable(index int) *Expr {
	return &Expr{op: opVar, index: index}
}

// Add returns a + b, folding constants
func Add(a, b *Expr) *Expr {
	if a.op == opConst && b.op == opConst {
		return Constant(a.value + b.value)
	}
	if a.op == opConst && a.value == 0 {
		return b
	}
	if b.op == opConst && b.value == 0 {
		return a
	}
	return &Expr{op: opAdd, left: a, right: b}
}

// Sub returns a - b
func Sub(a, b *Expr) *Expr {
	return Add(a, Mul(Constant(-1), b))
}

// Mul returns a * b, folding constants
func Mul(a, b *Expr) *Expr {
	if a.op == opConst && b.op == opConst {
		return Constant(a.value * b.value)
	}
	if a.op == opConst {
		if a.value == 0 {
			return Constant(0)
		}
		if a.value == 1 {
			return b
		}
	}
	if b.op == opConst {
		if b.value == 0 {
			return Constant(0)
		}
		if b.value == 1 {
			return a
		}
	}
	return &Expr{op: opMul, left: a, right: b}
}

// Eval evaluates the expression at the solver solution vector x. Variables
// beyond len(x) read as 0.
func (e *Expr) Eval(x []float64) float64 {
	switch e.op {
	case opConst:
		return e.value
	case opVar:
		if e.index >= len(x) {
			return 0
		}
		return x[e.index]
	case opAdd:
		return e.left.Eval(x) + e.right.Eval(x)
	case opMul:
		return e.left.Eval(x) * e.right.Eval(x)
	}
	panic("unreachable")
}

// Deriv returns the partial derivative with respect to the solver variable
// at the given global index, as a new expression tree.
func (e *Expr) Deriv(index int) *Expr {
	switch e.op {
	case opConst:
		return Constant(0)
	case opVar:
		if e.index == index {
			return Constant(1)
		}
		return Constant(0)
	case opAdd:
		return Add(e.left.Deriv(index), e.right.Deriv(index))
	case opMul:
		return Add(
			Mul(e.left.Deriv(index), e.right),
			Mul(e.left, e.right.Deriv(index)),
		)
	}
	panic("unreachable")
}

// Variables appends the distinct variable indices referenced by the
// expression to the given set.
func (e *Expr) Variables(set map[int]bool) {
	switch e.op {
	case opVar:
		set[e.index] = true
	case opAdd, opMul:
		e.left.Variables(set)
		e.right.Variables(set)
	}
}

// String renders the expression for debugging
func (e *Expr) String() string {
	var b strings.Builder
	e.write(&b)
	return b.String()
}

func (e *Expr) write(b *strings.Builder) {
	switch e.op {
	case opConst:
		fmt.Fprintf(b, "%g", e.value)
	case opVar:
		fmt.Fprintf(b, "x[%d]", e.index)
	case opAdd:
		b.WriteByte('(')
		e.left.write(b)
		b.WriteString(" + ")
		e.right.write(b)
		b.WriteByte(')')
	case opMul:
		b.WriteByte('(')
		e.left.write(b)
		b.WriteString(" * ")
		e.right.write(b)
		b.WriteByte(')')
	}
}

// PointExpr bundles the three coordinate expressions of a transformed point
// or vector.
type PointExpr struct {
	X, Y, Z *Expr
}

// Eval evaluates all three coordinates at the solution vector x
func (p PointExpr) Eval(x []float64) r3.Vec {
	return r3.Vec{X: p.X.Eval(x), Y: p.Y.Eval(x), Z: p.Z.Eval(x)}
}

// TransformedPointExpr builds symbolic expressions for the world
// coordinates of a local point after this shape's transform composed with
// every ancestor's transform up the hierarchy. Free DOFs appear as variable
// nodes at their assigned global indices; fixed DOFs as constants. The
// shape's variables act as a small (linearized) delta on top of the current
// transform, matching UpdateVariableValues: evaluating the expressions at
// the zero vector reproduces the current composed position exactly.
//
// When a shape on the way up has multiple parents the chain follows
// Parent(0); use TransformedPointExprAlong for an explicit ancestor path.
// Returns an error if the hierarchy walk exceeds the reconstruction's shape
// count (cyclic hierarchy).
func (s *Shape) TransformedPointExpr(p r3.Vec) (PointExpr, error) {
	path, err := s.defaultAncestorPath()
	if err != nil {
		return PointExpr{}, err
	}
	return s.TransformedPointExprAlong(p, path)
}

// TransformedVectorExpr is TransformedPointExpr for a direction: no
// translation applies at any level.
func (s *Shape) TransformedVectorExpr(v r3.Vec) (PointExpr, error) {
	path, err := s.defaultAncestorPath()
	if err != nil {
		return PointExpr{}, err
	}
	return s.TransformedVectorExprAlong(v, path)
}

// TransformedPointExprAlong composes this shape's parameterized transform
// with the given ancestor path, ordered nearest-first (path[0] is a parent
// of s). The path may be empty for a root shape.
func (s *Shape) TransformedPointExprAlong(p r3.Vec, path []*Shape) (PointExpr, error) {
	w := s.TransformPoint(p)
	e := PointExpr{X: Constant(w.X), Y: Constant(w.Y), Z: Constant(w.Z)}
	e = s.applyDeltaExpr(e, true)
	for _, a := range path {
		e = a.applyDeltaExpr(e, true)
	}
	return e, nil
}

// TransformedVectorExprAlong is TransformedPointExprAlong for a direction
func (s *Shape) TransformedVectorExprAlong(v r3.Vec, path []*Shape) (PointExpr, error) {
	w := s.TransformVector(v)
	e := PointExpr{X: Constant(w.X), Y: Constant(w.Y), Z: Constant(w.Z)}
	e = s.applyDeltaExpr(e, false)
	for _, a := range path {
		e = a.applyDeltaExpr(e, false)
	}
	return e, nil
}

// defaultAncestorPath follows Parent(0) to the root. The walk is bounded by
// the owning reconstruction's shape count so cyclic hierarchies fail
// instead of looping.
func (s *Shape) defaultAncestorPath() ([]*Shape, error) {
	limit := 1
	if s.reconstruction != nil {
		limit = s.reconstruction.NShapes()
	}
	var path []*Shape
	for cur := s; cur.NParents() > 0; {
		cur = cur.Parent(0)
		path = append(path, cur)
		if len(path) > limit {
			return nil, fmt.Errorf("shape %q: ancestor chain exceeds %d shapes (cyclic hierarchy)", s.name, limit)
		}
	}
	return path, nil
}

// applyDeltaExpr applies this shape's linearized variable delta to a point
// (or, with translate=false, vector) expression in world coordinates:
//
//	p' = p + t + r x (p - o) + s .* (p - o)
//
// with o the shape's world origin, t/r/s the translation/rotation/scale
// DOFs. Free DOFs become variable nodes, fixed or unassigned DOFs the
// constant 0 (they stay at the value already baked into current).
func (s *Shape) applyDeltaExpr(p PointExpr, translate bool) PointExpr {
	v := func(k int) *Expr {
		if d := s.dofs[k]; d.assigned {
			return Variable(d.index)
		}
		return Constant(0)
	}

	dx, dy, dz := p.X, p.Y, p.Z
	if translate {
		o := s.WorldOrigin()
		dx = Sub(p.X, Constant(o.X))
		dy = Sub(p.Y, Constant(o.Y))
		dz = Sub(p.Z, Constant(o.Z))
	}

	out := PointExpr{
		X: Add(p.X, Add(Sub(Mul(v(RY), dz), Mul(v(RZ), dy)), Mul(v(SX), dx))),
		Y: Add(p.Y, Add(Sub(Mul(v(RZ), dx), Mul(v(RX), dz)), Mul(v(SY), dy))),
		Z: Add(p.Z, Add(Sub(Mul(v(RX), dy), Mul(v(RY), dx)), Mul(v(SZ), dz))),
	}
	if translate {
		out.X = Add(out.X, v(TX))
		out.Y = Add(out.Y, v(TY))
		out.Z = Add(out.Z, v(TZ))
	}
	return out
}
