package align

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// NVariables returns the fixed per-shape DOF budget. Always NumVariables
// (9), regardless of how many DOFs are fixed.
func (s *Shape) NVariables() int {
	return NumVariables
}

// Inertia returns the inertia weight of the kth DOF. Infinite inertia marks
// a permanently fixed DOF.
func (s *Shape) Inertia(k int) float64 {
	return s.dofs[k].inertia
}

// SetInertia copies up to min(len(weights), 9) inertia weights into the
// shape's DOF block. A nil slice makes the shape fully immovable: every DOF
// gets infinite inertia and is excluded from the solver's variable set.
func (s *Shape) SetInertia(weights []float64) {
	if weights == nil {
		for i := range s.dofs {
			s.dofs[i].inertia = math.Inf(1)
		}
		return
	}
	n := len(weights)
	if n > NumVariables {
		n = NumVariables
	}
	for i := 0; i < n; i++ {
		s.dofs[i].inertia = weights[i]
	}
}

// VariableIndex returns the global solver index of the kth DOF and whether
// one is assigned. Fixed DOFs never have an index.
func (s *Shape) VariableIndex(k int) (int, bool) {
	d := s.dofs[k]
	if !d.assigned {
		return 0, false
	}
	return d.index, true
}

// AssignVariableIndices numbers this shape's free DOFs into the global
// solver variable vector, starting at next, and returns the index after the
// last one assigned. Fixed DOFs are left unassigned. The numbering is
// deterministic: DOF order is TX..SZ, so the same shape order always yields
// the same global numbering.
func (s *Shape) AssignVariableIndices(next int) int {
	for i := range s.dofs {
		if s.dofs[i].fixed() {
			s.dofs[i].assigned = false
			continue
		}
		s.dofs[i].assigned = true
		s.dofs[i].index = next
		next++
	}
	return next
}

// UpdateVariableValues reads this shape's assigned entries out of the
// solver's solution vector x and composes the resulting delta onto the
// current transform: translation by (tx,ty,tz), rotation by XYZ Euler
// angles (rx,ry,rz) and per-axis scale (1+sx,1+sy,1+sz), both about the
// shape's world origin. Fixed or unassigned DOFs contribute nothing.
// Entries beyond len(x) are ignored. Invalidates the derived caches.
func (s *Shape) UpdateVariableValues(x []float64) {
	var v [NumVariables]float64
	any := false
	for i, d := range s.dofs {
		if !d.assigned || d.index >= len(x) {
			continue
		}
		v[i] = x[d.index]
		if v[i] != 0 {
			any = true
		}
	}
	if !any {
		return
	}

	o := s.WorldOrigin()
	delta := Multiply(
		Translation(r3.Add(r3.Vec{X: v[TX], Y: v[TY], Z: v[TZ]}, o)),
		Multiply(
			EulerRotation(v[RX], v[RY], v[RZ]),
			Multiply(
				Scale(1+v[SX], 1+v[SY], 1+v[SZ]),
				Translation(r3.Scale(-1, o)),
			),
		),
	)
	s.SetTransformation(Multiply(delta, s.current))
}
