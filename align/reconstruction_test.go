package align

import (
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestInsertAndRemoveShape(t *testing.T) {
	rec := NewReconstruction()
	a := NewShape(rec)
	b := NewShape(rec)
	c := NewShape(rec)

	if rec.NShapes() != 3 {
		t.Fatalf("NShapes = %d, want 3", rec.NShapes())
	}
	if a.ReconstructionIndex() != 0 || b.ReconstructionIndex() != 1 || c.ReconstructionIndex() != 2 {
		t.Error("shape indices should follow insertion order")
	}

	b.InsertFeature(&Feature{Position: r3.Vec{X: 1}})
	if rec.NFeatures() != 1 {
		t.Fatal("feature should be pooled")
	}

	rec.RemoveShape(b)
	if rec.NShapes() != 2 {
		t.Fatalf("NShapes after remove = %d, want 2", rec.NShapes())
	}
	if c.ReconstructionIndex() != 1 {
		t.Errorf("later shape index = %d, want 1 after shift", c.ReconstructionIndex())
	}
	if b.Reconstruction() != nil || b.ReconstructionIndex() != -1 {
		t.Error("removed shape should be detached")
	}
	// Removing a shape releases its features from the pool.
	if rec.NFeatures() != 0 {
		t.Errorf("pool size = %d, want 0 after shape removal", rec.NFeatures())
	}

	// Removing an unattached shape is a no-op.
	rec.RemoveShape(b)
	if rec.NShapes() != 2 {
		t.Error("double removal should be a no-op")
	}
}

func TestCreateMatchLinksShapes(t *testing.T) {
	rec := NewReconstruction()
	a := newTestShape(rec, r3.Vec{X: 0})
	b := newTestShape(rec, r3.Vec{X: 1})

	m := rec.CreateMatch(a.Feature(0), b.Feature(0), 0.5)

	if rec.NMatches() != 1 || m.ReconstructionIndex() != 0 {
		t.Fatal("match not pooled")
	}
	if a.NMatches() != 1 || a.Match(0) != m {
		t.Error("match not referenced on first shape")
	}
	if b.NMatches() != 1 || b.Match(0) != m {
		t.Error("match not referenced on second shape")
	}
	if m.Shape(0) != a || m.Shape(1) != b {
		t.Error("match shape lookup wrong")
	}
}

func TestCreateMatchSameShape(t *testing.T) {
	rec := NewReconstruction()
	s := newTestShape(rec, r3.Vec{X: 0}, r3.Vec{X: 1})

	rec.CreateMatch(s.Feature(0), s.Feature(1), 1.0)

	// Both features on one shape: the shape gets a single reference.
	if s.NMatches() != 1 {
		t.Errorf("NMatches = %d, want 1 for an intra-shape match", s.NMatches())
	}
}

func TestReconstructionBBox(t *testing.T) {
	rec := NewReconstruction()
	if !rec.BBox().IsEmpty() {
		t.Error("empty reconstruction bbox should be empty")
	}

	a := newTestShape(rec, r3.Vec{X: 0}, r3.Vec{X: 2})
	newTestShape(rec, r3.Vec{X: 10, Y: 5})
	a.SetTransformation(Translation(r3.Vec{Y: -3}))

	bb := rec.BBox()
	if !vecsEqual(bb.Min, r3.Vec{X: 0, Y: -3, Z: 0}) {
		t.Errorf("bbox min = %v", bb.Min)
	}
	if !vecsEqual(bb.Max, r3.Vec{X: 10, Y: 5, Z: 0}) {
		t.Errorf("bbox max = %v", bb.Max)
	}
}

func TestUpdateVariableValuesAcrossShapes(t *testing.T) {
	rec := NewReconstruction()
	a := newTestShape(rec, r3.Vec{})
	b := newTestShape(rec, r3.Vec{})
	total := rec.AssignVariableIndices()

	x := make([]float64, total)
	aTX, _ := a.VariableIndex(TX)
	bTY, _ := b.VariableIndex(TY)
	x[aTX] = 1
	x[bTY] = 2
	rec.UpdateVariableValues(x)

	if got := a.TransformPoint(r3.Vec{}); !vecsEqual(got, r3.Vec{X: 1}) {
		t.Errorf("shape a moved to %v, want (1,0,0)", got)
	}
	if got := b.TransformPoint(r3.Vec{}); !vecsEqual(got, r3.Vec{Y: 2}) {
		t.Errorf("shape b moved to %v, want (0,2,0)", got)
	}
}
