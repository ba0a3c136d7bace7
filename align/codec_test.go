package align

import (
	"bytes"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

// buildTestReconstruction assembles a small reconstruction exercising every
// serialized field: hierarchy links, a sequence, descriptors, matches,
// non-default frames and a pinned DOF.
func buildTestReconstruction() *Reconstruction {
	rec := NewReconstruction()

	a := NewShape(rec)
	a.SetName("scan alpha") // space in the name is deliberate
	a.SetTransformation(Multiply(Translation(r3.Vec{X: 1, Y: 2, Z: 3}), RotationZ(0.5)))
	a.SetInitialTransformation(Translation(r3.Vec{X: 1}))
	a.SetGroundTruthTransformation(Translation(r3.Vec{X: 1.1}))
	a.SetViewpoint(r3.Vec{X: 0, Y: 0, Z: 10})
	a.SetOrigin(r3.Vec{X: 0.5, Y: 0.5, Z: 0})
	a.SetInertia([]float64{1, 1, 1, 2, 2, 2, math.Inf(1), math.Inf(1), math.Inf(1)})

	b := NewShape(rec)
	b.SetName("scan-beta")

	a.InsertChild(b)

	fa := &Feature{
		Position:    r3.Vec{X: 1, Y: 0, Z: 0},
		Normal:      r3.Vec{Z: 1},
		Radius:      0.25,
		Descriptor:  []float64{0.1, 0.2, 0.3},
		Salience:    0.9,
		Distinction: 0.7,
	}
	fb := &Feature{
		Position:   r3.Vec{X: 1.05, Y: 0, Z: 0},
		Normal:     r3.Vec{Z: -1},
		Radius:     0.3,
		Descriptor: []float64{0.15, 0.2},
		Boundary:   true,
	}
	a.InsertFeature(fa)
	b.InsertFeature(fb)

	q := rec.CreateSequence("first pass")
	q.InsertShape(a)
	q.InsertShape(b)

	rec.CreateMatch(fa, fb, 0.85)

	return rec
}

// verifyReconstruction checks a loaded copy against buildTestReconstruction
func verifyReconstruction(t *testing.T, got *Reconstruction) {
	t.Helper()

	if got.NShapes() != 2 || got.NSequences() != 1 || got.NFeatures() != 2 || got.NMatches() != 1 {
		t.Fatalf("counts = %d/%d/%d/%d, want 2/1/2/1",
			got.NShapes(), got.NSequences(), got.NFeatures(), got.NMatches())
	}

	a := got.Shape(0)
	b := got.Shape(1)

	if a.Name() != "scan alpha" {
		t.Errorf("shape 0 name = %q", a.Name())
	}
	if b.Name() != "scan-beta" {
		t.Errorf("shape 1 name = %q", b.Name())
	}

	want := Multiply(Translation(r3.Vec{X: 1, Y: 2, Z: 3}), RotationZ(0.5))
	if !affinesEqual(a.Transformation(CurrentTransform), want) {
		t.Error("shape 0 current transform mismatch")
	}
	if !affinesEqual(a.Transformation(InitialTransform), Translation(r3.Vec{X: 1})) {
		t.Error("shape 0 initial transform mismatch")
	}
	if !affinesEqual(a.Transformation(GroundTruthTransform), Translation(r3.Vec{X: 1.1})) {
		t.Error("shape 0 ground-truth transform mismatch")
	}
	if !affinesEqual(b.Transformation(CurrentTransform), Identity()) {
		t.Error("shape 1 current transform should be identity")
	}

	if !vecsEqual(a.Viewpoint(), r3.Vec{X: 0, Y: 0, Z: 10}) {
		t.Errorf("shape 0 viewpoint = %v", a.Viewpoint())
	}
	if !vecsEqual(a.Origin(), r3.Vec{X: 0.5, Y: 0.5, Z: 0}) {
		t.Errorf("shape 0 origin = %v", a.Origin())
	}

	if a.NChildren() != 1 || a.Child(0) != b {
		t.Error("hierarchy link lost")
	}
	if b.NParents() != 1 || b.Parent(0) != a {
		t.Error("parent link lost")
	}

	if a.Inertia(TX) != 1 || a.Inertia(RX) != 2 || !math.IsInf(a.Inertia(SX), 1) {
		t.Errorf("shape 0 inertias = %v/%v/%v", a.Inertia(TX), a.Inertia(RX), a.Inertia(SX))
	}

	if a.NFeatures() != 1 || b.NFeatures() != 1 {
		t.Fatal("feature membership lost")
	}
	fa := a.Feature(0)
	if !vecsEqual(fa.Position, r3.Vec{X: 1, Y: 0, Z: 0}) {
		t.Errorf("feature position = %v", fa.Position)
	}
	if len(fa.Descriptor) != 3 || !almostEqual(fa.Descriptor[2], 0.3) {
		t.Errorf("feature descriptor = %v", fa.Descriptor)
	}
	if !almostEqual(fa.Salience, 0.9) || !almostEqual(fa.Distinction, 0.7) {
		t.Error("feature scores lost")
	}
	if fa.Boundary {
		t.Error("feature 0 should not be a boundary feature")
	}
	fb := b.Feature(0)
	if !fb.Boundary {
		t.Error("feature 1 boundary flag lost")
	}
	if !almostEqual(fb.Radius, 0.3) {
		t.Errorf("feature radius = %v", fb.Radius)
	}

	q := got.Sequence(0)
	if q.Name != "first pass" {
		t.Errorf("sequence name = %q", q.Name)
	}
	if q.NShapes() != 2 || q.Shape(0) != a || q.Shape(1) != b {
		t.Error("sequence membership lost")
	}
	if a.Sequence() != q || a.SequenceIndex() != 0 {
		t.Error("shape sequence back-reference lost")
	}

	m := got.Match(0)
	if m.Feature(0) != fa || m.Feature(1) != fb {
		t.Error("match feature references lost")
	}
	if !almostEqual(m.Affinity, 0.85) {
		t.Errorf("match affinity = %v", m.Affinity)
	}
	if a.NMatches() != 1 || b.NMatches() != 1 {
		t.Error("shape match lists lost")
	}
}

func TestASCIIRoundTrip(t *testing.T) {
	rec := buildTestReconstruction()

	var buf bytes.Buffer
	if err := rec.WriteASCII(&buf); err != nil {
		t.Fatalf("WriteASCII: %v", err)
	}

	got := NewReconstruction()
	if err := got.ReadASCII(&buf); err != nil {
		t.Fatalf("ReadASCII: %v", err)
	}
	verifyReconstruction(t, got)
}

func TestBinaryRoundTrip(t *testing.T) {
	rec := buildTestReconstruction()

	var buf bytes.Buffer
	if err := rec.WriteBinary(&buf); err != nil {
		t.Fatalf("WriteBinary: %v", err)
	}

	got := NewReconstruction()
	if err := got.ReadBinary(&buf); err != nil {
		t.Fatalf("ReadBinary: %v", err)
	}
	verifyReconstruction(t, got)
}

func TestFileRoundTrip(t *testing.T) {
	rec := buildTestReconstruction()
	dir := t.TempDir()

	// Extension selects the variant either way.
	for _, name := range []string{"rec.txt", "rec.bin"} {
		path := filepath.Join(dir, name)
		if err := WriteFile(path, rec); err != nil {
			t.Fatalf("WriteFile(%s): %v", name, err)
		}
		got, err := ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile(%s): %v", name, err)
		}
		verifyReconstruction(t, got)
	}
}

func TestCrossFormatConversion(t *testing.T) {
	rec := buildTestReconstruction()
	dir := t.TempDir()

	ascii := filepath.Join(dir, "rec.ascii")
	bin := filepath.Join(dir, "rec.dat")

	if err := WriteFile(ascii, rec); err != nil {
		t.Fatal(err)
	}
	loaded, err := ReadFile(ascii)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteFile(bin, loaded); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFile(bin)
	if err != nil {
		t.Fatal(err)
	}
	verifyReconstruction(t, got)
}

func TestReadASCIIBadHeader(t *testing.T) {
	got := NewReconstruction()
	if err := got.ReadASCII(bytes.NewBufferString("notmagic 1\n0 0 0 0\n")); err == nil {
		t.Error("bad magic should fail")
	}
	got = NewReconstruction()
	if err := got.ReadASCII(bytes.NewBufferString("scanmesh 999\n0 0 0 0\n")); err == nil {
		t.Error("unknown version should fail")
	}
}

func TestReadTruncated(t *testing.T) {
	rec := buildTestReconstruction()

	var ascii bytes.Buffer
	if err := rec.WriteASCII(&ascii); err != nil {
		t.Fatal(err)
	}
	var bin bytes.Buffer
	if err := rec.WriteBinary(&bin); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name string
		data []byte
	}{
		{"ascii half", ascii.Bytes()[:ascii.Len()/2]},
		{"binary half", bin.Bytes()[:bin.Len()/2]},
		{"binary header only", bin.Bytes()[:8]},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got := NewReconstruction()
			var err error
			if tt.name == "ascii half" {
				err = got.ReadASCII(bytes.NewReader(tt.data))
			} else {
				err = got.ReadBinary(bytes.NewReader(tt.data))
			}
			if err == nil {
				t.Error("truncated input should fail")
			}
		})
	}
}

func TestReadBinaryImplausibleCounts(t *testing.T) {
	le := binary.LittleEndian
	header := func(counts ...uint32) []byte {
		var buf bytes.Buffer
		binary.Write(&buf, le, uint32(binaryMagic))
		binary.Write(&buf, le, uint32(formatVersion))
		for _, c := range counts {
			binary.Write(&buf, le, c)
		}
		return buf.Bytes()
	}

	// A corrupt stream must fail on the count itself, before any
	// count-sized allocation happens.
	for _, tt := range []struct {
		name string
		data []byte
	}{
		{"huge feature count", header(0, 0, 0xfffffff0, 0)},
		{"huge shape count", header(0xfffffff0, 0, 0, 0)},
		{"huge sequence name", append(header(0, 1, 0, 0), []byte{0xf0, 0xff, 0xff, 0xff}...)},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got := NewReconstruction()
			if err := got.ReadBinary(bytes.NewReader(tt.data)); err == nil {
				t.Error("implausible count should fail")
			}
		})
	}
}

func TestEmptyReconstructionRoundTrip(t *testing.T) {
	rec := NewReconstruction()

	var buf bytes.Buffer
	if err := rec.WriteASCII(&buf); err != nil {
		t.Fatal(err)
	}
	got := NewReconstruction()
	if err := got.ReadASCII(&buf); err != nil {
		t.Fatal(err)
	}
	if got.NShapes() != 0 || got.NFeatures() != 0 {
		t.Error("empty reconstruction should round-trip empty")
	}
}
