package align

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Feature is a localized descriptor detected on a shape: a position and
// normal in the shape's untransformed (local) coordinates, a descriptor
// vector, and the quality scores used to filter correspondence candidates.
type Feature struct {
	shape      *Shape
	shapeIndex int

	reconstruction      *Reconstruction
	reconstructionIndex int

	// Local geometry (before the owning shape's current transform).
	Position r3.Vec
	Normal   r3.Vec
	Radius   float64

	// Descriptor channels. Channel count varies by detector; distances are
	// compared per channel.
	Descriptor []float64

	// Quality scores. Higher is better for both.
	Salience    float64
	Distinction float64

	// Boundary marks features detected on a scan boundary/edge, which tend
	// to produce unreliable correspondences.
	Boundary bool
}

// Shape returns the shape this feature belongs to, or nil if detached
func (f *Feature) Shape() *Shape {
	return f.shape
}

// ShapeIndex returns this feature's index within its shape's feature list
func (f *Feature) ShapeIndex() int {
	return f.shapeIndex
}

// ReconstructionIndex returns this feature's index within the owning
// reconstruction's feature pool, or -1 if detached
func (f *Feature) ReconstructionIndex() int {
	if f.reconstruction == nil {
		return -1
	}
	return f.reconstructionIndex
}

// TransformedPosition returns the feature position mapped through m
func (f *Feature) TransformedPosition(m Affine) r3.Vec {
	return TransformPoint(f.Position, m)
}

// TransformedNormal returns the feature normal mapped through the linear
// part of m, re-normalized to unit length
func (f *Feature) TransformedNormal(m Affine) r3.Vec {
	n := TransformVector(f.Normal, m)
	l := r3.Norm(n)
	if l < 1e-12 {
		return n
	}
	return r3.Scale(1/l, n)
}

// WorldPosition returns the feature position in world space (through the
// owning shape's current transform, identity if detached)
func (f *Feature) WorldPosition() r3.Vec {
	if f.shape == nil {
		return f.Position
	}
	return TransformPoint(f.Position, f.shape.current)
}

// WorldNormal returns the unit feature normal in world space
func (f *Feature) WorldNormal() r3.Vec {
	if f.shape == nil {
		return f.Normal
	}
	return f.TransformedNormal(f.shape.current)
}

// DescriptorDistance returns the absolute per-channel descriptor distance
// to other for channel k. Channels missing on either side count as infinite
// distance.
func (f *Feature) DescriptorDistance(other *Feature, k int) float64 {
	if k >= len(f.Descriptor) || k >= len(other.Descriptor) {
		return math.Inf(1)
	}
	return math.Abs(f.Descriptor[k] - other.Descriptor[k])
}

// NChannels returns the number of descriptor channels
func (f *Feature) NChannels() int {
	return len(f.Descriptor)
}

// Match records a correspondence candidate between two features, typically
// on different shapes. Matches are owned by the reconstruction's match pool;
// each involved shape holds a non-owning reference in its match list.
type Match struct {
	reconstruction      *Reconstruction
	reconstructionIndex int

	features [2]*Feature

	// Affinity scores the correspondence strength (higher is better).
	Affinity float64
}

// Feature returns the kth matched feature (k is 0 or 1)
func (m *Match) Feature(k int) *Feature {
	return m.features[k]
}

// Shape returns the shape of the kth matched feature, or nil
func (m *Match) Shape(k int) *Shape {
	if m.features[k] == nil {
		return nil
	}
	return m.features[k].shape
}

// ReconstructionIndex returns this match's index in the owning
// reconstruction's match pool, or -1 if detached
func (m *Match) ReconstructionIndex() int {
	if m.reconstruction == nil {
		return -1
	}
	return m.reconstructionIndex
}

// Sequence groups the shapes of one scan sequence in capture order.
type Sequence struct {
	reconstruction      *Reconstruction
	reconstructionIndex int

	shapes []*Shape
	Name   string
}

// NShapes returns the number of shapes in the sequence
func (q *Sequence) NShapes() int {
	return len(q.shapes)
}

// Shape returns the kth shape of the sequence
func (q *Sequence) Shape(k int) *Shape {
	return q.shapes[k]
}

// ReconstructionIndex returns this sequence's index within the owning
// reconstruction, or -1 if detached
func (q *Sequence) ReconstructionIndex() int {
	if q.reconstruction == nil {
		return -1
	}
	return q.reconstructionIndex
}

// InsertShape appends a shape to the sequence and records the membership on
// the shape
func (q *Sequence) InsertShape(s *Shape) {
	s.sequence = q
	s.sequenceIndex = len(q.shapes)
	q.shapes = append(q.shapes, s)
}

// RemoveShape removes a shape from the sequence. Later shapes shift down
// one index.
func (q *Sequence) RemoveShape(s *Shape) {
	if s.sequence != q {
		return
	}
	k := s.sequenceIndex
	q.shapes = append(q.shapes[:k], q.shapes[k+1:]...)
	for i := k; i < len(q.shapes); i++ {
		q.shapes[i].sequenceIndex = i
	}
	s.sequence = nil
	s.sequenceIndex = -1
}
