package align

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/spatial/r3"
)

// TransformType selects which of a shape's transform frames a query reads.
type TransformType int

const (
	// CurrentTransform is the frame being optimized; the default for all
	// geometric queries.
	CurrentTransform TransformType = iota
	// InitialTransform is the frame the shape started registration with.
	InitialTransform
	// GroundTruthTransform is the evaluation reference frame.
	GroundTruthTransform
	// NoTransform reads as the identity.
	NoTransform
)

// Degree-of-freedom slots within a shape's variable block.
const (
	TX = iota
	TY
	TZ
	RX
	RY
	RZ
	SX
	SY
	SZ

	// NumVariables is the fixed per-shape DOF budget: 3 translation,
	// 3 rotation, 3 scale.
	NumVariables
)

// dof is the solver state of one degree of freedom. A DOF with infinite
// inertia is fixed: it never receives a global variable index and is never
// touched by solution updates.
type dof struct {
	inertia  float64
	assigned bool
	index    int // global solver index; meaningful only when assigned
}

func (d dof) fixed() bool {
	return math.IsInf(d.inertia, 1)
}

// Shape is one scan (or part) participating in global registration: its
// place in the shape hierarchy, its transform frames, its detected features
// with a spatial index over them, and the parameterization of its transform
// as solver variables.
//
// A Shape is not internally synchronized. Reads lazily rebuild caches, so
// even read-only queries must not race with each other on the same shape.
type Shape struct {
	reconstruction      *Reconstruction
	reconstructionIndex int

	sequence      *Sequence
	sequenceIndex int

	// Hierarchy. Non-owning, symmetric double links; may form a DAG.
	parents  []*Shape
	children []*Shape

	features []*Feature
	matches  []*Match

	current     Affine
	initial     Affine
	groundTruth Affine

	dofs [NumVariables]dof

	// Local geometry, stored untransformed so world-space reads stay
	// consistent across transform updates.
	viewpoint r3.Vec
	towards   r3.Vec
	up        r3.Vec
	origin    r3.Vec
	originSet bool

	// Lazily maintained caches over current-transformed feature positions.
	bbox      Box
	bboxValid bool
	tree      *featureTree
	treeValid bool

	name string
}

// NewShape creates a shape, attached to rec when non-nil. All transform
// frames start as identity, all DOFs free with zero inertia.
func NewShape(rec *Reconstruction) *Shape {
	s := &Shape{
		reconstructionIndex: -1,
		sequenceIndex:       -1,
		current:             Identity(),
		initial:             Identity(),
		groundTruth:         Identity(),
		towards:             r3.Vec{Z: -1},
		up:                  r3.Vec{Y: 1},
		bbox:                EmptyBox(),
	}
	if rec != nil {
		rec.InsertShape(s)
	}
	return s
}

// Reconstruction returns the owning reconstruction, or nil
func (s *Shape) Reconstruction() *Reconstruction {
	return s.reconstruction
}

// ReconstructionIndex returns this shape's index in the reconstruction's
// shape list, or -1 if detached
func (s *Shape) ReconstructionIndex() int {
	return s.reconstructionIndex
}

// Sequence returns the owning sequence, or nil
func (s *Shape) Sequence() *Sequence {
	return s.sequence
}

// SequenceIndex returns this shape's index within its sequence, or -1
func (s *Shape) SequenceIndex() int {
	return s.sequenceIndex
}

// Name returns the shape's label, empty if unnamed
func (s *Shape) Name() string {
	return s.name
}

// SetName sets the shape's label
func (s *Shape) SetName(name string) {
	s.name = name
}

// NParents returns the number of parent shapes
func (s *Shape) NParents() int {
	return len(s.parents)
}

// Parent returns the kth parent shape
func (s *Shape) Parent(k int) *Shape {
	return s.parents[k]
}

// NChildren returns the number of child shapes
func (s *Shape) NChildren() int {
	return len(s.children)
}

// Child returns the kth child shape
func (s *Shape) Child(k int) *Shape {
	return s.children[k]
}

// InsertChild links child under s, maintaining the symmetric double-linkage:
// s appears in child's parent list and child in s's child list. Duplicate
// insertion and cycle-freedom are the caller's responsibility.
func (s *Shape) InsertChild(child *Shape) {
	s.children = append(s.children, child)
	child.parents = append(child.parents, s)
}

// RemoveChild removes the link between s and child on both sides
func (s *Shape) RemoveChild(child *Shape) {
	for i, c := range s.children {
		if c == child {
			s.children = append(s.children[:i], s.children[i+1:]...)
			break
		}
	}
	for i, p := range child.parents {
		if p == s {
			child.parents = append(child.parents[:i], child.parents[i+1:]...)
			break
		}
	}
}

// NFeatures returns the number of features on the shape
func (s *Shape) NFeatures() int {
	return len(s.features)
}

// Feature returns the kth feature (insertion order)
func (s *Shape) Feature(k int) *Feature {
	return s.features[k]
}

// InsertFeature appends a feature to the shape and invalidates the derived
// caches. If the shape is attached to a reconstruction the feature also
// joins its feature pool.
func (s *Shape) InsertFeature(f *Feature) {
	f.shape = s
	f.shapeIndex = len(s.features)
	s.features = append(s.features, f)
	if s.reconstruction != nil && f.reconstruction == nil {
		s.reconstruction.insertFeature(f)
	}
	s.invalidateCaches()
}

// RemoveFeature removes a feature from the shape's membership list. Later
// features shift down one index. The feature stays in the reconstruction's
// pool; use DeleteFeatures to release ownership.
func (s *Shape) RemoveFeature(f *Feature) {
	if f.shape != s {
		return
	}
	k := f.shapeIndex
	s.features = append(s.features[:k], s.features[k+1:]...)
	for i := k; i < len(s.features); i++ {
		s.features[i].shapeIndex = i
	}
	f.shape = nil
	f.shapeIndex = -1
	s.invalidateCaches()
}

// DeleteFeatures removes the shape's current features and releases them from
// the owning reconstruction's feature pool. Features previously detached via
// RemoveFeature stay pooled.
func (s *Shape) DeleteFeatures() {
	for _, f := range s.features {
		f.shape = nil
		f.shapeIndex = -1
		if f.reconstruction != nil {
			f.reconstruction.removeFeature(f)
		}
	}
	s.features = nil
	s.invalidateCaches()
}

// NMatches returns the number of matches referencing this shape
func (s *Shape) NMatches() int {
	return len(s.matches)
}

// Match returns the kth match
func (s *Shape) Match(k int) *Match {
	return s.matches[k]
}

// InsertMatch inserts a match reference at index k of the shape's match
// list (k == NMatches appends)
func (s *Shape) InsertMatch(m *Match, k int) {
	s.matches = append(s.matches, nil)
	copy(s.matches[k+1:], s.matches[k:])
	s.matches[k] = m
}

// RemoveMatch removes the match reference at index k
func (s *Shape) RemoveMatch(m *Match, k int) {
	if k < 0 || k >= len(s.matches) || s.matches[k] != m {
		return
	}
	s.matches = append(s.matches[:k], s.matches[k+1:]...)
}

// Transformation returns the requested transform frame. Unrecognized
// selectors (including NoTransform) read as identity.
func (s *Shape) Transformation(t TransformType) Affine {
	switch t {
	case CurrentTransform:
		return s.current
	case InitialTransform:
		return s.initial
	case GroundTruthTransform:
		return s.groundTruth
	default:
		return Identity()
	}
}

// SetTransformation replaces the current transform and invalidates the
// derived caches. The local viewpoint/towards/up/origin are stored
// untransformed, so their world-space reads track the new frame without
// rewriting.
func (s *Shape) SetTransformation(m Affine) {
	s.current = m
	s.invalidateCaches()
}

// SetInitialTransformation replaces the initial frame
func (s *Shape) SetInitialTransformation(m Affine) {
	s.initial = m
}

// SetGroundTruthTransformation replaces the ground-truth frame
func (s *Shape) SetGroundTruthTransformation(m Affine) {
	s.groundTruth = m
}

// ResetTransformation rewinds the current transform to the initial frame
func (s *Shape) ResetTransformation() {
	s.SetTransformation(s.initial)
}

// PerturbTransformation composes a random rigid perturbation onto the
// current transform: a translation of magnitude tMag in a uniform random
// direction and a rotation of magnitude rMag (radians) about a random axis
// through the shape's world centroid. Used for randomized restarts.
func (s *Shape) PerturbTransformation(rng *rand.Rand, tMag, rMag float64) {
	dir := randomUnitVector(rng)
	axis := randomUnitVector(rng)
	delta := Multiply(
		Translation(r3.Scale(tMag, dir)),
		RotationAbout(axis, rMag, s.Centroid()),
	)
	s.SetTransformation(Multiply(delta, s.current))
}

func randomUnitVector(rng *rand.Rand) r3.Vec {
	// Rejection-sample inside the unit ball to avoid corner bias.
	for {
		v := r3.Vec{
			X: 2*rng.Float64() - 1,
			Y: 2*rng.Float64() - 1,
			Z: 2*rng.Float64() - 1,
		}
		n := r3.Norm(v)
		if n > 1e-6 && n <= 1 {
			return r3.Scale(1/n, v)
		}
	}
}

// TransformPoint maps a local point into world space through the current
// transform
func (s *Shape) TransformPoint(p r3.Vec) r3.Vec {
	return TransformPoint(p, s.current)
}

// TransformVector maps a local direction into world space
func (s *Shape) TransformVector(v r3.Vec) r3.Vec {
	return TransformVector(v, s.current)
}

// InverseTransformPoint maps a world point into the shape's local space
func (s *Shape) InverseTransformPoint(p r3.Vec) r3.Vec {
	return TransformPoint(p, Invert(s.current))
}

// InverseTransformVector maps a world direction into the shape's local space
func (s *Shape) InverseTransformVector(v r3.Vec) r3.Vec {
	return TransformVector(v, Invert(s.current))
}

// Viewpoint returns the scanner viewpoint in world space
func (s *Shape) Viewpoint() r3.Vec {
	return TransformPoint(s.viewpoint, s.current)
}

// Towards returns the scanner view direction in world space
func (s *Shape) Towards() r3.Vec {
	return TransformVector(s.towards, s.current)
}

// Up returns the scanner up direction in world space
func (s *Shape) Up() r3.Vec {
	return TransformVector(s.up, s.current)
}

// SetViewpoint stores a world-space viewpoint. The value is inverse-mapped
// through the current transform so later transform updates keep the
// world-space reading consistent.
func (s *Shape) SetViewpoint(p r3.Vec) {
	s.viewpoint = s.InverseTransformPoint(p)
}

// SetTowards stores a world-space view direction
func (s *Shape) SetTowards(v r3.Vec) {
	s.towards = s.InverseTransformVector(v)
}

// SetUp stores a world-space up direction
func (s *Shape) SetUp(v r3.Vec) {
	s.up = s.InverseTransformVector(v)
}

// Origin returns the shape's untransformed origin, the pivot for the
// variable parameterization. Defaults to the local centroid the first time
// it is read on a shape that never had one set.
func (s *Shape) Origin() r3.Vec {
	if !s.originSet {
		s.origin = s.InverseTransformPoint(s.Centroid())
		s.originSet = true
	}
	return s.origin
}

// SetOrigin sets the untransformed origin
func (s *Shape) SetOrigin(p r3.Vec) {
	s.origin = p
	s.originSet = true
}

// WorldOrigin returns the origin mapped through the current transform
func (s *Shape) WorldOrigin() r3.Vec {
	return TransformPoint(s.Origin(), s.current)
}

// BBox returns the bounding box of the shape's features in world space
// (current transform applied). Memoized until a feature or transform
// mutation invalidates it. Empty for a shape with no features.
func (s *Shape) BBox() Box {
	if !s.bboxValid {
		s.updateBBox()
	}
	return s.bbox
}

// Centroid returns the centroid of the world-space bounding box, or the
// world origin for a shape with no features
func (s *Shape) Centroid() r3.Vec {
	return s.BBox().Centroid()
}

// AverageFeatureRadius returns the mean feature radius, 0 when featureless
func (s *Shape) AverageFeatureRadius() float64 {
	if len(s.features) == 0 {
		return 0
	}
	sum := 0.0
	for _, f := range s.features {
		sum += f.Radius
	}
	return sum / float64(len(s.features))
}

func (s *Shape) updateBBox() {
	b := EmptyBox()
	for _, f := range s.features {
		b.ExpandByPoint(TransformPoint(f.Position, s.current))
	}
	s.bbox = b
	s.bboxValid = true
}

func (s *Shape) invalidateCaches() {
	s.bboxValid = false
	s.treeValid = false
	s.tree = nil
}
