package align

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestFindClosestFeature(t *testing.T) {
	s := newTestShape(nil,
		r3.Vec{X: 0, Y: 0, Z: 0},
		r3.Vec{X: 10, Y: 0, Z: 0},
	)

	tests := []struct {
		name     string
		position r3.Vec
		filter   SearchFilter
		want     int // feature index, -1 for nil
	}{
		{
			name:     "nearest of two",
			position: r3.Vec{X: 1, Y: 0, Z: 0},
			filter:   SearchFilter{},
			want:     0,
		},
		{
			name:     "nearest flips past midpoint",
			position: r3.Vec{X: 8, Y: 0, Z: 0},
			filter:   SearchFilter{},
			want:     1,
		},
		{
			name:     "max distance excludes everything",
			position: r3.Vec{X: 1, Y: 0, Z: 0},
			filter:   SearchFilter{MaxDistance: Bound(0.5)},
			want:     -1,
		},
		{
			name:     "max distance admits the near one",
			position: r3.Vec{X: 1, Y: 0, Z: 0},
			filter:   SearchFilter{MaxDistance: Bound(2)},
			want:     0,
		},
		{
			name:     "max distance is inclusive",
			position: r3.Vec{X: 1, Y: 0, Z: 0},
			filter:   SearchFilter{MaxDistance: Bound(1)},
			want:     0,
		},
		{
			name:     "min distance skips the near one",
			position: r3.Vec{X: 1, Y: 0, Z: 0},
			filter:   SearchFilter{MinDistance: Bound(5)},
			want:     1,
		},
		{
			name:     "tie breaks to lower index",
			position: r3.Vec{X: 5, Y: 0, Z: 0},
			filter:   SearchFilter{},
			want:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.FindClosestFeature(tt.position, tt.filter)
			if tt.want == -1 {
				if got != nil {
					t.Errorf("FindClosestFeature() = feature %d, want nil", got.ShapeIndex())
				}
				return
			}
			if got == nil {
				t.Fatalf("FindClosestFeature() = nil, want feature %d", tt.want)
			}
			if got.ShapeIndex() != tt.want {
				t.Errorf("FindClosestFeature() = feature %d, want %d", got.ShapeIndex(), tt.want)
			}
		})
	}
}

func TestFindClosestFeatureEmptyShape(t *testing.T) {
	s := NewShape(nil)
	if got := s.FindClosestFeature(r3.Vec{}, SearchFilter{}); got != nil {
		t.Errorf("empty shape should yield nil, got feature %d", got.ShapeIndex())
	}
}

func TestSearchUsesWorldPositions(t *testing.T) {
	s := newTestShape(nil, r3.Vec{X: 0, Y: 0, Z: 0})
	s.SetTransformation(Translation(r3.Vec{X: 100}))

	// The feature now sits at world (100,0,0): a query near the local
	// position must miss under a distance bound.
	if got := s.FindClosestFeature(r3.Vec{X: 1}, SearchFilter{MaxDistance: Bound(5)}); got != nil {
		t.Error("query near the local position should miss a translated shape")
	}
	if got := s.FindClosestFeature(r3.Vec{X: 99}, SearchFilter{MaxDistance: Bound(5)}); got == nil {
		t.Error("query near the world position should hit")
	}
}

func TestQualityPredicates(t *testing.T) {
	s := NewShape(nil)
	s.InsertFeature(&Feature{Position: r3.Vec{X: 0}, Salience: 0.1, Distinction: 0.9})
	s.InsertFeature(&Feature{Position: r3.Vec{X: 1}, Salience: 0.9, Distinction: 0.1})
	s.InsertFeature(&Feature{Position: r3.Vec{X: 2}, Salience: 0.9, Distinction: 0.9, Boundary: true})

	if got := s.FindClosestFeature(r3.Vec{}, SearchFilter{MinSalience: Bound(0.5)}); got == nil || got.ShapeIndex() != 1 {
		t.Error("salience bound should skip feature 0")
	}
	if got := s.FindClosestFeature(r3.Vec{}, SearchFilter{MinDistinction: Bound(0.5)}); got == nil || got.ShapeIndex() != 0 {
		t.Error("distinction bound should keep feature 0")
	}
	if got := s.FindClosestFeature(r3.Vec{X: 2}, SearchFilter{DiscardBoundaries: true}); got == nil || got.ShapeIndex() != 1 {
		t.Error("boundary discard should skip feature 2")
	}
	filter := SearchFilter{MinSalience: Bound(0.5), MinDistinction: Bound(0.5), DiscardBoundaries: true}
	if got := s.FindClosestFeature(r3.Vec{}, filter); got != nil {
		t.Error("combined predicates should exclude every feature")
	}
}

func TestFindClosestFeatureTo(t *testing.T) {
	target := NewShape(nil)
	target.InsertFeature(&Feature{
		Position:   r3.Vec{X: 0},
		Normal:     r3.Vec{Z: 1},
		Descriptor: []float64{1.0, 5.0},
	})
	target.InsertFeature(&Feature{
		Position:   r3.Vec{X: 1},
		Normal:     r3.Vec{Z: -1},
		Descriptor: []float64{3.0, 5.0},
	})

	query := &Feature{
		Position:   r3.Vec{X: 0.4},
		Normal:     r3.Vec{Z: 1},
		Descriptor: []float64{1.1, 5.0},
	}

	// Unfiltered: nearest wins.
	if got := target.FindClosestFeatureTo(query, Identity(), SearchFilter{}); got == nil || got.ShapeIndex() != 0 {
		t.Error("nearest feature should win unfiltered")
	}

	// Descriptor bound on channel 0 excludes feature 1.
	filter := SearchFilter{MaxDescriptorDistances: []float64{0.5}}
	got := target.FindClosestFeatureTo(&Feature{
		Position:   r3.Vec{X: 0.9},
		Normal:     r3.Vec{Z: 1},
		Descriptor: []float64{1.1, 5.0},
	}, Identity(), filter)
	if got == nil || got.ShapeIndex() != 0 {
		t.Error("descriptor bound should reject the nearer feature 1")
	}

	// Normal angle bound: feature 1 points the other way.
	filter = SearchFilter{MaxNormalAngle: Bound(math.Pi / 4)}
	got = target.FindClosestFeatureTo(&Feature{
		Position: r3.Vec{X: 0.9},
		Normal:   r3.Vec{Z: 1},
	}, Identity(), filter)
	if got == nil || got.ShapeIndex() != 0 {
		t.Error("normal angle bound should reject the anti-parallel feature")
	}

	// Opposite-facing flips the predicate.
	filter = SearchFilter{MaxNormalAngle: Bound(math.Pi / 4), OppositeFacingNormals: true}
	got = target.FindClosestFeatureTo(&Feature{
		Position: r3.Vec{X: 0.1},
		Normal:   r3.Vec{Z: 1},
	}, Identity(), filter)
	if got == nil || got.ShapeIndex() != 1 {
		t.Error("opposite-facing should accept only the anti-parallel feature")
	}

	// The query transform carries the query into this shape's frame.
	queryTransform := Translation(r3.Vec{X: 0.9})
	got = target.FindClosestFeatureTo(&Feature{
		Position: r3.Vec{X: 0},
		Normal:   r3.Vec{Z: 1},
	}, queryTransform, SearchFilter{})
	if got == nil || got.ShapeIndex() != 1 {
		t.Error("query transform should move the query toward feature 1")
	}
}

func TestFindAllFeatures(t *testing.T) {
	s := newTestShape(nil,
		r3.Vec{X: 0},
		r3.Vec{X: 1},
		r3.Vec{X: 2},
		r3.Vec{X: 10},
	)
	query := &Feature{Position: r3.Vec{X: 1}, Normal: r3.Vec{Z: 1}}

	got := s.FindAllFeatures(query, Identity(), SearchFilter{MaxDistance: Bound(1.5)}, nil)
	if len(got) != 3 {
		t.Fatalf("FindAllFeatures returned %d features, want 3", len(got))
	}
	seen := map[int]bool{}
	for _, f := range got {
		seen[f.ShapeIndex()] = true
	}
	for _, want := range []int{0, 1, 2} {
		if !seen[want] {
			t.Errorf("feature %d missing from results", want)
		}
	}

	// Appends to an existing slice.
	prefix := []*Feature{s.Feature(3)}
	got = s.FindAllFeatures(query, Identity(), SearchFilter{MaxDistance: Bound(0.5)}, prefix)
	if len(got) != 2 || got[0] != s.Feature(3) {
		t.Errorf("result should append after the existing entries, got %d entries", len(got))
	}

	// Empty shape returns the input unchanged.
	empty := NewShape(nil)
	if got := empty.FindAllFeatures(query, Identity(), SearchFilter{}, prefix); len(got) != len(prefix) {
		t.Error("empty shape should return the input slice unchanged")
	}
}

func TestTreeMatchesLinearScan(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := NewShape(nil)
	for i := 0; i < 200; i++ {
		s.InsertFeature(&Feature{Position: r3.Vec{
			X: rng.Float64() * 10,
			Y: rng.Float64() * 10,
			Z: rng.Float64() * 10,
		}})
	}
	s.SetTransformation(Multiply(Translation(r3.Vec{X: 1, Y: -2, Z: 0.5}), EulerRotation(0.2, 0.1, -0.3)))

	for trial := 0; trial < 50; trial++ {
		q := r3.Vec{
			X: rng.Float64()*14 - 2,
			Y: rng.Float64()*14 - 4,
			Z: rng.Float64()*14 - 2,
		}

		// Bounded query goes through the kd-tree; unbounded scans linearly.
		// With a bound large enough to cover the cloud both must agree.
		viaTree := s.FindClosestFeature(q, SearchFilter{MaxDistance: Bound(100)})
		viaScan := s.FindClosestFeature(q, SearchFilter{})

		if viaTree != viaScan {
			t.Fatalf("trial %d: tree result %v does not match scan result %v",
				trial, viaTree, viaScan)
		}
	}
}

func TestTreeRebuildsAfterTransformChange(t *testing.T) {
	s := newTestShape(nil, r3.Vec{X: 0}, r3.Vec{X: 10})

	// Prime the index.
	if got := s.FindClosestFeature(r3.Vec{X: 1}, SearchFilter{MaxDistance: Bound(3)}); got == nil || got.ShapeIndex() != 0 {
		t.Fatal("expected feature 0 before transform change")
	}

	// Moving the shape must invalidate the index.
	s.SetTransformation(Translation(r3.Vec{X: 9}))
	if got := s.FindClosestFeature(r3.Vec{X: 1}, SearchFilter{MaxDistance: Bound(3)}); got != nil {
		t.Error("stale index served a feature that moved away")
	}
	if got := s.FindClosestFeature(r3.Vec{X: 10}, SearchFilter{MaxDistance: Bound(3)}); got == nil || got.ShapeIndex() != 0 {
		t.Error("feature 0 should now be found near its new world position")
	}
}
