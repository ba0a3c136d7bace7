package align

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// SearchFilter bounds a closest-feature query. Nil pointer fields disable
// the corresponding predicate. Distances are Euclidean and inclusive;
// angles are radians.
type SearchFilter struct {
	// MinDistance/MaxDistance bound the distance between the query position
	// and the candidate's world position.
	MinDistance *float64
	MaxDistance *float64

	// MaxDescriptorDistances bounds each descriptor channel independently.
	// A nil slice disables the predicate; channels beyond the slice length
	// are unbounded.
	MaxDescriptorDistances []float64

	// MaxNormalAngle bounds the angle between the (transformed) query
	// normal and the candidate's world normal.
	MaxNormalAngle *float64

	// MinDistinction/MinSalience exclude low-quality candidates.
	MinDistinction *float64
	MinSalience    *float64

	// DiscardBoundaries excludes candidates flagged as boundary features.
	DiscardBoundaries bool

	// OppositeFacingNormals flips the normal-angle predicate: the candidate
	// normal must be roughly antiparallel to the query normal instead of
	// roughly parallel.
	OppositeFacingNormals bool
}

// Bound is a convenience for building optional filter fields inline.
func Bound(v float64) *float64 {
	return &v
}

// FindClosestFeature returns the feature nearest to a world-space position,
// subject to the filter's distance and quality predicates (descriptor and
// normal predicates need a query feature and are ignored here). Returns nil
// when no feature qualifies. Ties break toward the lower feature index.
func (s *Shape) FindClosestFeature(position r3.Vec, filter SearchFilter) *Feature {
	return s.findFeatures(position, nil, Identity(), filter, nil)
}

// FindClosestFeatureTo returns this shape's best correspondence candidate
// for a query feature viewed under queryTransform (mapping the query
// feature's local coordinates into this shape's world frame). All filter
// predicates apply. Returns nil when no feature qualifies.
func (s *Shape) FindClosestFeatureTo(query *Feature, queryTransform Affine, filter SearchFilter) *Feature {
	return s.findFeatures(query.TransformedPosition(queryTransform), query, queryTransform, filter, nil)
}

// FindAllFeatures appends every feature qualifying for the query under the
// filter to result and returns it, in unspecified order. An empty feature
// set yields the input slice unchanged.
func (s *Shape) FindAllFeatures(query *Feature, queryTransform Affine, filter SearchFilter, result []*Feature) []*Feature {
	s.findFeatures(query.TransformedPosition(queryTransform), query, queryTransform, filter, &result)
	return result
}

// findFeatures is the shared query core. When collect is non-nil every
// qualifying feature is appended to the slice it points at; the closest
// qualifying feature is always returned. query may be nil for position-only
// searches.
func (s *Shape) findFeatures(position r3.Vec, query *Feature, queryTransform Affine, filter SearchFilter, collect *[]*Feature) *Feature {
	if len(s.features) == 0 {
		return nil
	}

	var queryNormal r3.Vec
	if query != nil {
		queryNormal = query.TransformedNormal(queryTransform)
	}

	var best *Feature
	bestDist := math.Inf(1)
	consider := func(f *Feature, dist2 float64) {
		if !s.featureQualifies(f, dist2, queryNormal, query, filter) {
			return
		}
		if collect != nil {
			*collect = append(*collect, f)
		}
		// Strict less keeps the earliest qualifying feature on ties when
		// scanning in index order; the kd-tree path re-breaks ties below.
		if dist2 < bestDist || (dist2 == bestDist && best != nil && f.shapeIndex < best.shapeIndex) {
			bestDist = dist2
			best = f
		}
	}

	if filter.MaxDistance != nil {
		// Bounded search goes through the spatial index.
		if tree := s.featureIndex(); tree != nil {
			tree.withinDist(position, *filter.MaxDistance, func(f *Feature, d2 float64) {
				consider(f, d2)
			})
		}
		return best
	}

	// Unbounded search scans the feature list in insertion order.
	for _, f := range s.features {
		d2 := r3.Norm2(r3.Sub(position, TransformPoint(f.Position, s.current)))
		consider(f, d2)
	}
	return best
}

// featureQualifies evaluates every enabled predicate for one candidate.
// dist2 is the squared Euclidean distance to the query position.
func (s *Shape) featureQualifies(f *Feature, dist2 float64, queryNormal r3.Vec, query *Feature, filter SearchFilter) bool {
	if filter.MinDistance != nil && dist2 < (*filter.MinDistance)*(*filter.MinDistance) {
		return false
	}
	if filter.MaxDistance != nil && dist2 > (*filter.MaxDistance)*(*filter.MaxDistance) {
		return false
	}
	if filter.MinSalience != nil && f.Salience < *filter.MinSalience {
		return false
	}
	if filter.MinDistinction != nil && f.Distinction < *filter.MinDistinction {
		return false
	}
	if filter.DiscardBoundaries && f.Boundary {
		return false
	}

	if query != nil {
		if filter.MaxDescriptorDistances != nil {
			for k := 0; k < f.NChannels() && k < len(filter.MaxDescriptorDistances); k++ {
				if query.DescriptorDistance(f, k) > filter.MaxDescriptorDistances[k] {
					return false
				}
			}
		}

		if filter.MaxNormalAngle != nil || filter.OppositeFacingNormals {
			n := f.WorldNormal()
			if filter.OppositeFacingNormals {
				n = r3.Scale(-1, n)
			}
			dot := r3.Dot(queryNormal, n)
			if filter.MaxNormalAngle != nil {
				if dot > 1 {
					dot = 1
				}
				if dot < -1 {
					dot = -1
				}
				if math.Acos(dot) > *filter.MaxNormalAngle {
					return false
				}
			} else if dot < 0 {
				// Opposite-facing requested with no angle bound: just
				// require the flipped normals to agree in hemisphere.
				return false
			}
		}
	}

	return true
}
