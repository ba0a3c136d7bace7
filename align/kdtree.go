package align

import (
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// featureSite is one kd-tree entry: a feature keyed by its world-space
// (current-transformed) position at index build time.
type featureSite struct {
	feature *Feature
	pos     r3.Vec
}

func (s featureSite) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(featureSite)
	switch d {
	case 0:
		return s.pos.X - q.pos.X
	case 1:
		return s.pos.Y - q.pos.Y
	case 2:
		return s.pos.Z - q.pos.Z
	}
	panic("unreachable")
}

func (s featureSite) Dims() int { return 3 }

// Distance returns the squared Euclidean distance, the metric gonum's
// kd-tree operates in.
func (s featureSite) Distance(c kdtree.Comparable) float64 {
	q := c.(featureSite)
	return r3.Norm2(r3.Sub(s.pos, q.pos))
}

// featureSites implements kdtree.Interface for tree construction.
type featureSites []featureSite

func (s featureSites) Index(i int) kdtree.Comparable { return s[i] }
func (s featureSites) Len() int                      { return len(s) }
func (s featureSites) Slice(start, end int) kdtree.Interface {
	return s[start:end]
}
func (s featureSites) Pivot(d kdtree.Dim) int {
	return sitePlane{featureSites: s, Dim: d}.Pivot()
}

// sitePlane sorts featureSites along a single dimension for pivot selection.
type sitePlane struct {
	kdtree.Dim
	featureSites
}

func (p sitePlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.featureSites[i].pos.X < p.featureSites[j].pos.X
	case 1:
		return p.featureSites[i].pos.Y < p.featureSites[j].pos.Y
	case 2:
		return p.featureSites[i].pos.Z < p.featureSites[j].pos.Z
	}
	panic("unreachable")
}

func (p sitePlane) Pivot() int {
	return kdtree.Partition(p, kdtree.MedianOfMedians(p))
}

func (p sitePlane) Slice(start, end int) kdtree.SortSlicer {
	p.featureSites = p.featureSites[start:end]
	return p
}

func (p sitePlane) Swap(i, j int) {
	p.featureSites[i], p.featureSites[j] = p.featureSites[j], p.featureSites[i]
}

// featureTree is the shape's lazily rebuilt spatial index.
type featureTree struct {
	tree *kdtree.Tree
}

// buildFeatureTree indexes the features at their current world positions.
// Returns nil for an empty feature list.
func buildFeatureTree(features []*Feature, current Affine) *featureTree {
	if len(features) == 0 {
		return nil
	}
	sites := make(featureSites, len(features))
	for i, f := range features {
		sites[i] = featureSite{feature: f, pos: TransformPoint(f.Position, current)}
	}
	return &featureTree{tree: kdtree.New(sites, false)}
}

// withinDist visits every feature whose indexed position lies within maxDist
// (Euclidean) of p, in unspecified order.
func (t *featureTree) withinDist(p r3.Vec, maxDist float64, visit func(*Feature, float64)) {
	keeper := kdtree.NewDistKeeper(maxDist * maxDist)
	t.tree.NearestSet(keeper, featureSite{pos: p})
	for _, cd := range keeper.Heap {
		if cd.Comparable == nil {
			continue
		}
		visit(cd.Comparable.(featureSite).feature, cd.Dist)
	}
}

// featureTree returns the spatial index, rebuilding it if stale. Nil when
// the shape has no features.
func (s *Shape) featureIndex() *featureTree {
	if !s.treeValid {
		s.tree = buildFeatureTree(s.features, s.current)
		s.treeValid = true
	}
	return s.tree
}
