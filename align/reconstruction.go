package align

// Reconstruction owns every entity of one registration problem: the shapes
// being aligned, their scan sequences, the pooled features and the match
// pool connecting them. Shapes reference each other through the
// reconstruction's index spaces, which is also how serialized records
// resolve references after a load.
type Reconstruction struct {
	shapes    []*Shape
	sequences []*Sequence
	features  []*Feature
	matches   []*Match
}

// NewReconstruction creates an empty reconstruction
func NewReconstruction() *Reconstruction {
	return &Reconstruction{}
}

// NShapes returns the number of shapes
func (r *Reconstruction) NShapes() int {
	return len(r.shapes)
}

// Shape returns the kth shape
func (r *Reconstruction) Shape(k int) *Shape {
	return r.shapes[k]
}

// NSequences returns the number of sequences
func (r *Reconstruction) NSequences() int {
	return len(r.sequences)
}

// Sequence returns the kth sequence
func (r *Reconstruction) Sequence(k int) *Sequence {
	return r.sequences[k]
}

// NFeatures returns the size of the feature pool
func (r *Reconstruction) NFeatures() int {
	return len(r.features)
}

// Feature returns the kth pooled feature
func (r *Reconstruction) Feature(k int) *Feature {
	return r.features[k]
}

// NMatches returns the size of the match pool
func (r *Reconstruction) NMatches() int {
	return len(r.matches)
}

// Match returns the kth pooled match
func (r *Reconstruction) Match(k int) *Match {
	return r.matches[k]
}

// InsertShape attaches a shape to the reconstruction and assigns its index
func (r *Reconstruction) InsertShape(s *Shape) {
	s.reconstruction = r
	s.reconstructionIndex = len(r.shapes)
	r.shapes = append(r.shapes, s)
}

// RemoveShape detaches a shape. The caller must have removed hierarchy
// links to it first; its features are released from the pool. Later shapes
// shift down one index.
func (r *Reconstruction) RemoveShape(s *Shape) {
	if s.reconstruction != r {
		return
	}
	s.DeleteFeatures()
	k := s.reconstructionIndex
	r.shapes = append(r.shapes[:k], r.shapes[k+1:]...)
	for i := k; i < len(r.shapes); i++ {
		r.shapes[i].reconstructionIndex = i
	}
	s.reconstruction = nil
	s.reconstructionIndex = -1
}

// CreateSequence adds a new named sequence
func (r *Reconstruction) CreateSequence(name string) *Sequence {
	q := &Sequence{
		reconstruction:      r,
		reconstructionIndex: len(r.sequences),
		Name:                name,
	}
	r.sequences = append(r.sequences, q)
	return q
}

// CreateMatch records a correspondence between two features and inserts a
// reference at the end of each involved shape's match list.
func (r *Reconstruction) CreateMatch(f1, f2 *Feature, affinity float64) *Match {
	m := &Match{
		reconstruction:      r,
		reconstructionIndex: len(r.matches),
		features:            [2]*Feature{f1, f2},
		Affinity:            affinity,
	}
	r.matches = append(r.matches, m)
	var s1 *Shape
	if f1 != nil {
		s1 = f1.shape
	}
	if s1 != nil {
		s1.InsertMatch(m, s1.NMatches())
	}
	if f2 != nil && f2.shape != nil && f2.shape != s1 {
		f2.shape.InsertMatch(m, f2.shape.NMatches())
	}
	return m
}

func (r *Reconstruction) insertFeature(f *Feature) {
	f.reconstruction = r
	f.reconstructionIndex = len(r.features)
	r.features = append(r.features, f)
}

func (r *Reconstruction) removeFeature(f *Feature) {
	if f.reconstruction != r {
		return
	}
	k := f.reconstructionIndex
	r.features = append(r.features[:k], r.features[k+1:]...)
	for i := k; i < len(r.features); i++ {
		r.features[i].reconstructionIndex = i
	}
	f.reconstruction = nil
	f.reconstructionIndex = -1
}

// AssignVariableIndices runs the global numbering pass: every shape's free
// DOFs receive consecutive indices in shape order. Returns the total number
// of solver variables. Deterministic for a given shape order.
func (r *Reconstruction) AssignVariableIndices() int {
	next := 0
	for _, s := range r.shapes {
		next = s.AssignVariableIndices(next)
	}
	return next
}

// UpdateVariableValues scatters a solver solution vector to every shape
func (r *Reconstruction) UpdateVariableValues(x []float64) {
	for _, s := range r.shapes {
		s.UpdateVariableValues(x)
	}
}

// BBox returns the union of all shapes' world-space bounding boxes
func (r *Reconstruction) BBox() Box {
	b := EmptyBox()
	for _, s := range r.shapes {
		b = b.Union(s.BBox())
	}
	return b
}
