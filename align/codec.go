package align

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// Serialization of reconstruction records. The format is private to this
// system, not a public contract: ASCII for debuggability, binary for bulk.
// Both variants are self-describing -- every variable-length section is
// preceded by its count -- and reference other entities by reconstruction
// index. A failed read leaves the target partially populated; callers must
// discard it rather than retry.

const (
	asciiMagic    = "scanmesh"
	binaryMagic   = 0x534d5348 // "SMSH"
	formatVersion = 1

	// maxBinaryCount bounds every serialized count and string length so a
	// corrupt or truncated stream fails instead of driving a huge allocation.
	maxBinaryCount = 1 << 24
)

// WriteASCII writes one shape record. Hierarchy, sequence and feature
// references are written as reconstruction indices.
func (s *Shape) WriteASCII(w io.Writer) error {
	ew := &errWriter{w: w}

	ew.lstr(s.name)
	seqIdx := -1
	if s.sequence != nil {
		seqIdx = s.sequence.reconstructionIndex
	}
	ew.printf("%d %d\n", seqIdx, s.sequenceIndex)

	ew.printf("%d", len(s.parents))
	for _, p := range s.parents {
		ew.printf(" %d", p.reconstructionIndex)
	}
	ew.printf("\n%d", len(s.children))
	for _, c := range s.children {
		ew.printf(" %d", c.reconstructionIndex)
	}
	ew.printf("\n%d", len(s.features))
	for _, f := range s.features {
		ew.printf(" %d", f.reconstructionIndex)
	}
	ew.printf("\n")

	ew.affine(s.current)
	ew.affine(s.initial)
	ew.affine(s.groundTruth)

	ew.vec(s.viewpoint)
	ew.vec(s.towards)
	ew.vec(s.up)
	ew.printf("%d ", boolInt(s.originSet))
	ew.vec(s.origin)

	for i := range s.dofs {
		ew.printf("%v ", s.dofs[i].inertia)
	}
	ew.printf("\n")
	return ew.err
}

// ReadASCII reads one shape record written by WriteASCII. The shape must be
// attached to a reconstruction whose shape/sequence/feature pools already
// hold the referenced entries. On error the shape state is undefined and
// the caller must discard it.
func (s *Shape) ReadASCII(r io.Reader) error {
	er := &errReader{r: r}

	s.name = er.lstr()
	seqIdx := er.int()
	seqSlot := er.int()

	nparents := er.int()
	parentIdx := make([]int, 0, max(nparents, 0))
	for i := 0; i < nparents; i++ {
		parentIdx = append(parentIdx, er.int())
	}
	nchildren := er.int()
	childIdx := make([]int, 0, max(nchildren, 0))
	for i := 0; i < nchildren; i++ {
		childIdx = append(childIdx, er.int())
	}
	nfeatures := er.int()
	featureIdx := make([]int, 0, max(nfeatures, 0))
	for i := 0; i < nfeatures; i++ {
		featureIdx = append(featureIdx, er.int())
	}

	s.current = er.affine()
	s.initial = er.affine()
	s.groundTruth = er.affine()

	s.viewpoint = er.vec()
	s.towards = er.vec()
	s.up = er.vec()
	s.originSet = er.int() != 0
	s.origin = er.vec()

	for i := range s.dofs {
		s.dofs[i].inertia = er.float()
	}

	if er.err != nil {
		return er.err
	}
	return s.resolveReferences(seqIdx, seqSlot, parentIdx, childIdx, featureIdx)
}

// WriteBinary writes one shape record in the binary variant: little-endian,
// counts as uint32, indices as int32, scalars as float64.
func (s *Shape) WriteBinary(w io.Writer) error {
	bw := &binWriter{w: w}

	bw.str(s.name)
	seqIdx := -1
	if s.sequence != nil {
		seqIdx = s.sequence.reconstructionIndex
	}
	bw.i32(seqIdx)
	bw.i32(s.sequenceIndex)

	bw.u32(len(s.parents))
	for _, p := range s.parents {
		bw.i32(p.reconstructionIndex)
	}
	bw.u32(len(s.children))
	for _, c := range s.children {
		bw.i32(c.reconstructionIndex)
	}
	bw.u32(len(s.features))
	for _, f := range s.features {
		bw.i32(f.reconstructionIndex)
	}

	bw.affine(s.current)
	bw.affine(s.initial)
	bw.affine(s.groundTruth)

	bw.vec(s.viewpoint)
	bw.vec(s.towards)
	bw.vec(s.up)
	bw.u32(boolInt(s.originSet))
	bw.vec(s.origin)

	for i := range s.dofs {
		bw.f64(s.dofs[i].inertia)
	}
	return bw.err
}

// ReadBinary reads one shape record written by WriteBinary. Same attachment
// requirements and failure semantics as ReadASCII.
func (s *Shape) ReadBinary(r io.Reader) error {
	br := &binReader{r: r}

	s.name = br.str()
	seqIdx := br.i32()
	seqSlot := br.i32()

	parentIdx := br.indexList()
	childIdx := br.indexList()
	featureIdx := br.indexList()

	s.current = br.affine()
	s.initial = br.affine()
	s.groundTruth = br.affine()

	s.viewpoint = br.vec()
	s.towards = br.vec()
	s.up = br.vec()
	s.originSet = br.u32() != 0
	s.origin = br.vec()

	for i := range s.dofs {
		s.dofs[i].inertia = br.f64()
	}

	if br.err != nil {
		return br.err
	}
	return s.resolveReferences(seqIdx, seqSlot, parentIdx, childIdx, featureIdx)
}

// resolveReferences turns serialized reconstruction indices back into
// object references. Both sides of each hierarchy link are serialized, so
// the lists are assigned directly rather than through InsertChild.
func (s *Shape) resolveReferences(seqIdx, seqSlot int, parentIdx, childIdx, featureIdx []int) error {
	rec := s.reconstruction
	if rec == nil {
		return fmt.Errorf("reading shape %q: not attached to a reconstruction", s.name)
	}

	if seqIdx >= 0 {
		if seqIdx >= rec.NSequences() {
			return fmt.Errorf("reading shape %q: sequence index %d out of range", s.name, seqIdx)
		}
		s.sequence = rec.Sequence(seqIdx)
		s.sequenceIndex = seqSlot
	} else {
		s.sequence = nil
		s.sequenceIndex = -1
	}

	s.parents = s.parents[:0]
	for _, k := range parentIdx {
		if k < 0 || k >= rec.NShapes() {
			return fmt.Errorf("reading shape %q: parent index %d out of range", s.name, k)
		}
		s.parents = append(s.parents, rec.Shape(k))
	}
	s.children = s.children[:0]
	for _, k := range childIdx {
		if k < 0 || k >= rec.NShapes() {
			return fmt.Errorf("reading shape %q: child index %d out of range", s.name, k)
		}
		s.children = append(s.children, rec.Shape(k))
	}

	s.features = s.features[:0]
	for i, k := range featureIdx {
		if k < 0 || k >= rec.NFeatures() {
			return fmt.Errorf("reading shape %q: feature index %d out of range", s.name, k)
		}
		f := rec.Feature(k)
		f.shape = s
		f.shapeIndex = i
		s.features = append(s.features, f)
	}

	s.invalidateCaches()
	return nil
}

func (f *Feature) writeASCII(ew *errWriter) {
	ew.vec(f.Position)
	ew.vec(f.Normal)
	ew.printf("%v ", f.Radius)
	ew.printf("%d", len(f.Descriptor))
	for _, d := range f.Descriptor {
		ew.printf(" %v", d)
	}
	ew.printf(" %v %v %d\n", f.Salience, f.Distinction, boolInt(f.Boundary))
}

func (f *Feature) readASCII(er *errReader) {
	f.Position = er.vec()
	f.Normal = er.vec()
	f.Radius = er.float()
	n := er.int()
	if er.err != nil || n < 0 {
		return
	}
	f.Descriptor = make([]float64, n)
	for i := range f.Descriptor {
		f.Descriptor[i] = er.float()
	}
	f.Salience = er.float()
	f.Distinction = er.float()
	f.Boundary = er.int() != 0
}

func (f *Feature) writeBinary(bw *binWriter) {
	bw.vec(f.Position)
	bw.vec(f.Normal)
	bw.f64(f.Radius)
	bw.u32(len(f.Descriptor))
	for _, d := range f.Descriptor {
		bw.f64(d)
	}
	bw.f64(f.Salience)
	bw.f64(f.Distinction)
	bw.u32(boolInt(f.Boundary))
}

func (f *Feature) readBinary(br *binReader) {
	f.Position = br.vec()
	f.Normal = br.vec()
	f.Radius = br.f64()
	n := br.count()
	if br.err != nil {
		return
	}
	f.Descriptor = make([]float64, n)
	for i := range f.Descriptor {
		f.Descriptor[i] = br.f64()
	}
	f.Salience = br.f64()
	f.Distinction = br.f64()
	f.Boundary = br.u32() != 0
}

// WriteASCII writes the whole reconstruction: header with section counts,
// then features, sequences, shapes and matches.
func (r *Reconstruction) WriteASCII(w io.Writer) error {
	ew := &errWriter{w: w}
	ew.printf("%s %d\n", asciiMagic, formatVersion)
	ew.printf("%d %d %d %d\n", len(r.shapes), len(r.sequences), len(r.features), len(r.matches))
	if ew.err != nil {
		return ew.err
	}

	for _, f := range r.features {
		f.writeASCII(ew)
	}
	// Sequences precede shape records: shape records reference their
	// sequence by index, so the reader needs the sequence pool first.
	for _, q := range r.sequences {
		ew.lstr(q.Name)
		ew.printf("%d", len(q.shapes))
		for _, s := range q.shapes {
			ew.printf(" %d", s.reconstructionIndex)
		}
		ew.printf("\n")
	}
	if ew.err != nil {
		return ew.err
	}
	for _, s := range r.shapes {
		if err := s.WriteASCII(w); err != nil {
			return err
		}
	}
	for _, m := range r.matches {
		ew.printf("%d %d %v\n", featureIndexOrNeg(m.features[0]), featureIndexOrNeg(m.features[1]), m.Affinity)
	}
	return ew.err
}

// ReadASCII reads a reconstruction written by WriteASCII into r, which must
// be empty. On error the reconstruction is partially populated and must be
// discarded.
func (r *Reconstruction) ReadASCII(reader io.Reader) error {
	br := bufio.NewReader(reader)
	er := &errReader{r: br}

	var magic string
	var version int
	if _, err := fmt.Fscan(br, &magic, &version); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if magic != asciiMagic || version != formatVersion {
		return fmt.Errorf("unrecognized header %q version %d", magic, version)
	}

	nshapes := er.int()
	nsequences := er.int()
	nfeatures := er.int()
	nmatches := er.int()
	if er.err != nil {
		return fmt.Errorf("reading section counts: %w", er.err)
	}

	for i := 0; i < nfeatures; i++ {
		f := &Feature{shapeIndex: -1}
		r.insertFeature(f)
		f.readASCII(er)
		if er.err != nil {
			return fmt.Errorf("reading feature %d: %w", i, er.err)
		}
	}

	// Shapes may reference later shapes as parents/children (and their
	// sequence), so both pools are populated before any shape record is read.
	for i := 0; i < nshapes; i++ {
		NewShape(r)
	}
	for i := 0; i < nsequences; i++ {
		q := r.CreateSequence(er.lstr())
		n := er.int()
		for j := 0; j < n; j++ {
			k := er.int()
			if er.err != nil {
				break
			}
			if k < 0 || k >= len(r.shapes) {
				return fmt.Errorf("reading sequence %d: shape index %d out of range", i, k)
			}
			q.shapes = append(q.shapes, r.shapes[k])
		}
		if er.err != nil {
			return fmt.Errorf("reading sequence %d: %w", i, er.err)
		}
	}

	for i := 0; i < nshapes; i++ {
		if err := r.shapes[i].ReadASCII(br); err != nil {
			return fmt.Errorf("reading shape %d: %w", i, err)
		}
	}

	for i := 0; i < nmatches; i++ {
		k0 := er.int()
		k1 := er.int()
		affinity := er.float()
		if er.err != nil {
			return fmt.Errorf("reading match %d: %w", i, er.err)
		}
		if err := r.linkMatch(k0, k1, affinity); err != nil {
			return fmt.Errorf("reading match %d: %w", i, err)
		}
	}
	return nil
}

// WriteBinary writes the whole reconstruction in the binary variant
func (r *Reconstruction) WriteBinary(w io.Writer) error {
	bw := &binWriter{w: w}
	bw.u32(binaryMagic)
	bw.u32(formatVersion)
	bw.u32(len(r.shapes))
	bw.u32(len(r.sequences))
	bw.u32(len(r.features))
	bw.u32(len(r.matches))
	if bw.err != nil {
		return bw.err
	}

	for _, f := range r.features {
		f.writeBinary(bw)
	}
	// Sequences precede shape records, as in the ASCII variant.
	for _, q := range r.sequences {
		bw.str(q.Name)
		bw.u32(len(q.shapes))
		for _, s := range q.shapes {
			bw.i32(s.reconstructionIndex)
		}
	}
	if bw.err != nil {
		return bw.err
	}
	for _, s := range r.shapes {
		if err := s.WriteBinary(w); err != nil {
			return err
		}
	}
	for _, m := range r.matches {
		bw.i32(featureIndexOrNeg(m.features[0]))
		bw.i32(featureIndexOrNeg(m.features[1]))
		bw.f64(m.Affinity)
	}
	return bw.err
}

// ReadBinary reads a reconstruction written by WriteBinary into r, which
// must be empty
func (r *Reconstruction) ReadBinary(reader io.Reader) error {
	br := &binReader{r: reader}

	if magic := br.u32(); br.err != nil || magic != binaryMagic {
		return fmt.Errorf("unrecognized binary header")
	}
	if version := br.u32(); br.err != nil || version != formatVersion {
		return fmt.Errorf("unsupported format version")
	}

	nshapes := br.count()
	nsequences := br.count()
	nfeatures := br.count()
	nmatches := br.count()
	if br.err != nil {
		return fmt.Errorf("reading section counts: %w", br.err)
	}

	for i := 0; i < nfeatures; i++ {
		f := &Feature{shapeIndex: -1}
		r.insertFeature(f)
		f.readBinary(br)
		if br.err != nil {
			return fmt.Errorf("reading feature %d: %w", i, br.err)
		}
	}

	for i := 0; i < nshapes; i++ {
		NewShape(r)
	}
	for i := 0; i < nsequences; i++ {
		q := r.CreateSequence(br.str())
		n := br.count()
		for j := 0; j < n; j++ {
			k := br.i32()
			if br.err != nil {
				break
			}
			if k < 0 || k >= len(r.shapes) {
				return fmt.Errorf("reading sequence %d: shape index %d out of range", i, k)
			}
			q.shapes = append(q.shapes, r.shapes[k])
		}
		if br.err != nil {
			return fmt.Errorf("reading sequence %d: %w", i, br.err)
		}
	}

	for i := 0; i < nshapes; i++ {
		if err := r.shapes[i].ReadBinary(reader); err != nil {
			return fmt.Errorf("reading shape %d: %w", i, err)
		}
	}

	for i := 0; i < nmatches; i++ {
		k0 := br.i32()
		k1 := br.i32()
		affinity := br.f64()
		if br.err != nil {
			return fmt.Errorf("reading match %d: %w", i, br.err)
		}
		if err := r.linkMatch(k0, k1, affinity); err != nil {
			return fmt.Errorf("reading match %d: %w", i, err)
		}
	}
	return nil
}

// WriteFile writes the reconstruction to a file, choosing the ASCII variant
// for .txt/.ascii extensions and binary otherwise
func WriteFile(path string, r *Reconstruction) error {
	fp, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer fp.Close()

	w := bufio.NewWriter(fp)
	if isASCIIPath(path) {
		err = r.WriteASCII(w)
	} else {
		err = r.WriteBinary(w)
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// ReadFile reads a reconstruction from a file, choosing the variant by
// extension as WriteFile does
func ReadFile(path string) (*Reconstruction, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer fp.Close()

	r := NewReconstruction()
	if isASCIIPath(path) {
		err = r.ReadASCII(fp)
	} else {
		err = r.ReadBinary(bufio.NewReader(fp))
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return r, nil
}

func isASCIIPath(path string) bool {
	return strings.HasSuffix(path, ".txt") || strings.HasSuffix(path, ".ascii")
}

func (r *Reconstruction) linkMatch(k0, k1 int, affinity float64) error {
	var f0, f1 *Feature
	if k0 >= 0 {
		if k0 >= len(r.features) {
			return fmt.Errorf("feature index %d out of range", k0)
		}
		f0 = r.features[k0]
	}
	if k1 >= 0 {
		if k1 >= len(r.features) {
			return fmt.Errorf("feature index %d out of range", k1)
		}
		f1 = r.features[k1]
	}
	r.CreateMatch(f0, f1, affinity)
	return nil
}

func featureIndexOrNeg(f *Feature) int {
	if f == nil {
		return -1
	}
	return f.reconstructionIndex
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// errWriter accumulates the first formatting error across writes
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...interface{}) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func (ew *errWriter) lstr(s string) {
	ew.printf("%d %s\n", len(s), s)
}

func (ew *errWriter) vec(v r3.Vec) {
	ew.printf("%v %v %v ", v.X, v.Y, v.Z)
}

func (ew *errWriter) affine(m Affine) {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			ew.printf("%v ", m.M[i][j])
		}
	}
	ew.vec(m.T)
	ew.printf("\n")
}

// errReader accumulates the first scan error across reads
type errReader struct {
	r   io.Reader
	err error
}

func (er *errReader) int() int {
	var v int
	if er.err == nil {
		_, er.err = fmt.Fscan(er.r, &v)
	}
	return v
}

func (er *errReader) float() float64 {
	var v float64
	if er.err == nil {
		_, er.err = fmt.Fscan(er.r, &v)
	}
	return v
}

// lstr reads a length-prefixed string: the byte count, one separator byte,
// then exactly that many bytes. Length prefixing keeps names with spaces
// intact without quoting rules.
func (er *errReader) lstr() string {
	n := er.int()
	if er.err != nil || n < 0 {
		return ""
	}
	sep := make([]byte, 1)
	if _, err := io.ReadFull(er.r, sep); err != nil {
		er.err = err
		return ""
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(er.r, buf); err != nil {
		er.err = err
		return ""
	}
	return string(buf)
}

func (er *errReader) vec() r3.Vec {
	return r3.Vec{X: er.float(), Y: er.float(), Z: er.float()}
}

func (er *errReader) affine() Affine {
	var m Affine
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.M[i][j] = er.float()
		}
	}
	m.T = er.vec()
	return m
}

// binWriter writes little-endian binary fields with a sticky error
type binWriter struct {
	w   io.Writer
	err error
}

func (bw *binWriter) u32(v int) {
	if bw.err == nil {
		bw.err = binary.Write(bw.w, binary.LittleEndian, uint32(v))
	}
}

func (bw *binWriter) i32(v int) {
	if bw.err == nil {
		bw.err = binary.Write(bw.w, binary.LittleEndian, int32(v))
	}
}

func (bw *binWriter) f64(v float64) {
	if bw.err == nil {
		bw.err = binary.Write(bw.w, binary.LittleEndian, v)
	}
}

func (bw *binWriter) str(s string) {
	bw.u32(len(s))
	if bw.err == nil {
		_, bw.err = io.WriteString(bw.w, s)
	}
}

func (bw *binWriter) vec(v r3.Vec) {
	bw.f64(v.X)
	bw.f64(v.Y)
	bw.f64(v.Z)
}

func (bw *binWriter) affine(m Affine) {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			bw.f64(m.M[i][j])
		}
	}
	bw.vec(m.T)
}

// binReader reads little-endian binary fields with a sticky error
type binReader struct {
	r   io.Reader
	err error
}

func (br *binReader) u32() int {
	var v uint32
	if br.err == nil {
		br.err = binary.Read(br.r, binary.LittleEndian, &v)
	}
	return int(v)
}

func (br *binReader) i32() int {
	var v int32
	if br.err == nil {
		br.err = binary.Read(br.r, binary.LittleEndian, &v)
	}
	return int(v)
}

func (br *binReader) f64() float64 {
	var v float64
	if br.err == nil {
		br.err = binary.Read(br.r, binary.LittleEndian, &v)
	}
	return v
}

// count reads a section count or length, rejecting implausible values
func (br *binReader) count() int {
	n := br.u32()
	if br.err == nil && n > maxBinaryCount {
		br.err = fmt.Errorf("count %d exceeds limit %d", n, maxBinaryCount)
	}
	return n
}

func (br *binReader) str() string {
	n := br.count()
	if br.err != nil || n < 0 {
		return ""
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br.r, buf); err != nil {
		br.err = err
		return ""
	}
	return string(buf)
}

func (br *binReader) vec() r3.Vec {
	return r3.Vec{X: br.f64(), Y: br.f64(), Z: br.f64()}
}

func (br *binReader) affine() Affine {
	var m Affine
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.M[i][j] = br.f64()
		}
	}
	m.T = br.vec()
	return m
}

func (br *binReader) indexList() []int {
	n := br.count()
	if br.err != nil {
		return nil
	}
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, br.i32())
	}
	return out
}
