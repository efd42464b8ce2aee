package globalid

import (
	"github.com/notargets/DGDistribute/mesh"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// AssignWithin numbers keys like Assign with shared ids, except that nearby
// keys also share. Keys are visited in Assign's order and each key not yet
// numbered takes the next id, which every unnumbered key within tol of it
// takes too. A tol of 0 is Assign(keys, true).
func AssignWithin(keys [][]r3.Vec, tol float64) [][]int64 {
	if tol <= 0 {
		return Assign(keys, true)
	}
	recs, ids := sortedRecords(keys)
	if len(recs) == 0 {
		return ids
	}
	pts := make(keyPoints, len(recs))
	for i, rec := range recs {
		pts[i] = keyPoint{p: rec.p, rec: i}
	}
	tree := kdtree.New(pts, false)

	done := make([]bool, len(recs))
	id := int64(-1)
	for i, rec := range recs {
		if done[i] {
			continue
		}
		id++
		done[i] = true
		ids[rec.rank][rec.index] = id

		keep := kdtree.NewDistKeeper(tol * tol)
		tree.NearestSet(keep, keyPoint{p: rec.p})
		for _, cd := range keep.Heap {
			if cd.Comparable == nil {
				continue
			}
			j := cd.Comparable.(keyPoint).rec
			if !done[j] {
				done[j] = true
				ids[recs[j].rank][recs[j].index] = id
			}
		}
	}
	return ids
}

// keyPoint is a k-d tree entry for the record at index rec
type keyPoint struct {
	p   r3.Vec
	rec int
}

func (a keyPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return mesh.Axis(a.p, int(d)) - mesh.Axis(c.(keyPoint).p, int(d))
}

func (a keyPoint) Dims() int { return 3 }

func (a keyPoint) Distance(c kdtree.Comparable) float64 {
	return r3.Norm2(r3.Sub(a.p, c.(keyPoint).p))
}

// keyPoints implements kdtree.Interface for a balanced build
type keyPoints []keyPoint

func (k keyPoints) Index(i int) kdtree.Comparable         { return k[i] }
func (k keyPoints) Len() int                              { return len(k) }
func (k keyPoints) Slice(start, end int) kdtree.Interface { return k[start:end] }
func (k keyPoints) Pivot(d kdtree.Dim) int {
	p := keyPlane{Dim: d, keyPoints: k}
	return kdtree.Partition(p, kdtree.MedianOfMedians(p))
}

// keyPlane sorts keyPoints along one axis
type keyPlane struct {
	kdtree.Dim
	keyPoints
}

func (p keyPlane) Less(i, j int) bool {
	return mesh.Axis(p.keyPoints[i].p, int(p.Dim)) < mesh.Axis(p.keyPoints[j].p, int(p.Dim))
}

func (p keyPlane) Slice(start, end int) kdtree.SortSlicer {
	p.keyPoints = p.keyPoints[start:end]
	return p
}

func (p keyPlane) Swap(i, j int) {
	p.keyPoints[i], p.keyPoints[j] = p.keyPoints[j], p.keyPoints[i]
}
